//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
// unix.Timeval follows the native word size, so the record is 24 bytes on
// 64-bit kernels and 16 bytes on 32-bit ones (armhf).
type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

// tick converts the event timestamp into the 32-bit microsecond counter the
// debouncer works with.
func (ev inputEvent) tick() uint32 {
	return uint32(int64(ev.Time.Sec)*1_000_000 + int64(ev.Time.Usec))
}

// linuxHardware reads buttons from a gpio-keys evdev device and the
// potentiometer from an I2C ADC.
//
// Edge callbacks run on the single epoll reader goroutine.
type linuxHardware struct {
	logger *slog.Logger

	mu     sync.Mutex
	edges  map[int]EdgeFunc
	keymap map[uint16]int // evdev key code -> channel

	input  *os.File
	wakeFd int // eventfd used to unblock epoll_wait on Close
	done   chan struct{}

	i2cMu sync.Mutex
	i2cFd int

	closeOnce sync.Once
}

func openLinuxHardware(cfg HardwareConfig, logger *slog.Logger) (Hardware, error) {
	input, err := os.Open(cfg.ButtonDevice)
	if err != nil {
		return nil, fmt.Errorf("open button device %s: %w", cfg.ButtonDevice, err)
	}

	i2cPath := fmt.Sprintf("/dev/i2c-%d", cfg.I2CBus)
	i2cFd, err := unix.Open(i2cPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		input.Close()
		return nil, fmt.Errorf("open %s: %w", i2cPath, err)
	}
	if err := unix.IoctlSetInt(i2cFd, i2cSlaveIoctl, cfg.ADCAddress); err != nil {
		unix.Close(i2cFd)
		input.Close()
		return nil, fmt.Errorf("select i2c address 0x%02x: %w", cfg.ADCAddress, err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(i2cFd)
		input.Close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	keymap := make(map[uint16]int, len(cfg.Buttons))
	for code, channel := range cfg.Buttons {
		keymap[uint16(code)] = channel
	}

	h := &linuxHardware{
		logger: logger,
		edges:  make(map[int]EdgeFunc),
		keymap: keymap,
		input:  input,
		wakeFd: wakeFd,
		done:   make(chan struct{}),
		i2cFd:  i2cFd,
	}

	go func() {
		defer close(h.done)
		if err := h.readLoop(); err != nil {
			logger.Error("button reader stopped", "device", cfg.ButtonDevice, "error", err)
		}
	}()

	logger.Info("hardware opened",
		"button_device", cfg.ButtonDevice,
		"i2c", i2cPath,
		"adc_address", fmt.Sprintf("0x%02x", cfg.ADCAddress))
	return h, nil
}

func (h *linuxHardware) RegisterEdge(channel int, fn EdgeFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edges[channel] = fn
	return nil
}

// ReadAnalog selects the ADC input with a control byte, then reads one byte.
func (h *linuxHardware) ReadAnalog(channel int) (uint8, error) {
	h.i2cMu.Lock()
	defer h.i2cMu.Unlock()

	if h.i2cFd < 0 {
		return 0, errors.New("i2c closed")
	}

	control := []byte{byte(channel<<4) | 0x80}
	if n, err := unix.Write(h.i2cFd, control); err != nil || n != 1 {
		return 0, fmt.Errorf("write control byte: n=%d: %w", n, err)
	}

	data := make([]byte, 1)
	if n, err := unix.Read(h.i2cFd, data); err != nil || n != 1 {
		return 0, fmt.Errorf("read sample: n=%d: %w", n, err)
	}
	return data[0], nil
}

func (h *linuxHardware) Close() error {
	h.closeOnce.Do(func() {
		// Wake the reader, wait for it, then release the fds it uses.
		var one [8]byte
		binary.LittleEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(h.wakeFd, one[:])
		<-h.done

		unix.Close(h.wakeFd)
		h.input.Close()

		h.i2cMu.Lock()
		unix.Close(h.i2cFd)
		h.i2cFd = -1
		h.i2cMu.Unlock()
	})
	return nil
}

// readLoop waits on the button device and the wake eventfd with epoll and
// turns key events into edges.
func (h *linuxHardware) readLoop() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	inputFd := int(h.input.Fd())
	for _, fd := range []int{inputFd, h.wakeFd} {
		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add fd=%d: %w", fd, err)
		}
	}

	const maxEvents = 8
	epollEvents := make([]unix.EpollEvent, maxEvents)
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize)
	reader := bytes.NewReader(buf)

	for {
		n, err := unix.EpollWait(epfd, epollEvents, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			if fd == h.wakeFd {
				return nil
			}

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", h.input.Name())
			}

			if _, err := h.input.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", h.input.Name(), err)
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				// Skip malformed events
				continue
			}
			h.deliver(ev)
		}
	}
}

// deliver maps a key event onto a channel edge. Autorepeat is not an edge.
func (h *linuxHardware) deliver(ev inputEvent) {
	if ev.Type != EV_KEY || ev.Value == evValueRepeat {
		return
	}

	h.mu.Lock()
	channel, mapped := h.keymap[ev.Code]
	fn := h.edges[channel]
	h.mu.Unlock()

	if !mapped || fn == nil {
		h.logger.Debug("unmapped key event", "code", ev.Code, "value", ev.Value)
		return
	}

	level := levelHigh
	if ev.Value == evValuePress {
		level = levelLow
	}
	fn(channel, level, ev.tick())
}

package main

import (
	"fmt"
	"log/slog"
	"sync"
)

// EdgeFunc receives a digital edge: the channel, its new level, and a
// free-running microsecond tick. It may be invoked on any goroutine.
type EdgeFunc func(channel, level int, tick uint32)

// Hardware is the input capability the daemon consumes: debounce-ready
// digital edges and 8-bit analog samples. The register-level protocol lives
// behind it.
type Hardware interface {
	RegisterEdge(channel int, fn EdgeFunc) error
	ReadAnalog(channel int) (uint8, error)
	Close() error
}

// HardwareBackend names a Hardware implementation in config.
type HardwareBackend string

const (
	HardwareBackendLinux HardwareBackend = "linux"
	HardwareBackendSim   HardwareBackend = "sim"
)

// openHardware constructs the configured backend.
func openHardware(cfg HardwareConfig, logger *slog.Logger) (Hardware, error) {
	switch HardwareBackend(cfg.Backend) {
	case HardwareBackendSim:
		logger.Info("using simulated hardware (drive it over IPC)")
		return NewSimHardware(), nil
	case HardwareBackendLinux:
		return openLinuxHardware(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Backend)
	}
}

// SimHardware is an in-memory backend. Edges and analog samples are injected
// through IPC (or directly in tests); callbacks run on the injecting goroutine.
type SimHardware struct {
	mu      sync.Mutex
	edges   map[int]EdgeFunc
	samples map[int]uint8
	closed  bool
}

// NewSimHardware returns a simulated backend with every analog channel at 0.
func NewSimHardware() *SimHardware {
	return &SimHardware{
		edges:   make(map[int]EdgeFunc),
		samples: make(map[int]uint8),
	}
}

func (h *SimHardware) RegisterEdge(channel int, fn EdgeFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hardware closed")
	}
	h.edges[channel] = fn
	return nil
}

func (h *SimHardware) ReadAnalog(channel int) (uint8, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("hardware closed")
	}
	return h.samples[channel], nil
}

// InjectEdge delivers an edge to the registered callback, if any.
func (h *SimHardware) InjectEdge(channel, level int, tick uint32) bool {
	h.mu.Lock()
	fn := h.edges[channel]
	closed := h.closed
	h.mu.Unlock()

	if fn == nil || closed {
		return false
	}
	fn(channel, level, tick)
	return true
}

// SetAnalog sets the value the next ReadAnalog on channel returns.
func (h *SimHardware) SetAnalog(channel int, sample uint8) {
	h.mu.Lock()
	h.samples[channel] = sample
	h.mu.Unlock()
}

func (h *SimHardware) Close() error {
	h.mu.Lock()
	h.closed = true
	h.edges = make(map[int]EdgeFunc)
	h.mu.Unlock()
	return nil
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The IPC server lets external clients send JSON actions to the daemon via
// a Unix domain socket:
//   - spotipi-ctl (manual control, simulated buttons and potentiometer)
//   - the librespot hook (refresh nudges on player events)
//   - scripting and automation
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "action_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
// ============================================================================

// ipcReplyTimeout bounds how long a connection waits for the controller to
// apply an action before answering.
const ipcReplyTimeout = 2 * time.Second

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, requests chan<- ActionRequest, logger *slog.Logger) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// The librespot hook runs as the librespot user.
	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, requests, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, requests chan<- ActionRequest, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	respond := func(err error) {
		response := IPCResponse{Status: "ok"}
		if err != nil {
			response = IPCResponse{Status: "error", Error: err.Error()}
		}
		if encErr := encoder.Encode(response); encErr != nil {
			logger.Error("IPC failed to send response", "error", encErr)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("IPC received", "line", line)

		action, err := UnmarshalAction([]byte(line))
		if err != nil {
			respond(fmt.Errorf("parse action: %w", err))
			continue
		}

		reply := make(chan error, 1)
		select {
		case requests <- ActionRequest{Action: action, Reply: reply}:
		default:
			respond(errors.New("action queue full"))
			continue
		}

		select {
		case err := <-reply:
			respond(err)
		case <-time.After(ipcReplyTimeout):
			respond(errors.New("timed out waiting for the controller"))
		case <-ctx.Done():
			respond(errors.New("daemon shutting down"))
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================

// SendIPCAction sends an action to the daemon via IPC and returns its outcome
func SendIPCAction(socketPath string, a Action) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalAction(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return fmt.Errorf("send action: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(ipcReplyTimeout + time.Second))
	decoder := json.NewDecoder(conn)
	var resp IPCResponse
	if err := decoder.Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}

	return nil
}

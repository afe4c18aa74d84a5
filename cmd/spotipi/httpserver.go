package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Serves the state WebSocket (/ws/state) and a health endpoint (/healthz).
// ============================================================================

// healthStatus is the /healthz response body.
type healthStatus struct {
	Status        string `json:"status"`
	Screen        string `json:"screen"`
	LoggedIn      bool   `json:"logged_in"`
	TasksInFlight int    `json:"tasks_in_flight"`
	TasksDropped  int    `json:"tasks_dropped"`
	WSClients     int    `json:"ws_clients"`
}

// newHTTPMux builds the handler tree.
func newHTTPMux(ws *StateServer, health func() healthStatus) *http.ServeMux {
	mux := http.NewServeMux()
	ws.Register(mux, "/ws/state")
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health())
	})
	return mux
}

// runHTTPServer serves handler on addr and shuts it down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger.Info("HTTP server listening", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}

/*
File: server.go
Version: 4.0.0
Description: Listener orchestration for the control API and graceful shutdown of everything
             started with it.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// ServerShutdowner is anything started by startServers.
type ServerShutdowner interface {
	Shutdown(ctx context.Context) error
	String() string
}

type HTTPServerWrapper struct {
	*http.Server
}

func (w *HTTPServerWrapper) Shutdown(ctx context.Context) error {
	return w.Server.Shutdown(ctx)
}

func (w *HTTPServerWrapper) String() string {
	return fmt.Sprintf("Protocol: HTTP (control API) | Addr: %s", w.Addr)
}

func newAPIServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE, WebSocket and streamed bodies
		IdleTimeout:       60 * time.Second,
	}
}

func startServers(wg *sync.WaitGroup, cfg ServerConfig, handler http.Handler) []ServerShutdowner {
	srv := &HTTPServerWrapper{newAPIServer(cfg, handler)}

	wg.Add(1)
	go func() {
		defer wg.Done()
		LogInfo("Starting Server [%s]", srv.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LogError("Server [%s] stopped: %v", srv.String(), err)
		}
	}()
	return []ServerShutdowner{srv}
}

func shutdownServers(servers []ServerShutdowner, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s ServerShutdowner) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				LogWarn("Server [%s] shutdown: %v", s.String(), err)
			}
		}(s)
	}
	wg.Wait()
}

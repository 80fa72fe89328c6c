/*
File: logger.go
Version: 1.1.0
Description: Structured multi-output logging on top of log/slog.
             Records are handed to a buffered channel and written by a single drain goroutine,
             so request paths never block on console or file I/O.
*/

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

var logger *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Shared level so CLI overrides apply to every handler.
var logLevel = new(slog.LevelVar)

var (
	logBuffer  chan slog.Record
	logWg      sync.WaitGroup
	logDone    chan struct{}
	logClosers []io.Closer
	asyncReady bool
)

const logBufferSize = 65536

// InitLogger builds the handler chain described by cfg and swaps it in as the global logger.
func InitLogger(cfg LoggingConfig) error {
	var handlers []slog.Handler

	logLevel.Set(parseLogLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: logLevel}
	jsonFormat := strings.EqualFold(cfg.Format, "json")

	newHandler := func(w io.Writer) slog.Handler {
		if jsonFormat {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	for _, output := range cfg.Outputs {
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "console":
			handlers = append(handlers, newHandler(os.Stderr))
		case "file":
			if cfg.File.Path == "" {
				return fmt.Errorf("file logging enabled but no path specified")
			}
			perm := os.FileMode(0644)
			if cfg.File.Permissions > 0 {
				perm = os.FileMode(cfg.File.Permissions)
			}
			f, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logClosers = append(logClosers, f)
			handlers = append(handlers, newHandler(f))
		default:
			return fmt.Errorf("unknown log output %q", output)
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, newHandler(os.Stderr))
	}

	var finalHandler slog.Handler
	if len(handlers) > 1 {
		finalHandler = &MultiHandler{handlers: handlers}
	} else {
		finalHandler = handlers[0]
	}

	logBuffer = make(chan slog.Record, logBufferSize)
	logDone = make(chan struct{})

	logWg.Add(1)
	go func() {
		defer logWg.Done()
		processLogs(finalHandler)
	}()
	asyncReady = true

	logger = slog.New(&AsyncHandler{handler: finalHandler, buffer: logBuffer})
	slog.SetDefault(logger)
	return nil
}

// SetLogLevel overrides the configured level (used by the --log-level flag).
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	logLevel.Set(parseLogLevel(level))
}

func processLogs(h slog.Handler) {
	ctx := context.Background()
	for {
		select {
		case record := <-logBuffer:
			_ = h.Handle(ctx, record)
		case <-logDone:
			for {
				select {
				case record := <-logBuffer:
					_ = h.Handle(ctx, record)
				default:
					return
				}
			}
		}
	}
}

// ShutdownLogger drains pending records and closes file outputs.
func ShutdownLogger() {
	if !asyncReady {
		return
	}
	asyncReady = false
	close(logDone)
	logWg.Wait()
	for _, c := range logClosers {
		_ = c.Close()
	}
	logClosers = nil
}

type AsyncHandler struct {
	handler slog.Handler
	buffer  chan slog.Record
}

func (h *AsyncHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

// Handle never blocks; records are dropped when the buffer is full.
func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	select {
	case h.buffer <- r.Clone():
	default:
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{handler: h.handler.WithAttrs(attrs), buffer: h.buffer}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{handler: h.handler.WithGroup(name), buffer: h.buffer}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type MultiHandler struct {
	handlers []slog.Handler
}

func (m *MultiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// --- Level Checks ---

func IsDebugEnabled() bool {
	return logLevel.Level() <= slog.LevelDebug
}

// --- printf style wrappers ---

func logWithCaller(level slog.Level, format string, v ...interface{}) {
	if logger == nil || !logger.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, v...), pcs[0])
	_ = logger.Handler().Handle(context.Background(), r)
}

func LogDebug(format string, v ...interface{}) { logWithCaller(slog.LevelDebug, format, v...) }
func LogInfo(format string, v ...interface{})  { logWithCaller(slog.LevelInfo, format, v...) }
func LogWarn(format string, v ...interface{})  { logWithCaller(slog.LevelWarn, format, v...) }
func LogError(format string, v ...interface{}) { logWithCaller(slog.LevelError, format, v...) }

func LogFatal(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	if logger != nil {
		logger.Error(msg)
	}
	ShutdownLogger()
	os.Exit(1)
}

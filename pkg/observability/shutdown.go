package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager stops HTTP servers, then runs registered cleanup in parallel
type ShutdownManager struct {
	logger          *Logger
	servers         []*http.Server
	shutdownFuncs   []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration, servers ...*http.Server) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          OrDefault(logger),
		servers:         servers,
		shutdownTimeout: timeout,
	}
}

// Register adds a named cleanup function
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is done, then shuts down
func (sm *ShutdownManager) WaitForSignal(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sm.logger.Info("Shutdown signal received")
	return sm.Shutdown()
}

// Shutdown stops servers and runs cleanup within the configured timeout
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	for _, srv := range sm.servers {
		if err := srv.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
	}

	sm.mu.Lock()
	funcs := append([]namedShutdown(nil), sm.shutdownFuncs...)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(funcs))
	for _, f := range funcs {
		wg.Add(1)
		go func(f namedShutdown) {
			defer wg.Done()
			if err := f.fn(ctx); err != nil {
				sm.logger.WithError(err).WithField("component", f.name).Error("Shutdown function failed")
				errCh <- fmt.Errorf("%s: %w", f.name, err)
			}
		}(f)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Shutdown timeout reached, forcing shutdown")
		return fmt.Errorf("shutdown timeout reached")
	}

	close(errCh)
	var failed []error
	for err := range errCh {
		failed = append(failed, err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %v", len(failed), failed)
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}

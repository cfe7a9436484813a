package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
)

// GracefulShutdown coordinates the teardown order on SIGINT/SIGTERM:
// stop accepting HTTP connections, then run the registered callbacks (the
// composition root hangs each DQM's Drain here), then release Wait.
type GracefulShutdown struct {
	server  *http.Server
	timeout time.Duration
	log     *logging.Logger

	mu        sync.Mutex
	callbacks []func()

	once sync.Once
	done chan struct{}
}

// NewGracefulShutdown wraps server with a shutdown coordinator; timeout
// bounds the HTTP connection drain.
func NewGracefulShutdown(server *http.Server, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		server:  server,
		timeout: timeout,
		log:     logging.NewFromEnv("shutdown"),
		done:    make(chan struct{}),
	}
}

// OnShutdown registers a callback run after the HTTP server has stopped
// accepting connections. Callbacks run in registration order.
func (g *GracefulShutdown) OnShutdown(callback func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

// ListenForSignals arms the SIGINT/SIGTERM handler.
func (g *GracefulShutdown) ListenForSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		g.log.WithFields(map[string]interface{}{"signal": sig.String()}).Info("shutdown signal received")
		g.Shutdown()
	}()
}

// Shutdown drives the teardown once; later calls are no-ops.
func (g *GracefulShutdown) Shutdown() {
	g.once.Do(func() {
		if g.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
			defer cancel()
			if err := g.server.Shutdown(ctx); err != nil {
				g.log.WithError(err).Error("http server shutdown")
			}
		}

		g.mu.Lock()
		callbacks := make([]func(), len(g.callbacks))
		copy(callbacks, g.callbacks)
		g.mu.Unlock()

		for _, callback := range callbacks {
			g.runCallback(callback)
		}
		close(g.done)
	})
}

func (g *GracefulShutdown) runCallback(callback func()) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.WithFields(map[string]interface{}{"panic": rec}).Error("shutdown callback panicked")
		}
	}()
	callback()
}

// Wait blocks until Shutdown has completed.
func (g *GracefulShutdown) Wait() {
	<-g.done
}

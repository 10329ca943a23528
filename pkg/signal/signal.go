// Package signal turns process termination signals into context cancellation.
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Signals are the shutdown signals.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// NotifyContext returns a context cancelled on the first SIGINT or SIGTERM. A second signal is left
// to the default handler, so it kills the process.
func NotifyContext(parent context.Context, log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, Signals...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			log.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WaitForShutdown blocks until ctx is done, then runs shutdownFunc bounded by timeout.
func WaitForShutdown(ctx context.Context, log *zap.Logger, timeout time.Duration, shutdownFunc func(context.Context) error) error {
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- shutdownFunc(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error("shutdown failed", zap.Error(err))
			return err
		}
		log.Info("shutdown completed")
		return nil
	case <-sctx.Done():
		log.Warn("shutdown timed out", zap.Duration("timeout", timeout))
		return sctx.Err()
	}
}

// Package async runs fire-and-forget work that must never affect the request
// that spawned it.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/metrics"
)

// DefaultTimeout bounds a detached task when the caller does not set one.
const DefaultTimeout = 10 * time.Second

// Detacher launches background tasks. A nil *Detacher is not usable; build one
// with New.
type Detacher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

type Config struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration
}

func New(cfg Config) *Detacher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Detacher{logger: logger.Named("async"), metrics: cfg.Metrics, timeout: timeout}
}

// Detach runs fn on its own goroutine with a context that keeps ctx's values
// but not its cancellation, bounded by the configured timeout. Errors and
// panics are logged and counted; nothing is reported back to the caller. The
// returned channel is closed when fn has finished.
func (d *Detacher) Detach(ctx context.Context, task string, fn func(ctx context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	go func() {
		defer close(done)
		defer cancel()

		err := d.run(taskCtx, fn)
		if err != nil {
			d.metrics.DetachedTaskFailed(task)
			d.logger.Warn("detached task failed", zap.String("task", task), zap.Error(err))
		}
	}()
	return done
}

func (d *Detacher) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			d.logger.Error("detached task panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return fn(ctx)
}

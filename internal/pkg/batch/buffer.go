// Package batch buffers items and flushes them in groups, on size or after a
// timeout, whichever comes first.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotRunning is returned by Add before Start or after the base context ends.
var ErrNotRunning = errors.New("batch buffer is not running")

// Config controls flush thresholds.
type Config struct {
	Size    int
	Timeout time.Duration
}

// FlushFunc writes one batch.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Buffer collects items of one type.
type Buffer[T any] struct {
	cfg     Config
	flushFn FlushFunc[T]
	logger  *logrus.Entry

	mu    sync.Mutex
	items []T
	timer *time.Timer
	ctx   context.Context
}

func New[T any](cfg Config, flushFn FlushFunc[T], logger *logrus.Entry) *Buffer[T] {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	return &Buffer[T]{cfg: cfg, flushFn: flushFn, logger: logger}
}

// Start sets the context used by timer-driven flushes.
func (b *Buffer[T]) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

// Add appends item, flushing synchronously when the buffer is full.
func (b *Buffer[T]) Add(item T) error {
	b.mu.Lock()
	ctx := b.ctx
	if ctx == nil {
		b.mu.Unlock()
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.items = append(b.items, item)
	var full []T
	if len(b.items) >= b.cfg.Size {
		full = b.takeLocked()
	} else if b.timer == nil && b.cfg.Timeout > 0 {
		b.timer = time.AfterFunc(b.cfg.Timeout, b.flushOnTimer)
	}
	b.mu.Unlock()

	return b.flush(ctx, full)
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Drain flushes whatever is buffered using ctx.
func (b *Buffer[T]) Drain(ctx context.Context) error {
	b.mu.Lock()
	items := b.takeLocked()
	b.mu.Unlock()
	return b.flush(ctx, items)
}

func (b *Buffer[T]) flushOnTimer() {
	b.mu.Lock()
	items := b.takeLocked()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := b.flush(ctx, items); err != nil && b.logger != nil {
		b.logger.WithError(err).Warn("batch flush failed")
	}
}

func (b *Buffer[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return nil
	}
	out := make([]T, len(b.items))
	copy(out, b.items)
	b.items = b.items[:0]
	return out
}

func (b *Buffer[T]) flush(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	start := time.Now()
	if err := b.flushFn(ctx, items); err != nil {
		return err
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"size":    len(items),
			"took_ms": time.Since(start).Milliseconds(),
		}).Debug("flushed batch")
	}
	return nil
}

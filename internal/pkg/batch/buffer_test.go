package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
	flushed chan struct{}
}

func newCollector() *collector {
	return &collector{flushed: make(chan struct{}, 16)}
}

func (c *collector) flush(_ context.Context, batch []int) error {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	c.flushed <- struct{}{}
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func TestBufferFlushesOnSize(t *testing.T) {
	c := newCollector()
	b := New(Config{Size: 3}, c.flush, nil)
	b.Start(context.Background())
	for i := 0; i < 7; i++ {
		if err := b.Add(i); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if c.count() != 2 || b.Len() != 1 {
		t.Fatalf("batches=%d buffered=%d", c.count(), b.Len())
	}
	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if c.count() != 3 || len(c.batches[2]) != 1 {
		t.Fatalf("batches = %v", c.batches)
	}
}

func TestBufferFlushesOnTimeout(t *testing.T) {
	c := newCollector()
	b := New(Config{Size: 100, Timeout: 10 * time.Millisecond}, c.flush, nil)
	b.Start(context.Background())
	_ = b.Add(1)
	_ = b.Add(2)
	select {
	case <-c.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush did not happen")
	}
	if b.Len() != 0 || len(c.batches[0]) != 2 {
		t.Fatalf("batches = %v", c.batches)
	}
}

func TestBufferRequiresStart(t *testing.T) {
	b := New(Config{Size: 2}, newCollector().flush, nil)
	if err := b.Add(1); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

package quota

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCounter keeps counters in process memory. It serves a single worker
// process; several processes sharing a store need RedisCounter.
type MemoryCounter struct {
	mu        sync.Mutex
	remaining map[string]int64
}

var _ Counter = (*MemoryCounter)(nil)

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{remaining: make(map[string]int64)}
}

func (c *MemoryCounter) Remaining(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.remaining[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return v, nil
}

func (c *MemoryCounter) TryConsume(ctx context.Context, name string, n int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.remaining[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if n <= 0 || v < n {
		return false, nil
	}
	c.remaining[name] = v - n
	return true, nil
}

func (c *MemoryCounter) Restore(ctx context.Context, name string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.remaining[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	c.remaining[name] += n
	return nil
}

func (c *MemoryCounter) Reset(ctx context.Context, name string, capacity int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remaining[name] = capacity
	return nil
}

func (c *MemoryCounter) Seed(ctx context.Context, name string, capacity int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.remaining[name]; !ok {
		c.remaining[name] = capacity
	}
	return nil
}

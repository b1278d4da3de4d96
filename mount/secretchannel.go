package mount

import (
	"context"
	"fmt"
	"sync"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// MemoryChannel is the in-process secret channel: a single-slot buffer with
// at most one secret in flight. It is reused across every mount attempt for
// its volume.
type MemoryChannel struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryChannel creates an empty single-slot channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		ch:   make(chan []byte, 1),
		done: make(chan struct{}),
	}
}

// Deliver buffers one secret. It fails when the slot is still occupied past
// the context deadline or the channel is closed.
func (c *MemoryChannel) Deliver(ctx context.Context, secret []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: channel closed", interfaces.ErrSecretDelivery)
	default:
	}

	select {
	case c.ch <- secret:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: channel closed", interfaces.ErrSecretDelivery)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", interfaces.ErrSecretDelivery, ctx.Err())
	}
}

// Receive blocks until a secret is delivered, the channel closes, or the
// context is done.
func (c *MemoryChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case secret := <-c.ch:
		return secret, nil
	case <-c.done:
		return nil, fmt.Errorf("secret channel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the channel. Pending receives fail.
func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

func TestMemoryChannel_DeliverReceive(t *testing.T) {
	c := NewMemoryChannel()
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Deliver(ctx, []byte("hunter2")))

	secret, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), secret)
}

func TestMemoryChannel_SingleSlot(t *testing.T) {
	c := NewMemoryChannel()
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Deliver(ctx, []byte("first")))

	// Slot is occupied and nobody is reading; the second delivery must fail
	// at the deadline instead of queueing.
	deadlineCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := c.Deliver(deadlineCtx, []byte("second"))
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrSecretDelivery)

	secret, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), secret)
}

func TestMemoryChannel_ReceiveHonorsContext(t *testing.T) {
	c := NewMemoryChannel()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryChannel_CloseFailsPendingReceive(t *testing.T) {
	c := NewMemoryChannel()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errCh <- err
	}()

	// Give the receiver a moment to block.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive did not return after close")
	}

	err := c.Deliver(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, interfaces.ErrSecretDelivery)
}

func TestCreateFIFO_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol1")

	require.NoError(t, CreateFIFO(path, 0660))
	require.NoError(t, CreateFIFO(path, 0660))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, info.Mode()&os.ModeNamedPipe)
}

func TestFIFOChannel_DeliverReceive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol1")
	require.NoError(t, CreateFIFO(path, 0660))

	c := NewFIFOChannel(path)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type recv struct {
		data []byte
		err  error
	}
	got := make(chan recv, 1)
	go func() {
		data, err := c.Receive(ctx)
		got <- recv{data, err}
	}()

	require.NoError(t, c.Deliver(ctx, []byte("hunter2")))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, []byte("hunter2"), r.data)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not complete")
	}
}

func TestFIFOChannel_DeliverTimesOutWithoutReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol1")
	require.NoError(t, CreateFIFO(path, 0660))

	c := NewFIFOChannel(path)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Deliver(ctx, []byte("hunter2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrSecretDelivery)
}

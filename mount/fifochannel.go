package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// fifoRetryInterval is how often a non-blocking writer retries while no
// reader is attached to the pipe.
const fifoRetryInterval = 50 * time.Millisecond

// CreateFIFO creates the named pipe for a volume's secret channel. Called at
// provisioning time; an existing pipe is left in place. Mode should restrict
// access to the service principal and the privileged unlock principal
// (typically 0660).
func CreateFIFO(path string, mode os.FileMode) error {
	err := unix.Mkfifo(path, uint32(mode.Perm()))
	if errors.Is(err, unix.EEXIST) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not create fifo %s: %w", path, err)
	}
	return os.Chmod(path, mode.Perm())
}

// FIFOChannel is a secret channel backed by a named pipe, for deployments
// where the unlock worker is a separate privileged process. The pipe object
// persists across mount attempts; Close is a no-op.
type FIFOChannel struct {
	path string
}

// NewFIFOChannel wraps an existing named pipe.
func NewFIFOChannel(path string) *FIFOChannel {
	return &FIFOChannel{path: path}
}

// Deliver opens the pipe for non-blocking write and writes the secret once.
// While no reader is attached the open fails with ENXIO and is retried until
// the context deadline, which bounds how long the API response path can
// stall.
func (c *FIFOChannel) Deliver(ctx context.Context, secret []byte) error {
	for {
		f, err := os.OpenFile(c.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			defer f.Close()
			if _, werr := f.Write(secret); werr != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrSecretDelivery, werr)
			}
			return nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return fmt.Errorf("%w: %v", interfaces.ErrSecretDelivery, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: no reader attached: %v", interfaces.ErrSecretDelivery, ctx.Err())
		case <-time.After(fifoRetryInterval):
		}
	}
}

// Receive blocks opening the pipe for read until a writer delivers data.
// The blocking open runs in a goroutine so cancellation is honored; an
// abandoned open resolves itself on the next delivery and its result is
// discarded.
func (c *FIFOChannel) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		f, err := os.Open(c.path)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		ch <- result{data, err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op: the pipe object is provisioning-time state and outlives
// the process.
func (c *FIFOChannel) Close() error {
	return nil
}

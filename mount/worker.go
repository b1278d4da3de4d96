package mount

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/cryptmountd/cryptmountd/diskutil"
	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/metrics"
)

// worker owns the unlock/mount/cleanup sequence for one volume. Exactly one
// worker per volume runs at a time; the orchestrator enforces that.
type worker struct {
	volume  interfaces.VolumeConfig
	channel interfaces.SecretChannel
	disk    interfaces.DiskController
	log     *slog.Logger

	state atomic.Int32

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	// Resources acquired during unlock attempts, released on stop. Only the
	// worker goroutine touches these.
	loops   []string
	mappers []string
	mounted bool
}

func newWorker(volume interfaces.VolumeConfig, channel interfaces.SecretChannel, disk interfaces.DiskController, log *slog.Logger) *worker {
	w := &worker{
		volume:  volume,
		channel: channel,
		disk:    disk,
		log:     log.With("volume", volume.Name.String()),
		done:    make(chan struct{}),
	}
	w.state.Store(int32(interfaces.StateStarting))
	return w
}

// start launches the worker goroutine.
func (w *worker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// stop dispatches the one-way stop signal. Cleanup is best-effort and
// happens on the worker goroutine; callers that need completion wait on
// w.done.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		w.state.Store(int32(interfaces.StateStopping))
		w.cancel()
	})
}

// active reports whether the worker has not finished its cleanup yet.
func (w *worker) active() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// State returns the worker's current lifecycle state.
func (w *worker) State() interfaces.VolumeState {
	if !w.active() {
		return interfaces.StateUnmounted
	}
	return interfaces.VolumeState(w.state.Load())
}

// run is the worker loop: read one secret, attempt the unlock, retry forever
// on a wrong secret, idle once mounted, clean up on stop.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cleanup()

	for {
		w.state.Store(int32(interfaces.StateAwaitingSecret))

		secret, err := w.channel.Receive(ctx)
		if err != nil {
			// Stop signal or channel teardown.
			return
		}
		if len(secret) == 0 {
			// Spurious empty delivery, not an error.
			continue
		}

		if w.unlock(secret) {
			w.state.Store(int32(interfaces.StateMounted))
			metrics.IncUnlockAttempt(w.volume.Name.String(), "mounted")
			w.log.Info("Volume mounted", "mountPoint", w.volume.MountPoint)

			// A retry delivered while the unlock was in flight would sit in
			// the slot and leak into the next worker; discard it.
			w.drainChannel(ctx)

			// Mounted. Idle until stopped; the worker staying active is what
			// makes the volume report as mounted.
			<-ctx.Done()
			return
		}
	}
}

// drainChannel discards a secret left in the slot by a delivery that raced
// the successful unlock.
func (w *worker) drainChannel(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if secret, err := w.channel.Receive(drainCtx); err == nil && len(secret) > 0 {
		w.log.Debug("Discarded redundant secret delivery")
	}
}

// unlock attempts to open every backing device with the secret and mount the
// result. All devices of a multi-device volume share the same secret. On any
// failure the attempt's partial resources are released and the worker
// returns to listening.
func (w *worker) unlock(secret []byte) bool {
	var attemptLoops, attemptMappers []string

	fail := func(outcome string, err error) bool {
		w.log.Warn("Unlock attempt failed, waiting for next secret", "err", err)
		metrics.IncUnlockAttempt(w.volume.Name.String(), outcome)
		for _, mapper := range attemptMappers {
			if cerr := w.disk.CloseMapping(mapper); cerr != nil {
				w.log.Warn("Mapping close failed during attempt cleanup", "err", cerr)
			}
		}
		for _, dev := range attemptLoops {
			if derr := w.disk.DetachLoop(dev); derr != nil {
				w.log.Warn("Loop detach failed during attempt cleanup", "err", derr)
			}
		}
		return false
	}

	for i, src := range w.volume.Sources {
		device := src
		if w.volume.Backing == interfaces.BackingLoopFile {
			dev, err := w.disk.AttachLoop(src)
			if err != nil {
				return fail("loop_failed", err)
			}
			attemptLoops = append(attemptLoops, dev)
			device = dev
		}

		mapper := diskutil.MapperName(w.volume.Name, i)
		if err := w.disk.OpenMapping(device, mapper, string(secret)); err != nil {
			return fail("wrong_secret", err)
		}
		attemptMappers = append(attemptMappers, mapper)
	}

	if err := w.disk.Mount(diskutil.MapperDevice(attemptMappers[0]), w.volume.MountPoint); err != nil {
		return fail("mount_failed", err)
	}

	w.loops = attemptLoops
	w.mappers = attemptMappers
	w.mounted = true
	return true
}

// cleanup releases everything the worker holds: unmount, close mappings,
// detach loops. Each step is attempted independently; a failure in one does
// not prevent the next.
func (w *worker) cleanup() {
	if w.mounted {
		if err := w.disk.Unmount(w.volume.MountPoint); err != nil {
			w.log.Warn("Unmount failed during cleanup", "err", err)
		}
		w.mounted = false
	}

	for _, mapper := range w.mappers {
		if err := w.disk.CloseMapping(mapper); err != nil {
			w.log.Warn("Mapping close failed during cleanup", "err", err)
		}
	}
	w.mappers = nil

	for _, dev := range w.loops {
		if err := w.disk.DetachLoop(dev); err != nil {
			w.log.Warn("Loop detach failed during cleanup", "err", err)
		}
	}
	w.loops = nil

	w.state.Store(int32(interfaces.StateUnmounted))
	metrics.IncWorkerStop(w.volume.Name.String())
	w.log.Info("Worker stopped")
}

package mount

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/metrics"
)

// Defaults for the secret handoff timing. The settle delay gives a freshly
// started worker time to attach to its channel before the secret is written;
// the deliver timeout bounds how long a mount request may block on delivery.
const (
	DefaultSettleDelay    = 200 * time.Millisecond
	MaxSettleDelay        = time.Second
	DefaultDeliverTimeout = time.Second
)

// ChannelFactory builds the secret channel for a volume. The channel is
// created once and reused across every mount attempt for that volume.
type ChannelFactory func(interfaces.VolumeConfig) interfaces.SecretChannel

// Orchestrator tracks one worker per configured volume and relays secrets to
// them. Volumes are fully independent: no lock is shared between volumes
// beyond the map guard.
type Orchestrator struct {
	disk interfaces.DiskController
	log  *slog.Logger

	settleDelay    time.Duration
	deliverTimeout time.Duration
	awaitCleanup   bool

	mu       sync.Mutex
	volumes  map[interfaces.VolumeName]interfaces.VolumeConfig
	channels map[interfaces.VolumeName]interfaces.SecretChannel
	workers  map[interfaces.VolumeName]*worker
	lastErr  map[interfaces.VolumeName]error

	// deliverMu serializes secret writers per volume so at most one secret
	// is ever in flight.
	deliverMu map[interfaces.VolumeName]*sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSettleDelay sets the worker settle delay, clamped to one second.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > MaxSettleDelay {
			d = MaxSettleDelay
		}
		o.settleDelay = d
	}
}

// WithDeliverTimeout bounds how long secret delivery may block.
func WithDeliverTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.deliverTimeout = d }
}

// WithChannelFactory replaces the default in-memory secret channels, e.g.
// with named pipes for out-of-process unlock workers.
func WithChannelFactory(f ChannelFactory) Option {
	return func(o *Orchestrator) { o.factoryChannels(f) }
}

// WithAwaitCleanup makes Unmount wait for worker cleanup to finish instead
// of returning once the stop is dispatched.
func WithAwaitCleanup() Option {
	return func(o *Orchestrator) { o.awaitCleanup = true }
}

// NewOrchestrator creates an orchestrator for the given volumes. Each volume
// gets its secret channel up front.
func NewOrchestrator(volumes []interfaces.VolumeConfig, disk interfaces.DiskController, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		disk:           disk,
		log:            log,
		settleDelay:    DefaultSettleDelay,
		deliverTimeout: DefaultDeliverTimeout,
		volumes:        make(map[interfaces.VolumeName]interfaces.VolumeConfig, len(volumes)),
		channels:       make(map[interfaces.VolumeName]interfaces.SecretChannel, len(volumes)),
		workers:        make(map[interfaces.VolumeName]*worker, len(volumes)),
		lastErr:        make(map[interfaces.VolumeName]error),
		deliverMu:      make(map[interfaces.VolumeName]*sync.Mutex, len(volumes)),
	}
	for _, v := range volumes {
		o.volumes[v.Name] = v
		o.channels[v.Name] = NewMemoryChannel()
		o.deliverMu[v.Name] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) factoryChannels(f ChannelFactory) {
	for name, v := range o.volumes {
		o.channels[name] = f(v)
	}
}

// State returns the observed state of a volume, derived from its worker.
// Unknown volumes report unmounted.
func (o *Orchestrator) State(name interfaces.VolumeName) interfaces.VolumeState {
	o.mu.Lock()
	w := o.workers[name]
	o.mu.Unlock()

	if w == nil {
		return interfaces.StateUnmounted
	}
	return w.State()
}

// LastFailure returns the volume's terminal-failure flag, if set. Cleared by
// the next mount request.
func (o *Orchestrator) LastFailure(name interfaces.VolumeName) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr[name]
}

// Mount starts the volume's worker and relays the secret to it. Success
// means the secret was delivered, not that the volume unlocked; a wrong
// secret is only observable through a later list call or the logs.
func (o *Orchestrator) Mount(ctx context.Context, name interfaces.VolumeName, secret []byte) error {
	if err := name.Validate(); err != nil {
		return err
	}
	if len(secret) == 0 {
		return interfaces.ErrMissingSecret
	}

	o.mu.Lock()
	volume, ok := o.volumes[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownVolume, name)
	}

	started := false
	w := o.workers[name]
	switch {
	case w != nil && w.active() && w.State() == interfaces.StateMounted:
		o.mu.Unlock()
		return interfaces.ErrAlreadyMounted
	case w != nil && w.active() && w.State() == interfaces.StateStopping:
		// Cleanup still running; treat like an active mount rather than
		// racing a second worker against it.
		o.mu.Unlock()
		return interfaces.ErrAlreadyMounted
	case w != nil && w.active():
		// Worker is listening after a wrong secret. Reuse it: this request
		// is the retry delivery, not a second worker.
	default:
		// Clear the terminal-failure flag and (re)start the worker.
		delete(o.lastErr, name)
		w = newWorker(volume, o.channels[name], o.disk, o.log)
		o.workers[name] = w
		w.start()
		started = true
	}
	o.mu.Unlock()

	if started {
		o.log.Info("Worker started", "volume", name.String())

		// Give the worker a moment to attach its read end. The delivery
		// below is attempted regardless; the channel buffers until a reader
		// appears.
		select {
		case <-time.After(o.settleDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", interfaces.ErrSecretDelivery, ctx.Err())
		}
	}

	mu := o.deliverMu[name]
	mu.Lock()
	defer mu.Unlock()

	deliverCtx, cancel := context.WithTimeout(ctx, o.deliverTimeout)
	defer cancel()
	if err := o.channels[name].Deliver(deliverCtx, secret); err != nil {
		o.log.Error("Secret delivery failed", "volume", name.String(), "err", err)
		o.setLastFailure(name, err)
		return err
	}

	metrics.IncSecretDelivered()
	o.log.Info("Secret delivered", "volume", name.String())
	return nil
}

// Unmount dispatches a stop to the volume's worker. Cleanup is best-effort
// on the worker side; with WithAwaitCleanup the call waits for it.
func (o *Orchestrator) Unmount(ctx context.Context, name interfaces.VolumeName) error {
	if err := name.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if _, ok := o.volumes[name]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownVolume, name)
	}
	w := o.workers[name]
	if w == nil || !w.active() {
		o.mu.Unlock()
		return interfaces.ErrNotActive
	}
	o.mu.Unlock()

	w.stop()
	o.log.Info("Worker stop dispatched", "volume", name.String())

	if o.awaitCleanup {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("worker cleanup still running: %w", ctx.Err())
		}
	}
	return nil
}

// StopAll stops every active worker and waits for cleanup until the context
// expires. Used during shutdown.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	active := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		if w.active() {
			w.stop()
			active = append(active, w)
		}
	}
	o.mu.Unlock()

	for _, w := range active {
		select {
		case <-w.done:
		case <-ctx.Done():
			o.log.Warn("Shutdown deadline reached with workers still cleaning up")
			return
		}
	}
}

func (o *Orchestrator) setLastFailure(name interfaces.VolumeName, err error) {
	o.mu.Lock()
	o.lastErr[name] = err
	o.mu.Unlock()
}

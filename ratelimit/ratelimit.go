// Package ratelimit tracks per-client failure counters and decides request
// admission for the cryptmountd API.
//
// Two independent classes exist per client IP: authentication failures and
// mount-operation failures. Only failed outcomes count; a success neither
// increments nor resets a counter. Each window is a fixed bucket anchored at
// the client's first failure and expires as a whole, after which the counter
// starts over.
package ratelimit

import (
	"sync"
	"time"
)

// Class selects which failure counter a request is admitted against.
type Class int

const (
	// ClassAuth counts authentication failures.
	ClassAuth Class = iota

	// ClassMount counts mount/unmount operational failures.
	ClassMount
)

// String returns the class label used in logs and audit records.
func (c Class) String() string {
	if c == ClassAuth {
		return "auth"
	}
	return "mount"
}

// Default limits per 15-minute window per client.
const (
	DefaultWindow     = 15 * time.Minute
	DefaultAuthLimit  = 20
	DefaultMountLimit = 10
)

// Decision is the outcome of an admission check, with the values exposed in
// the rate-limit response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter returns the seconds until the window expires, for the
// Retry-After header. Zero when the decision allowed the request.
func (d Decision) RetryAfter(now time.Time) int {
	if d.Allowed {
		return 0
	}
	secs := int(d.Reset.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

type entryKey struct {
	client string
	class  Class
}

type windowEntry struct {
	start time.Time
	count int
}

// Limiter is an injected in-memory store of failure windows. Safe for
// concurrent use; construct one per test case rather than sharing process
// globals.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	limits  map[Class]int
	entries map[entryKey]*windowEntry
	now     func() time.Time
}

// New creates a limiter with the default window and class limits.
func New() *Limiter {
	return NewWithLimits(DefaultWindow, DefaultAuthLimit, DefaultMountLimit)
}

// NewWithLimits creates a limiter with explicit window and class limits.
func NewWithLimits(window time.Duration, authLimit, mountLimit int) *Limiter {
	return &Limiter{
		window: window,
		limits: map[Class]int{
			ClassAuth:  authLimit,
			ClassMount: mountLimit,
		},
		entries: make(map[entryKey]*windowEntry),
		now:     time.Now,
	}
}

// WithClock overrides the limiter's time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Admit decides whether a request from the client may proceed under the
// given class. Admission never mutates counters.
func (l *Limiter) Admit(client string, class Class) Decision {
	now := l.now()
	limit := l.limits[class]

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)

	e := l.entries[entryKey{client, class}]
	if e == nil {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: now.Add(l.window)}
	}

	reset := e.start.Add(l.window)
	remaining := limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   e.count < limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

// RecordFailure counts one failed outcome for the client under the class.
// The window is anchored at the first failure after the previous window
// expired.
func (l *Limiter) RecordFailure(client string, class Class) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{client, class}
	e := l.entries[key]
	if e == nil || now.Sub(e.start) >= l.window {
		l.entries[key] = &windowEntry{start: now, count: 1}
		return
	}
	e.count++
}

// evictLocked drops expired windows. Called with the lock held.
func (l *Limiter) evictLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.start) >= l.window {
			delete(l.entries, k)
		}
	}
}

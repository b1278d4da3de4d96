package httpserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cryptmountd/cryptmountd/auth"
	"github.com/cryptmountd/cryptmountd/diskutil"
	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/mount"
	"github.com/cryptmountd/cryptmountd/ratelimit"
	"github.com/cryptmountd/cryptmountd/registry"
)

// testEnv wires a handler with a fake disk controller behind a chi router,
// the way the daemon wires the real thing.
type testEnv struct {
	router       *chi.Mux
	handler      *Handler
	orchestrator *mount.Orchestrator
	fake         *diskutil.FakeController
	priv         ed25519.PrivateKey
	limiter      *ratelimit.Limiter
}

type envOption func(*envConfig)

type envConfig struct {
	authLimit  int
	mountLimit int
	guardRate  rate.Limit
	guardBurst int
	noKeys     bool
}

func withAuthLimit(n int) envOption  { return func(c *envConfig) { c.authLimit = n } }
func withMountLimit(n int) envOption { return func(c *envConfig) { c.mountLimit = n } }
func withNoTrustedKeys() envOption   { return func(c *envConfig) { c.noKeys = true } }

// withGuardLimits tightens the request guard; the refill rate must be slow
// enough that tokens do not come back mid-test.
func withGuardLimits(limit rate.Limit, burst int) envOption {
	return func(c *envConfig) {
		c.guardRate = limit
		c.guardBurst = burst
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &envConfig{authLimit: 20, mountLimit: 10, guardRate: 1000, guardBurst: 1000}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var key interfaces.TrustedKey
	copy(key[:], pub)

	trusted := []interfaces.TrustedKey{key}
	if cfg.noKeys {
		trusted = nil
	}
	verifier := auth.NewVerifier(trusted, logger)

	reg, err := registry.New([]interfaces.VolumeConfig{
		{
			Name:       "data",
			Backing:    interfaces.BackingBlockDevice,
			Sources:    []string{"/dev/sdb1"},
			MountPoint: "/mnt/data",
			Filesystem: interfaces.FilesystemExt4,
		},
	})
	require.NoError(t, err)

	fake := diskutil.NewFakeController("hunter2")
	orchestrator := mount.NewOrchestrator(reg.Volumes(), fake, logger,
		mount.WithSettleDelay(time.Millisecond),
		mount.WithDeliverTimeout(500*time.Millisecond),
		mount.WithAwaitCleanup(),
	)
	t.Cleanup(func() { orchestrator.StopAll(context.Background()) })

	limiter := ratelimit.NewWithLimits(ratelimit.DefaultWindow, cfg.authLimit, cfg.mountLimit)
	guard := ratelimit.NewRequestGuard(cfg.guardRate, cfg.guardBurst, time.Minute)

	handler := NewHandler(verifier, limiter, guard, orchestrator, reg, nil, logger)

	router := chi.NewRouter()
	router.Get("/health", handler.HandleHealth)
	router.Get("/list", handler.HandleList)
	router.Post("/mount/{name}", handler.HandleMount)
	router.Post("/unmount/{name}", handler.HandleUnmount)
	router.Get("/audit", handler.HandleAudit)

	return &testEnv{
		router:       router,
		handler:      handler,
		orchestrator: orchestrator,
		fake:         fake,
		priv:         priv,
		limiter:      limiter,
	}
}

// signedRequest builds a request signed with the env's trusted key.
func (e *testEnv) signedRequest(method, uri string, body []byte) *http.Request {
	req := httptest.NewRequest(method, uri, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.7:51234"
	auth.SignRequest(req, e.priv, body, time.Now())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) awaitState(t *testing.T, name interfaces.VolumeName, want interfaces.VolumeState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.orchestrator.State(name) == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestHandleHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := env.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleList(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(env.signedRequest(http.MethodGet, "/list", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var states map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	assert.Equal(t, map[string]string{"data": "unmounted"}, states)
}

func TestHandleList_RejectsUnsignedRequest(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/list", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	w := env.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleMount_Success(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"password":"hunter2"}`)
	w := env.do(env.signedRequest(http.MethodPost, "/mount/data", body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	env.awaitState(t, "data", interfaces.StateMounted)
	assert.True(t, env.fake.Mounted("/mnt/data"))

	// The list endpoint now reports the volume as mounted.
	w = env.do(env.signedRequest(http.MethodGet, "/list", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var states map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	assert.Equal(t, "mounted", states["data"])
}

func TestHandleMount_WrongPasswordStillReturns200(t *testing.T) {
	env := newTestEnv(t)

	// Delivery succeeds even though the password will not unlock anything;
	// the failure is observable through list, not through the mount response.
	body := []byte(`{"password":"wrong"}`)
	w := env.do(env.signedRequest(http.MethodPost, "/mount/data", body))
	require.Equal(t, http.StatusOK, w.Code)

	env.awaitState(t, "data", interfaces.StateAwaitingSecret)

	w = env.do(env.signedRequest(http.MethodGet, "/list", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var states map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	assert.Equal(t, "unmounted", states["data"])
}

func TestHandleMount_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		uri  string
		body []byte
	}{
		{"missing password", "/mount/data", []byte(`{}`)},
		{"empty body", "/mount/data", nil},
		{"malformed body", "/mount/data", []byte(`{not json`)},
		{"unknown volume", "/mount/ghost", []byte(`{"password":"hunter2"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(env.signedRequest(http.MethodPost, tt.uri, tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleMount_AlreadyMounted(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"password":"hunter2"}`)
	w := env.do(env.signedRequest(http.MethodPost, "/mount/data", body))
	require.Equal(t, http.StatusOK, w.Code)
	env.awaitState(t, "data", interfaces.StateMounted)

	// Idempotency conflict is a client error, not an operational fault, and
	// must not burn mount-class budget.
	for i := 0; i < 20; i++ {
		w = env.do(env.signedRequest(http.MethodPost, "/mount/data", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestHandleUnmount(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"password":"hunter2"}`)
	w := env.do(env.signedRequest(http.MethodPost, "/mount/data", body))
	require.Equal(t, http.StatusOK, w.Code)
	env.awaitState(t, "data", interfaces.StateMounted)

	w = env.do(env.signedRequest(http.MethodPost, "/unmount/data", nil))
	require.Equal(t, http.StatusOK, w.Code)
	env.awaitState(t, "data", interfaces.StateUnmounted)
	assert.False(t, env.fake.Mounted("/mnt/data"))

	// Nothing to unmount anymore.
	w = env.do(env.signedRequest(http.MethodPost, "/unmount/data", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthFailures_ExhaustAuthClass(t *testing.T) {
	env := newTestEnv(t, withAuthLimit(3))

	// Requests signed by an untrusted key count as auth failures.
	_, rogue, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	badRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/list", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		auth.SignRequest(req, rogue, nil, time.Now())
		return req
	}

	for i := 0; i < 3; i++ {
		w := env.do(badRequest())
		assert.Equal(t, http.StatusUnauthorized, w.Code, "failure %d", i)
	}

	// Budget exhausted: even a validly signed request is refused before the
	// signature is looked at.
	w := env.do(badRequest())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = env.do(env.signedRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// A different client is unaffected.
	req := env.signedRequest(http.MethodGet, "/list", nil)
	req.RemoteAddr = "192.0.2.99:40000"
	auth.SignRequest(req, env.priv, nil, time.Now())
	w = env.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMissingHeaders_NotCountedAsFailures(t *testing.T) {
	env := newTestEnv(t, withAuthLimit(2))

	// Unsigned requests are malformed, not malicious; they never trip the
	// auth-class limit.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/list", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		w := env.do(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := env.do(env.signedRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEmptyKeySet_Returns503(t *testing.T) {
	env := newTestEnv(t, withNoTrustedKeys())

	w := env.do(env.signedRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestGuard_Throttles(t *testing.T) {
	env := newTestEnv(t, withGuardLimits(rate.Limit(0.01), 3))

	for i := 0; i < 3; i++ {
		w := env.do(env.signedRequest(http.MethodGet, "/list", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(env.signedRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t, withAuthLimit(20), withMountLimit(10))

	// Mount routes report the mount class in their headers.
	body := []byte(`{"password":"hunter2"}`)
	w := env.do(env.signedRequest(http.MethodPost, "/mount/data", body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	// Read-only routes report the auth class.
	w = env.do(env.signedRequest(http.MethodGet, "/list", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "20", w.Header().Get("X-RateLimit-Limit"))
}

func TestHandleAudit_DisabledReturns404(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(env.signedRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cryptmountd/cryptmountd/auth"
	"github.com/cryptmountd/cryptmountd/diskutil"
	"github.com/cryptmountd/cryptmountd/httpserver"
	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/mount"
	"github.com/cryptmountd/cryptmountd/ratelimit"
	"github.com/cryptmountd/cryptmountd/registry"
)

// startTestServer runs a real handler stack behind an httptest server and
// returns a client holding a trusted key plus the fake disk controller.
func startTestServer(t *testing.T) (*Client, *diskutil.FakeController) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, priv, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	verifier := auth.NewVerifier([]interfaces.TrustedKey{pub}, logger)

	reg, err := registry.New([]interfaces.VolumeConfig{{
		Name:       "data",
		Backing:    interfaces.BackingBlockDevice,
		Sources:    []string{"/dev/sdb1"},
		MountPoint: "/mnt/data",
		Filesystem: interfaces.FilesystemExt4,
	}})
	require.NoError(t, err)

	fake := diskutil.NewFakeController("hunter2")
	orchestrator := mount.NewOrchestrator(reg.Volumes(), fake, logger,
		mount.WithSettleDelay(time.Millisecond),
		mount.WithAwaitCleanup(),
	)
	t.Cleanup(func() { orchestrator.StopAll(context.Background()) })

	limiter := ratelimit.New()
	guard := ratelimit.NewRequestGuard(rate.Limit(1000), 1000, time.Minute)
	handler := httpserver.NewHandler(verifier, limiter, guard, orchestrator, reg, nil, logger)

	router := chi.NewRouter()
	router.Get("/health", handler.HandleHealth)
	router.Get("/list", handler.HandleList)
	router.Post("/mount/{name}", handler.HandleMount)
	router.Post("/unmount/{name}", handler.HandleUnmount)
	router.Get("/audit", handler.HandleAudit)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return New(srv.URL, priv), fake
}

func TestClient_FullLifecycle(t *testing.T) {
	c, fake := startTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	states, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"data": "unmounted"}, states)

	require.NoError(t, c.Mount(ctx, "data", "hunter2"))

	require.Eventually(t, func() bool {
		states, err := c.List(ctx)
		return err == nil && states["data"] == "mounted"
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, fake.Mounted("/mnt/data"))

	require.NoError(t, c.Unmount(ctx, "data"))
	require.Eventually(t, func() bool {
		states, err := c.List(ctx)
		return err == nil && states["data"] == "unmounted"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_ServerErrorsSurfaceAsAPIErrors(t *testing.T) {
	c, _ := startTestServer(t)
	ctx := context.Background()

	err := c.Mount(ctx, "ghost", "hunter2")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)

	// Auditing is disabled on the test server.
	_, err = c.Audit(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestClient_UntrustedKeyIsRejected(t *testing.T) {
	c, _ := startTestServer(t)

	_, rogue, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	c2 := New(c.baseURL, rogue, WithHTTPClient(c.httpClient))

	_, err = c2.List(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

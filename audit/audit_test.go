package audit

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	s.Record("192.0.2.7", KindMountRequested, "data", "")
	s.Record("192.0.2.7", KindSecretDelivered, "data", "")
	s.Record("203.0.113.9", KindAuthFailure, "", "")

	events, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	kinds := make(map[EventKind]int)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[KindMountRequested])
	assert.Equal(t, 1, kinds[KindSecretDelivered])
	assert.Equal(t, 1, kinds[KindAuthFailure])
}

func TestStore_RecentHonorsLimit(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 10; i++ {
		s.Record("192.0.2.7", KindRateLimited, "", "auth class")
	}

	events, err := s.Recent(4)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestStore_EmptyStore(t *testing.T) {
	s := openTestStore(t)

	events, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_ReopenSeesExistingEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	s.Record("192.0.2.7", KindUnmountRequested, "data", "")
	require.NoError(t, s.Close())

	s, err = Open(path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	events, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindUnmountRequested, events[0].Kind)
	assert.Equal(t, "data", events[0].Volume)
}

func TestNopRecorder(t *testing.T) {
	// Must be safe to call with auditing disabled.
	NopRecorder{}.Record("192.0.2.7", KindAuthFailure, "", "")
}

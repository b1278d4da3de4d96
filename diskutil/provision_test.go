package diskutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapperName(t *testing.T) {
	assert.Equal(t, "cryptmountd-data", MapperName("data", 0))
	assert.Equal(t, "cryptmountd-data-1", MapperName("data", 1))
	assert.Equal(t, "/dev/mapper/cryptmountd-data", MapperDevice(MapperName("data", 0)))
}

func TestProvisionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ProvisionRequest
		wantErr bool
	}{
		{
			"single ext4",
			ProvisionRequest{Sources: []string{"/dev/sdb1"}, Filesystem: interfaces.FilesystemExt4, Passphrase: "pw"},
			false,
		},
		{
			"multi btrfs",
			ProvisionRequest{Sources: []string{"a", "b"}, Filesystem: interfaces.FilesystemBtrfs, Passphrase: "pw"},
			false,
		},
		{
			"multi ext4",
			ProvisionRequest{Sources: []string{"a", "b"}, Filesystem: interfaces.FilesystemExt4, Passphrase: "pw"},
			true,
		},
		{
			"no sources",
			ProvisionRequest{Filesystem: interfaces.FilesystemExt4, Passphrase: "pw"},
			true,
		},
		{
			"empty passphrase",
			ProvisionRequest{Sources: []string{"a"}, Filesystem: interfaces.FilesystemExt4},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProvision_FileSources(t *testing.T) {
	dir := t.TempDir()
	sources := []string{filepath.Join(dir, "a.img"), filepath.Join(dir, "b.img")}

	fake := NewFakeController("")
	err := Provision(fake, testLogger(), "pool", ProvisionRequest{
		Sources:         sources,
		Filesystem:      interfaces.FilesystemBtrfs,
		DataProfile:     interfaces.ProfileSingle,
		MetadataProfile: interfaces.ProfileDup,
		Passphrase:      "hunter2",
		SparseSize:      1 << 20,
	})
	require.NoError(t, err)

	// Sparse backing files were created at the requested size.
	for _, src := range sources {
		info, err := os.Stat(src)
		require.NoError(t, err)
		assert.Equal(t, int64(1<<20), info.Size())
	}

	// The volume is left locked: no mappings, no loop devices.
	assert.Empty(t, fake.OpenMappings())
	assert.Equal(t, 0, fake.AttachedLoops())

	// The formatted devices accept the passphrase afterwards.
	assert.Equal(t, "hunter2", fake.Passphrase)
}

func TestProvision_RejectsAlreadyFormatted(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.img")
	require.NoError(t, os.WriteFile(src, make([]byte, 1024), 0600))

	fake := NewFakeController("old-secret")
	fake.MarkLUKS("/dev/loop0")

	err := Provision(fake, testLogger(), "data", ProvisionRequest{
		Sources:    []string{src},
		Filesystem: interfaces.FilesystemExt4,
		Passphrase: "hunter2",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already LUKS formatted")

	// The attempt cleaned up after itself.
	assert.Equal(t, 0, fake.AttachedLoops())
}

func TestProvision_MkfsFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.img")

	fake := NewFakeController("")
	fake.MkfsErr = assert.AnError

	err := Provision(fake, testLogger(), "data", ProvisionRequest{
		Sources:    []string{src},
		Filesystem: interfaces.FilesystemExt4,
		Passphrase: "hunter2",
		SparseSize: 1 << 20,
	})
	require.Error(t, err)

	assert.Empty(t, fake.OpenMappings())
	assert.Equal(t, 0, fake.AttachedLoops())
}

func TestAddCredential(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.img")
	require.NoError(t, os.WriteFile(src, make([]byte, 1024), 0600))

	fake := NewFakeController("old-secret")
	fake.MarkLUKS("/dev/loop0")

	err := AddCredential(fake, testLogger(), []string{src}, "old-secret", "new-secret")
	require.NoError(t, err)
	assert.Equal(t, 0, fake.AttachedLoops())
}

func TestAddCredential_WrongExistingPassphrase(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.img")
	require.NoError(t, os.WriteFile(src, make([]byte, 1024), 0600))

	fake := NewFakeController("old-secret")
	fake.MarkLUKS("/dev/loop0")

	err := AddCredential(fake, testLogger(), []string{src}, "not-it", "new-secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong passphrase")
}

func TestAddCredential_RejectsUnformattedSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.img")
	require.NoError(t, os.WriteFile(src, make([]byte, 1024), 0600))

	fake := NewFakeController("old-secret")

	err := AddCredential(fake, testLogger(), []string{src}, "old-secret", "new-secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not LUKS formatted")
}

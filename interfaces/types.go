package interfaces

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// volumeNameRegex is enforced identically on the client and the server.
var volumeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// VolumeName is the name of a configured volume.
type VolumeName string

// NewVolumeName validates and returns a volume name.
func NewVolumeName(name string) (VolumeName, error) {
	if name == "" || !volumeNameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVolumeName, name)
	}
	return VolumeName(name), nil
}

// String returns the volume name as a string.
func (n VolumeName) String() string {
	return string(n)
}

// Validate checks the name against the naming pattern.
func (n VolumeName) Validate() error {
	_, err := NewVolumeName(string(n))
	return err
}

// TrustedKey is a 32-byte Ed25519 public key from the static allow-list.
type TrustedKey [32]byte

// NewTrustedKeyFromHex parses a trusted key from its hex encoding.
// Case is not significant.
func NewTrustedKeyFromHex(s string) (TrustedKey, error) {
	keyBytes, err := hex.DecodeString(s)
	if err != nil {
		return TrustedKey{}, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return TrustedKey{}, errors.New("invalid key length: must be 32 bytes")
	}

	var key TrustedKey
	copy(key[:], keyBytes)
	return key, nil
}

// String returns the lowercase hex encoding of the key.
func (k TrustedKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns the raw 32-byte key.
func (k TrustedKey) Bytes() []byte {
	return k[:]
}

// Equal compares two keys for equality.
func (k TrustedKey) Equal(other TrustedKey) bool {
	return bytes.Equal(k[:], other[:])
}

// VolumeState is the observed lifecycle state of a volume, derived from its
// unlock worker. The worker is the single source of truth; nothing else
// persists volume state.
type VolumeState int

const (
	// StateUnmounted means no worker is running for the volume.
	StateUnmounted VolumeState = iota

	// StateStarting means a worker has been launched but is not yet
	// listening on its secret channel.
	StateStarting

	// StateAwaitingSecret means the worker is blocked reading the secret
	// channel. A wrong secret returns the worker to this state.
	StateAwaitingSecret

	// StateMounted means the worker has unlocked and mounted the volume and
	// idles until stopped.
	StateMounted

	// StateStopping means a stop was dispatched and cleanup is in progress.
	StateStopping
)

// String returns the state's wire representation for the list endpoint.
// Only mounted volumes report "mounted"; every transient state reports
// "unmounted" so a wrong secret is diagnosable from a later list call.
func (s VolumeState) String() string {
	if s == StateMounted {
		return "mounted"
	}
	return "unmounted"
}

// BackingKind describes what backs a volume's sources.
type BackingKind string

const (
	// BackingBlockDevice is a raw block device source.
	BackingBlockDevice BackingKind = "block"

	// BackingLoopFile is a file source attached through a loop device.
	BackingLoopFile BackingKind = "loop"
)

// FilesystemKind is the filesystem created across a volume's decrypted
// mappings.
type FilesystemKind string

const (
	// FilesystemExt4 supports exactly one source.
	FilesystemExt4 FilesystemKind = "ext4"

	// FilesystemBtrfs supports one or more sources with configurable
	// redundancy profiles.
	FilesystemBtrfs FilesystemKind = "btrfs"
)

// RedundancyProfile is a btrfs data or metadata profile.
type RedundancyProfile string

const (
	ProfileSingle RedundancyProfile = "single"
	ProfileDup    RedundancyProfile = "dup"
	ProfileRaid1  RedundancyProfile = "raid1"
)

// VolumeConfig is the static configuration of one volume. Immutable after
// startup.
type VolumeConfig struct {
	Name       VolumeName     `json:"name"`
	Backing    BackingKind    `json:"backing"`
	Sources    []string       `json:"sources"`
	MountPoint string         `json:"mount_point"`
	Filesystem FilesystemKind `json:"filesystem"`
}

// Validate checks the volume configuration for internal consistency.
func (v *VolumeConfig) Validate() error {
	if err := v.Name.Validate(); err != nil {
		return err
	}
	if len(v.Sources) == 0 {
		return fmt.Errorf("volume %s: no sources configured", v.Name)
	}
	if v.MountPoint == "" {
		return fmt.Errorf("volume %s: no mount point configured", v.Name)
	}
	switch v.Backing {
	case BackingBlockDevice, BackingLoopFile:
	default:
		return fmt.Errorf("volume %s: unknown backing kind %q", v.Name, v.Backing)
	}
	switch v.Filesystem {
	case FilesystemExt4:
		if len(v.Sources) != 1 {
			return fmt.Errorf("volume %s: filesystem %s requires exactly one source", v.Name, v.Filesystem)
		}
	case FilesystemBtrfs:
	default:
		return fmt.Errorf("volume %s: unknown filesystem %q", v.Name, v.Filesystem)
	}
	return nil
}

// SecretChannel is the per-volume, single-slot secret handoff between the
// orchestrator and the unlock worker. At most one secret is in flight at any
// time; a delivered secret is consumed by exactly one receive.
type SecretChannel interface {
	// Deliver hands one secret to the channel. It returns once the secret is
	// buffered or picked up, or fails when the slot is occupied past the
	// context deadline.
	Deliver(ctx context.Context, secret []byte) error

	// Receive blocks until a secret is available or the context is done.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the channel. Pending receives fail.
	Close() error
}

// DiskController is the boundary to the privileged disk tooling. The real
// implementation shells out to cryptsetup, mkfs, mount and losetup; tests
// substitute fakes.
type DiskController interface {
	// IsLUKS reports whether the device carries a LUKS header.
	IsLUKS(device string) bool

	// FormatLUKS formats the device as LUKS2 with the given passphrase.
	FormatLUKS(device, passphrase string) error

	// AddLUKSKey adds a credential slot, authorized by an existing passphrase.
	AddLUKSKey(device, existing, added string) error

	// OpenMapping opens the encrypted device under /dev/mapper/<mapper>.
	OpenMapping(device, mapper, passphrase string) error

	// CloseMapping closes an open mapping.
	CloseMapping(mapper string) error

	// MakeFilesystem creates one filesystem across the given mapper devices.
	MakeFilesystem(fs FilesystemKind, data, metadata RedundancyProfile, devices []string) error

	// Mount mounts the decrypted device at the mount point.
	Mount(device, mountPoint string) error

	// Unmount unmounts the mount point.
	Unmount(mountPoint string) error

	// AttachLoop attaches a file to a free loop device and returns its path.
	AttachLoop(file string) (string, error)

	// DetachLoop detaches a loop device.
	DetachLoop(device string) error
}

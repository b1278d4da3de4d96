package diskutil

import (
	"fmt"
	"sync"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// FakeController is an in-memory DiskController for tests. It accepts one
// passphrase, tracks mappings, mounts and loop devices, and records every
// call in order. Error fields inject failures per operation.
type FakeController struct {
	mu sync.Mutex

	// Passphrase is the only secret OpenMapping accepts.
	Passphrase string

	// Calls records operations in invocation order, e.g. "open:dev0".
	Calls []string

	FormatErr  error
	AddKeyErr  error
	OpenErr    error
	CloseErr   error
	MkfsErr    error
	MountErr   error
	UnmountErr error
	AttachErr  error
	DetachErr  error

	luks     map[string]bool
	mappings map[string]bool
	mounts   map[string]bool
	loops    map[string]bool
	loopSeq  int
}

// NewFakeController creates a fake accepting the given passphrase.
func NewFakeController(passphrase string) *FakeController {
	return &FakeController{
		Passphrase: passphrase,
		luks:       make(map[string]bool),
		mappings:   make(map[string]bool),
		mounts:     make(map[string]bool),
		loops:      make(map[string]bool),
	}
}

func (f *FakeController) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// MarkLUKS makes IsLUKS report true for the device.
func (f *FakeController) MarkLUKS(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.luks[device] = true
}

// OpenMappings returns the currently open mapper names.
func (f *FakeController) OpenMappings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m, open := range f.mappings {
		if open {
			out = append(out, m)
		}
	}
	return out
}

// Mounted reports whether the mount point is mounted.
func (f *FakeController) Mounted(mountPoint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounts[mountPoint]
}

// AttachedLoops returns the number of attached loop devices.
func (f *FakeController) AttachedLoops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, attached := range f.loops {
		if attached {
			n++
		}
	}
	return n
}

// CallLog returns a copy of the recorded calls.
func (f *FakeController) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func (f *FakeController) IsLUKS(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("isluks:%s", device)
	return f.luks[device]
}

func (f *FakeController) FormatLUKS(device, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("format:%s", device)
	if f.FormatErr != nil {
		return f.FormatErr
	}
	f.luks[device] = true
	f.Passphrase = passphrase
	return nil
}

func (f *FakeController) AddLUKSKey(device, existing, added string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("addkey:%s", device)
	if f.AddKeyErr != nil {
		return f.AddKeyErr
	}
	if existing != f.Passphrase {
		return fmt.Errorf("wrong passphrase for %s", device)
	}
	return nil
}

func (f *FakeController) OpenMapping(device, mapper, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open:%s", device)
	if f.OpenErr != nil {
		return f.OpenErr
	}
	if passphrase != f.Passphrase {
		return fmt.Errorf("could not open LUKS device %s: wrong passphrase", device)
	}
	f.mappings[mapper] = true
	return nil
}

func (f *FakeController) CloseMapping(mapper string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close:%s", mapper)
	if f.CloseErr != nil {
		return f.CloseErr
	}
	f.mappings[mapper] = false
	return nil
}

func (f *FakeController) MakeFilesystem(fs interfaces.FilesystemKind, data, metadata interfaces.RedundancyProfile, devices []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mkfs:%s:%d", fs, len(devices))
	return f.MkfsErr
}

func (f *FakeController) Mount(device, mountPoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mount:%s", mountPoint)
	if f.MountErr != nil {
		return f.MountErr
	}
	f.mounts[mountPoint] = true
	return nil
}

func (f *FakeController) Unmount(mountPoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("umount:%s", mountPoint)
	if f.UnmountErr != nil {
		return f.UnmountErr
	}
	f.mounts[mountPoint] = false
	return nil
}

func (f *FakeController) AttachLoop(file string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("losetup:%s", file)
	if f.AttachErr != nil {
		return "", f.AttachErr
	}
	device := fmt.Sprintf("/dev/loop%d", f.loopSeq)
	f.loopSeq++
	f.loops[device] = true
	return device, nil
}

func (f *FakeController) DetachLoop(device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("lodetach:%s", device)
	if f.DetachErr != nil {
		return f.DetachErr
	}
	f.loops[device] = false
	return nil
}

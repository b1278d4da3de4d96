// Package diskutil wraps the privileged disk tooling used to unlock, mount
// and provision encrypted volumes: cryptsetup for LUKS2 mappings, mkfs for
// filesystem creation, mount/umount, and losetup for file-backed sources.
//
// ExecController is the production implementation of
// interfaces.DiskController. It shells out to the host tools; nothing in the
// control plane invokes them directly.
package diskutil

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// MapperName returns the device-mapper name for one source of a volume.
// The first source omits the index so single-device volumes map to
// cryptmountd-<name>.
func MapperName(volume interfaces.VolumeName, idx int) string {
	if idx == 0 {
		return fmt.Sprintf("cryptmountd-%s", volume)
	}
	return fmt.Sprintf("cryptmountd-%s-%d", volume, idx)
}

// MapperDevice returns the /dev/mapper path for a mapper name.
func MapperDevice(mapper string) string {
	return "/dev/mapper/" + mapper
}

// ExecController implements interfaces.DiskController by invoking the host
// disk tools.
type ExecController struct {
	log *slog.Logger
}

// NewExecController creates a controller that logs tool invocations to log.
func NewExecController(log *slog.Logger) *ExecController {
	return &ExecController{log: log}
}

// IsLUKS reports whether the device carries a LUKS header.
func (c *ExecController) IsLUKS(device string) bool {
	return exec.Command("cryptsetup", "isLuks", device).Run() == nil
}

// FormatLUKS formats the device as LUKS2. The passphrase is fed on stdin and
// never appears in argv or error text.
func (c *ExecController) FormatLUKS(device, passphrase string) error {
	cmd := exec.Command("cryptsetup", "luksFormat", "--type", "luks2", "-q", device)
	cmd.Stdin = strings.NewReader(passphrase)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("could not format %s: %w", device, err)
	}
	return nil
}

// AddLUKSKey adds a credential slot to an existing LUKS device. The existing
// passphrase authorizes the operation via stdin; the new key is passed on a
// private pipe as /dev/fd/3 so neither secret touches the filesystem.
func (c *ExecController) AddLUKSKey(device, existing, added string) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("could not create key pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command("cryptsetup", "luksAddKey", "--key-file=-", device, "/dev/fd/3")
	cmd.Stdin = strings.NewReader(existing)
	cmd.ExtraFiles = []*os.File{r}

	go func() {
		w.WriteString(added)
		w.Close()
	}()

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("could not add key to %s: %w", device, err)
	}
	return nil
}

// OpenMapping opens the encrypted device under /dev/mapper/<mapper>.
// A wrong passphrase surfaces as the command's exit error.
func (c *ExecController) OpenMapping(device, mapper, passphrase string) error {
	cmd := exec.Command("cryptsetup", "open", device, mapper)
	cmd.Stdin = strings.NewReader(passphrase)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("could not open LUKS device %s: %w", device, err)
	}
	return nil
}

// CloseMapping closes an open mapping.
func (c *ExecController) CloseMapping(mapper string) error {
	if err := exec.Command("cryptsetup", "close", mapper).Run(); err != nil {
		return fmt.Errorf("could not close mapping %s: %w", mapper, err)
	}
	return nil
}

// MakeFilesystem creates one filesystem across the given mapper devices.
// ext4 accepts exactly one device; btrfs spans any number with the given
// data and metadata profiles.
func (c *ExecController) MakeFilesystem(fs interfaces.FilesystemKind, data, metadata interfaces.RedundancyProfile, devices []string) error {
	var cmd *exec.Cmd
	switch fs {
	case interfaces.FilesystemExt4:
		if len(devices) != 1 {
			return fmt.Errorf("ext4 requires exactly one device, got %d", len(devices))
		}
		cmd = exec.Command("mkfs.ext4", "-q", devices[0])
	case interfaces.FilesystemBtrfs:
		args := []string{"-f", "-d", string(data), "-m", string(metadata)}
		args = append(args, devices...)
		cmd = exec.Command("mkfs.btrfs", args...)
	default:
		return fmt.Errorf("unsupported filesystem %q", fs)
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("could not create %s filesystem: %w: %s", fs, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Mount mounts the decrypted device at the mount point, creating the
// directory if needed. For a multi-device btrfs volume the kernel assembles
// the filesystem from any member device.
func (c *ExecController) Mount(device, mountPoint string) error {
	if IsMounted(mountPoint) {
		return fmt.Errorf("%s is already mounted", mountPoint)
	}
	os.MkdirAll(mountPoint, 0755)
	if err := exec.Command("mount", device, mountPoint).Run(); err != nil {
		return fmt.Errorf("could not mount %s: %w", mountPoint, err)
	}
	return nil
}

// Unmount unmounts the mount point.
func (c *ExecController) Unmount(mountPoint string) error {
	if err := exec.Command("umount", mountPoint).Run(); err != nil {
		return fmt.Errorf("could not unmount %s: %w", mountPoint, err)
	}
	return nil
}

// AttachLoop attaches a file to a free loop device and returns its path.
func (c *ExecController) AttachLoop(file string) (string, error) {
	out, err := exec.Command("losetup", "--find", "--show", file).Output()
	if err != nil {
		return "", fmt.Errorf("could not attach loop device for %s: %w", file, err)
	}
	device := strings.TrimSpace(string(out))
	c.log.Debug("Attached loop device", "file", file, "device", device)
	return device, nil
}

// DetachLoop detaches a loop device.
func (c *ExecController) DetachLoop(device string) error {
	if err := exec.Command("losetup", "-d", device).Run(); err != nil {
		return fmt.Errorf("could not detach loop device %s: %w", device, err)
	}
	return nil
}

// IsMounted reports whether the mount point appears in /proc/mounts.
func IsMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), " "+mountPoint+" ")
}

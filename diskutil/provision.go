package diskutil

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// ProvisionRequest describes an offline volume format operation.
type ProvisionRequest struct {
	// Sources are block devices or file paths. Missing files are created as
	// sparse files of SparseSize bytes.
	Sources []string

	Filesystem      interfaces.FilesystemKind
	DataProfile     interfaces.RedundancyProfile
	MetadataProfile interfaces.RedundancyProfile

	// Passphrase is the shared unlock secret for every source.
	Passphrase string

	// SparseSize is the size of newly created file sources, in bytes.
	SparseSize int64
}

// Validate checks the request before any device is touched.
func (req *ProvisionRequest) Validate() error {
	if len(req.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if req.Filesystem != interfaces.FilesystemBtrfs && len(req.Sources) > 1 {
		return fmt.Errorf("filesystem %s supports exactly one source; use btrfs for multi-device volumes", req.Filesystem)
	}
	if req.Passphrase == "" {
		return fmt.Errorf("empty passphrase")
	}
	return nil
}

// Provision formats every source as LUKS2 under the shared passphrase, opens
// all mappings, creates one filesystem across them and closes everything
// again. The volume is left locked; the first mount goes through the control
// plane.
func Provision(ctrl interfaces.DiskController, log *slog.Logger, name interfaces.VolumeName, req ProvisionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	devices := make([]string, 0, len(req.Sources))
	var loops []string
	cleanupLoops := func() {
		for _, dev := range loops {
			if err := ctrl.DetachLoop(dev); err != nil {
				log.Warn("Loop detach failed during cleanup", "err", err)
			}
		}
	}

	for _, src := range req.Sources {
		dev, isLoop, err := prepareSource(ctrl, src, req.SparseSize)
		if err != nil {
			cleanupLoops()
			return err
		}
		if isLoop {
			loops = append(loops, dev)
		}
		devices = append(devices, dev)
	}

	var mappers []string
	cleanupMappers := func() {
		for _, m := range mappers {
			if err := ctrl.CloseMapping(m); err != nil {
				log.Warn("Mapping close failed during cleanup", "err", err)
			}
		}
	}

	for i, dev := range devices {
		if ctrl.IsLUKS(dev) {
			cleanupMappers()
			cleanupLoops()
			return fmt.Errorf("source %s is already LUKS formatted; use add-key instead", req.Sources[i])
		}
		if err := ctrl.FormatLUKS(dev, req.Passphrase); err != nil {
			cleanupMappers()
			cleanupLoops()
			return err
		}

		mapper := MapperName(name, i)
		if err := ctrl.OpenMapping(dev, mapper, req.Passphrase); err != nil {
			cleanupMappers()
			cleanupLoops()
			return err
		}
		mappers = append(mappers, mapper)
	}

	mapperDevices := make([]string, len(mappers))
	for i, m := range mappers {
		mapperDevices[i] = MapperDevice(m)
	}

	err := ctrl.MakeFilesystem(req.Filesystem, req.DataProfile, req.MetadataProfile, mapperDevices)
	cleanupMappers()
	cleanupLoops()
	if err != nil {
		return err
	}

	log.Info("Volume provisioned", "volume", name.String(), "sources", len(req.Sources), "filesystem", string(req.Filesystem))
	return nil
}

// AddCredential adds a key slot to every source of an already-formatted
// volume. Every source must carry a LUKS header.
func AddCredential(ctrl interfaces.DiskController, log *slog.Logger, sources []string, existing, added string) error {
	if existing == "" || added == "" {
		return fmt.Errorf("empty passphrase")
	}

	var loops []string
	defer func() {
		for _, dev := range loops {
			if err := ctrl.DetachLoop(dev); err != nil {
				log.Warn("Loop detach failed during cleanup", "err", err)
			}
		}
	}()

	devices := make([]string, 0, len(sources))
	for _, src := range sources {
		dev, isLoop, err := prepareSource(ctrl, src, 0)
		if err != nil {
			return err
		}
		if isLoop {
			loops = append(loops, dev)
		}
		if !ctrl.IsLUKS(dev) {
			return fmt.Errorf("source %s is not LUKS formatted", src)
		}
		devices = append(devices, dev)
	}

	for i, dev := range devices {
		if err := ctrl.AddLUKSKey(dev, existing, added); err != nil {
			return fmt.Errorf("source %s: %w", sources[i], err)
		}
	}

	log.Info("Credential added", "sources", len(sources))
	return nil
}

// prepareSource resolves a source path to an unlockable block device. File
// sources are attached to a loop device; missing files are created sparse
// when sparseSize is non-zero.
func prepareSource(ctrl interfaces.DiskController, src string, sparseSize int64) (device string, isLoop bool, err error) {
	info, statErr := os.Stat(src)
	switch {
	case statErr == nil && info.Mode().IsRegular():
		dev, err := ctrl.AttachLoop(src)
		if err != nil {
			return "", false, err
		}
		return dev, true, nil
	case statErr == nil:
		// Device node or anything else mountable directly.
		return src, false, nil
	case os.IsNotExist(statErr) && sparseSize > 0:
		if err := createSparseFile(src, sparseSize); err != nil {
			return "", false, err
		}
		dev, err := ctrl.AttachLoop(src)
		if err != nil {
			return "", false, err
		}
		return dev, true, nil
	default:
		return "", false, fmt.Errorf("source %s: %w", src, statErr)
	}
}

func createSparseFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("could not create backing file %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("could not size backing file %s: %w", path, err)
	}
	return nil
}

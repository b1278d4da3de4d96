// deviceinit is the offline provisioning CLI: it formats new encrypted
// volumes, adds credential slots to existing ones, and creates the
// per-volume secret channel objects. It runs on the host with privileges;
// the daemon never formats anything.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/cryptmountd/cryptmountd/cmd/flags"
	"github.com/cryptmountd/cryptmountd/diskutil"
	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/mount"
)

var flagName = &cli.StringFlag{
	Name:     "name",
	Required: true,
	Usage:    "volume name (must match ^[a-zA-Z0-9._-]+$)",
}

var flagSources = &cli.StringSliceFlag{
	Name:     "source",
	Required: true,
	Usage:    "backing source: a block device or a file path; repeat for multi-device volumes",
}

var flagFilesystem = &cli.StringFlag{
	Name:  "filesystem",
	Value: "ext4",
	Usage: "filesystem to create: ext4 (single source) or btrfs (multi-device capable)",
}

var flagDataProfile = &cli.StringFlag{
	Name:  "data-profile",
	Value: "single",
	Usage: "btrfs data redundancy profile: single, dup or raid1",
}

var flagMetadataProfile = &cli.StringFlag{
	Name:  "metadata-profile",
	Value: "dup",
	Usage: "btrfs metadata redundancy profile: single, dup or raid1",
}

var flagSizeGB = &cli.Int64Flag{
	Name:  "size-gb",
	Value: 1,
	Usage: "size of newly created sparse backing files, in GiB",
}

var flagPassphraseFile = &cli.StringFlag{
	Name:  "passphrase-file",
	Usage: "read the passphrase from this file instead of prompting",
}

var flagChannelDir = &cli.StringFlag{
	Name:  "channel-dir",
	Value: "/run/cryptmountd/channels",
	Usage: "directory holding the per-volume secret channel pipes",
}

func main() {
	app := &cli.App{
		Name:  "deviceinit",
		Usage: "Provision encrypted volumes for cryptmountd",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Format one or more sources as a new encrypted volume",
				Flags:  []cli.Flag{flagName, flagSources, flagFilesystem, flagDataProfile, flagMetadataProfile, flagSizeGB, flagPassphraseFile},
				Action: runFormat,
			},
			{
				Name:   "add-key",
				Usage:  "Add a credential slot to an already-formatted volume",
				Flags:  []cli.Flag{flagSources},
				Action: runAddKey,
			},
			{
				Name:   "init-channel",
				Usage:  "Create the secret channel pipe for a volume",
				Flags:  []cli.Flag{flagName, flagChannelDir},
				Action: runInitChannel,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runFormat(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	name, err := interfaces.NewVolumeName(cCtx.String(flagName.Name))
	if err != nil {
		return err
	}

	passphrase, err := passphraseFromFlagOrPrompt(cCtx, true)
	if err != nil {
		return err
	}

	req := diskutil.ProvisionRequest{
		Sources:         cCtx.StringSlice(flagSources.Name),
		Filesystem:      interfaces.FilesystemKind(cCtx.String(flagFilesystem.Name)),
		DataProfile:     interfaces.RedundancyProfile(cCtx.String(flagDataProfile.Name)),
		MetadataProfile: interfaces.RedundancyProfile(cCtx.String(flagMetadataProfile.Name)),
		Passphrase:      passphrase,
		SparseSize:      cCtx.Int64(flagSizeGB.Name) << 30,
	}

	ctrl := diskutil.NewExecController(logger)
	if err := diskutil.Provision(ctrl, logger, name, req); err != nil {
		return err
	}

	fmt.Printf("volume %s formatted (%d source(s), %s)\n", name, len(req.Sources), req.Filesystem)
	return nil
}

func runAddKey(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	sources := cCtx.StringSlice(flagSources.Name)

	existing, err := promptPassphrase("Existing passphrase: ")
	if err != nil {
		return err
	}
	added, err := promptConfirmedPassphrase("New passphrase: ")
	if err != nil {
		return err
	}

	ctrl := diskutil.NewExecController(logger)
	if err := diskutil.AddCredential(ctrl, logger, sources, existing, added); err != nil {
		return err
	}

	fmt.Printf("credential added to %d source(s)\n", len(sources))
	return nil
}

func runInitChannel(cCtx *cli.Context) error {
	name, err := interfaces.NewVolumeName(cCtx.String(flagName.Name))
	if err != nil {
		return err
	}

	dir := cCtx.String(flagChannelDir.Name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("could not create channel directory: %w", err)
	}

	// Readable and writable only by the service principal and the
	// privileged unlock principal sharing its group.
	path := filepath.Join(dir, name.String())
	if err := mount.CreateFIFO(path, 0660); err != nil {
		return err
	}

	fmt.Printf("secret channel created at %s\n", path)
	return nil
}

func passphraseFromFlagOrPrompt(cCtx *cli.Context, confirm bool) (string, error) {
	if file := cCtx.String(flagPassphraseFile.Name); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("could not read passphrase file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if confirm {
		return promptConfirmedPassphrase("Passphrase: ")
	}
	return promptPassphrase("Passphrase: ")
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// Piped input, e.g. in scripts.
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func promptConfirmedPassphrase(prompt string) (string, error) {
	first, err := promptPassphrase(prompt)
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	second, err := promptPassphrase("Confirm: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

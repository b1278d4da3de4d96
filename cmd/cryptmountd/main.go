// The cryptmountd daemon serves the remote unlock/mount control plane.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/cryptmountd/cryptmountd/audit"
	"github.com/cryptmountd/cryptmountd/auth"
	"github.com/cryptmountd/cryptmountd/cmd/flags"
	"github.com/cryptmountd/cryptmountd/diskutil"
	"github.com/cryptmountd/cryptmountd/httpserver"
	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/keystore"
	"github.com/cryptmountd/cryptmountd/mount"
	"github.com/cryptmountd/cryptmountd/ratelimit"
	"github.com/cryptmountd/cryptmountd/registry"
)

func main() {
	app := &cli.App{
		Name:   "cryptmountd",
		Usage:  "Remote unlock and mount control plane for encrypted volumes",
		Flags:  append(flags.ServerFlags, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := context.Background()

	// Load the trusted-key allow-list and volume configuration. Both are
	// immutable for the process lifetime.
	locations := make([]interfaces.KeystoreLocation, 0)
	for _, uri := range cCtx.StringSlice(flags.KeystoreFlag.Name) {
		locations = append(locations, interfaces.KeystoreLocation(uri))
	}

	factory := keystore.NewFactory(logger)
	backend, err := factory.CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create keystore backend", "err", err)
		return err
	}

	trustedKeys, err := keystore.LoadTrustedKeys(ctx, backend)
	if err != nil {
		logger.Error("Failed to load trusted keys", "err", err)
		return err
	}
	if len(trustedKeys) == 0 {
		// Fail closed: the verifier rejects everything until keys exist.
		logger.Warn("No trusted keys configured; all authenticated requests will be rejected")
	} else {
		logger.Info("Trusted keys loaded", "count", len(trustedKeys))
	}

	volumeDoc, err := backend.Fetch(ctx, interfaces.VolumeConfigContent)
	if err != nil {
		logger.Error("Failed to load volume configuration", "err", err)
		return err
	}
	reg, err := registry.Load(volumeDoc)
	if err != nil {
		logger.Error("Invalid volume configuration", "err", err)
		return err
	}
	logger.Info("Volume registry loaded", "volumes", reg.Len())

	verifier := auth.NewVerifier(trustedKeys, logger)
	limiter := ratelimit.New()
	guard := ratelimit.NewRequestGuard(rate.Limit(10), 30, 15*time.Minute)

	orchestratorOpts := []mount.Option{
		mount.WithSettleDelay(time.Duration(cCtx.Int64(flags.SettleDelayFlag.Name)) * time.Millisecond),
		mount.WithDeliverTimeout(time.Duration(cCtx.Int64(flags.DeliverTimeoutFlag.Name)) * time.Millisecond),
	}
	if cCtx.Bool(flags.AwaitCleanupFlag.Name) {
		orchestratorOpts = append(orchestratorOpts, mount.WithAwaitCleanup())
	}
	if channelDir := cCtx.String(flags.SecretChannelDirFlag.Name); channelDir != "" {
		logger.Info("Relaying secrets through named pipes", "dir", channelDir)
		orchestratorOpts = append(orchestratorOpts, mount.WithChannelFactory(func(v interfaces.VolumeConfig) interfaces.SecretChannel {
			return mount.NewFIFOChannel(filepath.Join(channelDir, v.Name.String()))
		}))
	}

	disk := diskutil.NewExecController(logger)
	orchestrator := mount.NewOrchestrator(reg.Volumes(), disk, logger, orchestratorOpts...)

	var auditStore *audit.Store
	if dbPath := cCtx.String(flags.AuditDBFlag.Name); dbPath != "" {
		auditStore, err = audit.Open(dbPath, logger)
		if err != nil {
			logger.Error("Failed to open audit database", "err", err)
			return err
		}
		defer auditStore.Close()
		logger.Info("Audit trail enabled", "db", dbPath)
	}

	handler := httpserver.NewHandler(verifier, limiter, guard, orchestrator, reg, auditStore, logger)

	cfg := flags.ConfigureServer(cCtx, logger)
	server, err := httpserver.New(cfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	logger.Info("Shutting down")
	server.Shutdown()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	orchestrator.StopAll(stopCtx)

	return nil
}

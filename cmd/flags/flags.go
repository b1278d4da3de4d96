// Package flags holds the CLI flag definitions and setup helpers shared by
// the cryptmountd binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/cryptmountd/cryptmountd/common"
	"github.com/cryptmountd/cryptmountd/httpserver"
)

// SetupLogger builds the process logger from the common logging flags.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJSONFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUIDFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config from the common server
// flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		StaticDir:                cCtx.String(StaticDirFlag.Name),
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var KeystoreFlag = &cli.StringSliceFlag{
	Name:  "keystore-uri",
	Value: cli.NewStringSlice("file:///etc/cryptmountd"),
	Usage: "keystore location URIs for trusted keys and volume config (file://, vault://, s3://, https://)",
}

var StaticDirFlag = &cli.StringFlag{
	Name:  "static-dir",
	Usage: "directory with the static web client, served under /static/ (unauthenticated)",
}

var SecretChannelDirFlag = &cli.StringFlag{
	Name:  "secret-channel-dir",
	Usage: "directory of per-volume named pipes; when set, secrets are relayed through pipes instead of in-process channels",
}

var SettleDelayFlag = &cli.Int64Flag{
	Name:  "settle-delay-ms",
	Value: 200,
	Usage: "milliseconds to wait after starting a worker before writing the secret (capped at 1000)",
}

var DeliverTimeoutFlag = &cli.Int64Flag{
	Name:  "deliver-timeout-ms",
	Value: 1000,
	Usage: "milliseconds a secret write may block before reporting an operational fault",
}

var AwaitCleanupFlag = &cli.BoolFlag{
	Name:  "await-cleanup",
	Usage: "make unmount responses wait for worker cleanup instead of returning on dispatch",
}

var AuditDBFlag = &cli.StringFlag{
	Name:  "audit-db",
	Usage: "path of the sqlite audit database; empty disables auditing",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

// CommonFlags are shared by every binary.
var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
}

// ServerFlags configure the cryptmountd daemon.
var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	MetricsAddrFlag,
	KeystoreFlag,
	StaticDirFlag,
	SecretChannelDirFlag,
	SettleDelayFlag,
	DeliverTimeoutFlag,
	AwaitCleanupFlag,
	AuditDBFlag,
	PprofFlag,
	DrainSecondsFlag,
}

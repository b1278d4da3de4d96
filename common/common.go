// Package common holds process-wide metadata and logger setup shared by all
// cryptmountd binaries.
package common

// Version is set at build time via -ldflags.
var Version = "dev"

// PackageName is the service identifier used in logs and metrics.
const PackageName = "cryptmountd"

// Package keystore loads the service's configuration documents, the
// trusted-key allow-list and the volume configuration, from pluggable
// backends selected by URI.
//
// Supported URI schemes:
//
//   - file:///etc/cryptmountd/
//   - vault://vault.example.com:8200/secret/cryptmountd
//   - s3://bucket-name/prefix/?region=us-west-2
//   - https://config.example.com/cryptmountd/
//
// Backends are read-only: both documents are fetched once at startup and the
// resulting key set and registry are immutable for the process lifetime.
// CreateMultiBackend aggregates several locations for redundancy; a fetch
// returns the first backend's result that succeeds.
package keystore

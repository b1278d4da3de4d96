/*
Package interfaces defines the core types and interfaces of the cryptmountd
control plane. It provides the contract between components without
implementation details.

The central types are:

  - VolumeName: validated name of a configured encrypted volume
  - TrustedKey: an Ed25519 public key authorized to sign API requests
  - VolumeConfig: static description of a volume's backing devices and mount point
  - VolumeState: the observed lifecycle state of a volume's unlock worker
  - SecretChannel: the single-slot secret handoff between the API and a worker
  - DiskController: the privileged disk tooling boundary (cryptsetup, mount, losetup)

The error taxonomy mirrors the API surface: validation errors map to 400,
authentication errors to 401 (or 503 when no trusted keys are configured),
rate-limit denials to 429 and operational faults to 500.
*/
package interfaces

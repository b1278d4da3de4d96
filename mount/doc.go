/*
Package mount drives the per-volume unlock lifecycle.

The Orchestrator owns one worker per volume. A mount request starts the
worker, waits briefly for it to attach to the volume's secret channel, then
delivers the secret exactly once and reports "secret delivered" to the
caller. The worker attempts to unlock every backing device with the secret
and mount the result; on a wrong secret it logs and returns to listening, so
the caller only learns the outcome from a later list call or the logs. This
keeps the secret handoff fire-and-forget.

Worker lifecycle, tracked explicitly by the orchestrator:

	unmounted -> starting -> awaiting-secret -> mounted
	mounted   -> stopping -> unmounted

A stop signal from any state triggers best-effort cleanup: unmount, close
LUKS mappings, detach loop devices, each attempted independently.

The secret channel is a single-slot, single-producer/single-consumer
primitive. MemoryChannel is the in-process implementation; FIFOChannel backs
deployments where the unlock worker runs as a separate privileged process and
reads a named pipe.
*/
package mount

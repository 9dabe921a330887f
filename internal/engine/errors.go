package engine

import "errors"

// Error kinds from spec.md 7. Each is a sentinel wrapped with
// fmt.Errorf("...: %w", ErrX) at the call site so callers can test with
// errors.Is while the message still carries context.
var (
	// ErrConfigMissing marks a required environment variable as absent.
	// Fatal at startup.
	ErrConfigMissing = errors.New("config: required value missing")

	// ErrIdentity marks a failure minting a token or deriving a DID.
	// Fatal at the calling layer: process termination for the
	// supervisor, worker termination for the worker.
	ErrIdentity = errors.New("identity: operation failed")

	// ErrTransport marks a failed call to the external control plane.
	// Severity depends on call site, see spec.md 7.
	ErrTransport = errors.New("transport: call failed")

	// ErrStaleMessage names a TwinData admission rejected because the
	// tick's expire_time has passed. No function in this package returns
	// it: ModelSupervisor.handleTwinData drops such a message and counts
	// it in previouslyUnhandledTwins.
	ErrStaleMessage = errors.New("admission: message expired")
)

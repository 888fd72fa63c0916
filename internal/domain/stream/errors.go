package stream

import "errors"

// Error taxonomy. Every terminal failure is both logged and reflected in the
// observed state so status and log queries agree.
var (
	// ErrNotFound signals the stream ID does not exist in the registry.
	ErrNotFound = errors.New("stream not found")

	// ErrValidation signals a config field constraint violation. Wrapped with
	// field detail by Config.Validate.
	ErrValidation = errors.New("invalid stream config")

	// ErrAlreadyRunning signals a start intent for a stream with a live
	// process. Not fatal; the intent is a no-op.
	ErrAlreadyRunning = errors.New("stream already running")

	// ErrNotRunning signals a stop intent for a stream with no live process.
	// Stop is idempotent; this is informational, not a fault.
	ErrNotRunning = errors.New("stream not running")

	// ErrSpawn signals the transcoder process could not be launched.
	ErrSpawn = errors.New("transcoder spawn failed")

	// ErrArtifactTimeout signals the process launched but no confirming
	// playlist artifact appeared within the deadline.
	ErrArtifactTimeout = errors.New("no output artifact within deadline")

	// ErrPermissionDenied signals the shared output root is not writable.
	// Deterministic precondition failure; surfaced without waiting for the
	// artifact deadline.
	ErrPermissionDenied = errors.New("output root not writable")

	// ErrPreconditionFailed signals a delete attempted on a non-stopped
	// stream. Returned synchronously; no state is mutated.
	ErrPreconditionFailed = errors.New("stream must be stopped first")
)

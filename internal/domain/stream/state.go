package stream

import "time"

// State is the observed lifecycle state of a stream.
//
//	Stopped → Starting → Running → Stopping → Stopped
//
// Error is reachable from Starting or Running and is not terminal: a new
// start intent transitions back to Starting.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// FailureKind classifies the cause recorded on an Error transition.
type FailureKind string

const (
	FailureSpawn            FailureKind = "spawn_error"
	FailureArtifactTimeout  FailureKind = "artifact_timeout"
	FailureUnexpectedExit   FailureKind = "unexpected_exit"
	FailurePermissionDenied FailureKind = "permission_denied"
)

// Observed is the reconciler-owned runtime state of a stream. Callers read it
// through the registry; only the reconciler writes it.
type Observed struct {
	State        State       `json:"state"`
	TransitionAt time.Time   `json:"transition_at"`
	PID          int         `json:"pid,omitempty"`        // set only while a process is believed alive
	LastError    FailureKind `json:"last_error,omitempty"` // cleared on successful transitions
	Detail       string      `json:"detail,omitempty"`     // human-readable cause (exit code, timeout, ...)
}

// StoppedObserved is the zero-value observed state for new streams.
func StoppedObserved() Observed {
	return Observed{State: StateStopped, TransitionAt: time.Now()}
}

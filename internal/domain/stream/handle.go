package stream

import "time"

// ProcessHandle is the opaque record of a running transcoder process: it
// exists only between a successful spawn and that process's termination, and
// is owned exclusively by the process supervisor. At most one live handle
// exists per stream ID at any instant.
type ProcessHandle struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Argv      []string  `json:"argv"`
}

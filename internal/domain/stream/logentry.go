package stream

import "time"

// Severity of a log entry. Classification happens where raw transcoder output
// is ingested; unclassified lines default to info.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogEntry is one immutable record in a stream's append-only log. Sequence
// numbers are monotonic per stream; entries are never edited or reordered.
type LogEntry struct {
	StreamID  int64     `json:"stream_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

package procmgr

import (
	"strings"

	"github.com/restreamkit/restream-server/internal/domain/stream"
)

// Known-fatal substrings in transcoder diagnostic output. Best-effort pattern
// matching, not exhaustive; unmatched lines default to info.
var fatalPatterns = []string{
	"Connection refused",
	"Connection timed out",
	"401 Unauthorized",
	"403 Forbidden",
	"404 Not Found",
	"Invalid data found",
	"No such file or directory",
	"Non-monotonic DTS",
	"Non-monotonous DTS",
	"Server returned 5",
	"Already publishing",
	"Permission denied",
}

var warnPatterns = []string{
	"deprecated",
	"Will reconnect",
	"Reconnecting",
	"corrupt",
	"Past duration",
}

// Classify assigns a severity to one line of raw transcoder output.
func Classify(line string) stream.Severity {
	for _, p := range fatalPatterns {
		if strings.Contains(line, p) {
			return stream.SeverityError
		}
	}
	for _, p := range warnPatterns {
		if strings.Contains(line, p) {
			return stream.SeverityWarning
		}
	}
	return stream.SeverityInfo
}

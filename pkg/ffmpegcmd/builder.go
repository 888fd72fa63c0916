// Package ffmpegcmd builds the argument vector for the external transcoder
// process. The reconciler constructs argv from a stream's kind and source
// locator plus the fixed ingest target; nothing here spawns anything.
package ffmpegcmd

import (
	"strconv"
	"strings"
)

// Builder accumulates an argv slice for the `ffmpeg` binary. It omits
// empty-value flags so ffmpeg never receives "" arguments.
type Builder struct {
	args []string
}

// NewBuilder creates a builder pre-seeded with the binary name.
func NewBuilder() *Builder {
	return &Builder{args: []string{"ffmpeg"}}
}

// WithFlag adds a bare flag (presence-only, e.g. "-y").
func (b *Builder) WithFlag(flag string) *Builder {
	b.args = append(b.args, flag)
	return b
}

// WithString adds a flag with a string value if val is non-empty after
// trimming spaces.
func (b *Builder) WithString(flag, val string) *Builder {
	if strings.TrimSpace(val) != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithInt adds a flag with an integer value.
func (b *Builder) WithInt(flag string, val int64) *Builder {
	b.args = append(b.args, flag, strconv.FormatInt(val, 10))
	return b
}

// WithArg appends a positional argument (e.g. the output URL).
func (b *Builder) WithArg(val string) *Builder {
	b.args = append(b.args, val)
	return b
}

// Build returns a copy of the constructed argv slice.
func (b *Builder) Build() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// String returns a single shell-safe command string, useful for log lines.
func (b *Builder) String() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote wraps s in single quotes, escaping internal single quotes. Safe for
// POSIX shells; only used for display, never for execution.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " '\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

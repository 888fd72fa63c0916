package ffmpegcmd

import (
	"fmt"
	"strconv"

	"github.com/restreamkit/restream-server/internal/domain/stream"
)

// IngestURL returns the media server's RTMP endpoint for a stream ID. The
// media server converts this ingest into HLS artifacts at the shared output
// root; the orchestrator only ever observes those artifacts.
func IngestURL(host string, port int, id int64) string {
	return fmt.Sprintf("rtmp://%s:%d/live/%s", host, port, strconv.FormatInt(id, 10))
}

// BuildArgs maps a stream config to the transcoder argv.
//
// Policy: codec passthrough by default (-c:v copy -c:a copy). Transcoding is
// avoided unless format incompatibility forces it; pulling and repacking is
// cheap, re-encoding is not. All kinds push FLV over RTMP to the ingest
// endpoint. RTMP-kind sources are pulled over RTMP with extra live-read
// flags; HTTP-family kinds get reconnect handling for flaky upstreams.
func BuildArgs(cfg *stream.Config, ingestURL string) []string {
	b := NewBuilder().
		WithFlag("-y")

	switch cfg.Kind {
	case stream.KindRTMP:
		// Pull side for RTMP sources: read as a live stream.
		b.WithString("-rtmp_live", "live")
	default:
		// playlist / transport-stream / direct: HTTP-family pull with
		// reconnect handling.
		b.WithInt("-reconnect", 1).
			WithInt("-reconnect_at_eof", 1).
			WithInt("-reconnect_streamed", 1).
			WithInt("-reconnect_delay_max", 5)
	}

	b.WithInt("-timeout", 10_000_000).
		WithInt("-analyzeduration", 2147483647).
		WithInt("-probesize", 2147483647).
		WithString("-i", cfg.URL).
		WithString("-c:v", "copy").
		WithString("-c:a", "copy").
		WithString("-f", "flv").
		WithString("-err_detect", "ignore_err").
		WithArg(ingestURL)

	return b.Build()
}

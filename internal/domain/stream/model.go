package stream

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Kind declares how a stream source is fetched. Closed set; anything else is
// rejected at validation time.
type Kind string

const (
	KindPlaylist        Kind = "playlist"         // HLS playlist sources (.m3u8)
	KindTransportStream Kind = "transport-stream" // raw MPEG-TS over HTTP/UDP
	KindRTMP            Kind = "rtmp"             // pulled directly over RTMP
	KindDirect          Kind = "direct"           // direct media URL
)

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindPlaylist, KindTransportStream, KindRTMP, KindDirect:
		return true
	}
	return false
}

// DesiredState is the user-declared intent for a stream.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// Config is the durable stream configuration. ID is immutable once allocated.
// Observed runtime state lives separately (ObservedState) and is never written
// through Config updates.
type Config struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	URL       string       `json:"url"`
	Kind      Kind         `json:"kind"`
	Desired   DesiredState `json:"desired"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// allowed source URL schemes, per kind pull behavior
var sourceSchemes = map[string]struct{}{
	"http": {}, "https": {}, "rtmp": {}, "rtsp": {}, "udp": {},
}

// Validate checks field constraints. It does not touch storage. All failures
// wrap ErrValidation.
func (c *Config) Validate() error {
	if len(c.Name) < 1 {
		return fmt.Errorf("%w: name must be at least 1 character", ErrValidation)
	}
	if len(c.Name) > 100 {
		return fmt.Errorf("%w: name must be at most 100 characters", ErrValidation)
	}

	if len(c.URL) > 2048 {
		return fmt.Errorf("%w: url must be at most 2048 characters", ErrValidation)
	}
	if err := validateSourceURL(c.URL); err != nil {
		return fmt.Errorf("%w: invalid url: %s", ErrValidation, err)
	}

	if !c.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind: %q", ErrValidation, c.Kind)
	}

	switch c.Desired {
	case DesiredRunning, DesiredStopped, "":
	default:
		return fmt.Errorf("%w: invalid desired state: %q", ErrValidation, c.Desired)
	}

	return nil
}

// validateSourceURL enforces an absolute URL with a scheme the transcoder can pull.
func validateSourceURL(raw string) error {
	if raw == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if _, ok := sourceSchemes[u.Scheme]; !ok {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

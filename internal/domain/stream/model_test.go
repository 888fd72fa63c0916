package stream

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Name: "bbc-one",
		URL:  "http://origin.example.com/live/bbc1.m3u8",
		Kind: KindPlaylist,
	}
}

func TestValidateAccepts(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"playlist over http", func(c *Config) {}},
		{"rtmp kind", func(c *Config) { c.Kind = KindRTMP; c.URL = "rtmp://cdn.example.com/app/key" }},
		{"udp transport stream", func(c *Config) { c.Kind = KindTransportStream; c.URL = "udp://239.1.1.1:5000" }},
		{"rtsp direct", func(c *Config) { c.Kind = KindDirect; c.URL = "rtsp://cam.example.com/ch0" }},
		{"desired running", func(c *Config) { c.Desired = DesiredRunning }},
		{"desired empty", func(c *Config) { c.Desired = "" }},
		{"name at max length", func(c *Config) { c.Name = strings.Repeat("x", 100) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"name too long", func(c *Config) { c.Name = strings.Repeat("x", 101) }},
		{"empty url", func(c *Config) { c.URL = "" }},
		{"url too long", func(c *Config) { c.URL = "http://h/" + strings.Repeat("a", 2048) }},
		{"file scheme", func(c *Config) { c.URL = "file:///etc/passwd" }},
		{"missing host", func(c *Config) { c.URL = "http:///path-only" }},
		{"unknown kind", func(c *Config) { c.Kind = "multicast" }},
		{"unknown desired", func(c *Config) { c.Desired = "paused" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() = %v, want ErrValidation", err)
			}
		})
	}
}

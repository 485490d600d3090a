// Package config holds the CLI configuration: defaults, an optional YAML
// file, .env / DUOCALL_* environment overrides, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Mode is what the process runs as.
type Mode string

const (
	ModeRelay  Mode = "relay"  // message bus server
	ModeCall   Mode = "call"   // join a room and place a call
	ModeAnswer Mode = "answer" // join a room and wait for a call
)

// Relay configures the message bus server.
type Relay struct {
	Listen   string  `yaml:"listen"`
	PIN      string  `yaml:"pin"`
	MaxPeers int     `yaml:"maxPeers"`
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
}

// Bus is the peer's connection to the relay.
type Bus struct {
	URL  string `yaml:"url"`
	Room string `yaml:"room"`
	PIN  string `yaml:"pin"`
}

// ICEServer is one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Call configures the local participant.
type Call struct {
	ID                 string        `yaml:"id"`
	StopTracksOnHangup bool          `yaml:"stopTracksOnHangup"`
	DisconnectGrace    time.Duration `yaml:"disconnectGrace"`
	AudioFile          string        `yaml:"audioFile"`
	VideoFile          string        `yaml:"videoFile"`
	ICEServers         []ICEServer   `yaml:"iceServers"`
}

// Config stores every parameter of a run.
type Config struct {
	Mode  Mode  `yaml:"mode"`
	Debug bool  `yaml:"debug"`
	Relay Relay `yaml:"relay"`
	Bus   Bus   `yaml:"bus"`
	Call  Call  `yaml:"call"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: Relay{
			Listen:   ":8080",
			MaxPeers: 2,
			Rate:     50,
			Burst:    100,
		},
		Bus: Bus{
			URL:  "ws://localhost:8080",
			Room: "default",
		},
		Call: Call{
			DisconnectGrace: 5 * time.Second,
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty), a .env file in the working directory (if present) and
// the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DUOCALL_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DUOCALL_MODE", (*string)(&c.Mode))
	str("DUOCALL_LISTEN", &c.Relay.Listen)
	str("DUOCALL_URL", &c.Bus.URL)
	str("DUOCALL_ROOM", &c.Bus.Room)
	str("DUOCALL_ID", &c.Call.ID)
	str("DUOCALL_AUDIO", &c.Call.AudioFile)
	str("DUOCALL_VIDEO", &c.Call.VideoFile)

	if v, ok := lookup("DUOCALL_PIN"); ok && v != "" {
		c.Bus.PIN = v
		c.Relay.PIN = v
	}

	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	boolean("DUOCALL_DEBUG", &c.Debug)
	boolean("DUOCALL_STOP_TRACKS", &c.Call.StopTracksOnHangup)

	if v, ok := lookup("DUOCALL_DISCONNECT_GRACE"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DUOCALL_DISCONNECT_GRACE: %w", err))
		} else {
			c.Call.DisconnectGrace = d
		}
	}

	if v, ok := lookup("DUOCALL_ICE_SERVERS"); ok && v != "" {
		server := ICEServer{URLs: SplitList(v)}
		str("DUOCALL_ICE_USERNAME", &server.Username)
		str("DUOCALL_ICE_CREDENTIAL", &server.Credential)
		c.Call.ICEServers = []ICEServer{server}
	}

	return errors.Join(errs...)
}

// Validate checks the fields the selected mode needs.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeRelay:
		if c.Relay.Listen == "" {
			return errors.New("relay: listen address is required")
		}
		if c.Relay.MaxPeers < 2 {
			return fmt.Errorf("relay: maxPeers must be at least 2, got %d", c.Relay.MaxPeers)
		}
	case ModeCall, ModeAnswer:
		if c.Bus.URL == "" {
			return errors.New("bus: url is required")
		}
		if c.Bus.Room == "" {
			return errors.New("bus: room is required")
		}
		if c.Call.DisconnectGrace < 0 {
			return errors.New("call: disconnectGrace must not be negative")
		}
		for _, s := range c.Call.ICEServers {
			if len(s.URLs) == 0 {
				return errors.New("call: ICE server without urls")
			}
		}
	case "":
		return errors.New("mode is required")
	default:
		return fmt.Errorf("invalid mode %q: must be relay, call or answer", c.Mode)
	}
	return nil
}

// WebRTCICEServers converts the configured servers. It returns nil when none
// are configured so the transport falls back to its defaults.
func (c Config) WebRTCICEServers() []webrtc.ICEServer {
	if len(c.Call.ICEServers) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(c.Call.ICEServers))
	for _, s := range c.Call.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

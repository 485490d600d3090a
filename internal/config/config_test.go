package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duocall.yaml")
	data := `
mode: answer
bus:
  url: wss://relay.example.com
  room: kitchen
call:
  id: fixed-id
  disconnectGrace: 10s
  iceServers:
    - urls: ["stun:stun.example.com:3478"]
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ModeAnswer, cfg.Mode)
	require.Equal(t, "wss://relay.example.com", cfg.Bus.URL)
	require.Equal(t, "kitchen", cfg.Bus.Room)
	require.Equal(t, "fixed-id", cfg.Call.ID)
	require.Equal(t, 10*time.Second, cfg.Call.DisconnectGrace)
	require.Len(t, cfg.Call.ICEServers, 2)

	// Untouched sections keep their defaults.
	require.Equal(t, ":8080", cfg.Relay.Listen)
	require.Equal(t, 2, cfg.Relay.MaxPeers)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DUOCALL_MODE", "relay")
	t.Setenv("DUOCALL_LISTEN", ":9999")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ModeRelay, cfg.Mode)
	require.Equal(t, ":9999", cfg.Relay.Listen)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"DUOCALL_MODE":             "call",
		"DUOCALL_URL":              "ws://10.0.0.1:8080",
		"DUOCALL_PIN":              "4321",
		"DUOCALL_STOP_TRACKS":      "true",
		"DUOCALL_DISCONNECT_GRACE": "250ms",
		"DUOCALL_ICE_SERVERS":      "stun:a:3478, turn:b:3478 ,",
		"DUOCALL_ICE_USERNAME":     "user",
		"DUOCALL_ICE_CREDENTIAL":   "secret",
		"DUOCALL_ROOM":             "",
	}))
	require.NoError(t, err)

	require.Equal(t, ModeCall, cfg.Mode)
	require.Equal(t, "ws://10.0.0.1:8080", cfg.Bus.URL)
	require.Equal(t, "default", cfg.Bus.Room)
	require.Equal(t, "4321", cfg.Bus.PIN)
	require.Equal(t, "4321", cfg.Relay.PIN)
	require.True(t, cfg.Call.StopTracksOnHangup)
	require.Equal(t, 250*time.Millisecond, cfg.Call.DisconnectGrace)
	require.Equal(t, []ICEServer{{
		URLs:       []string{"stun:a:3478", "turn:b:3478"},
		Username:   "user",
		Credential: "secret",
	}}, cfg.Call.ICEServers)
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"DUOCALL_DEBUG":            "maybe",
		"DUOCALL_DISCONNECT_GRACE": "soon",
	}))
	require.ErrorContains(t, err, "DUOCALL_DEBUG")
	require.ErrorContains(t, err, "DUOCALL_DISCONNECT_GRACE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"relay defaults", func(c *Config) { c.Mode = ModeRelay }, false},
		{"call defaults", func(c *Config) { c.Mode = ModeCall }, false},
		{"missing mode", func(c *Config) {}, true},
		{"unknown mode", func(c *Config) { c.Mode = "host" }, true},
		{"relay room too small", func(c *Config) { c.Mode = ModeRelay; c.Relay.MaxPeers = 1 }, true},
		{"answer without url", func(c *Config) { c.Mode = ModeAnswer; c.Bus.URL = "" }, true},
		{"negative grace", func(c *Config) { c.Mode = ModeCall; c.Call.DisconnectGrace = -time.Second }, true},
		{"ice server without urls", func(c *Config) {
			c.Mode = ModeCall
			c.Call.ICEServers = []ICEServer{{Username: "u"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWebRTCICEServers(t *testing.T) {
	cfg := Default()
	require.Nil(t, cfg.WebRTCICEServers())

	cfg.Call.ICEServers = []ICEServer{
		{URLs: []string{"stun:a:3478"}},
		{URLs: []string{"turn:b:3478"}, Username: "u", Credential: "p"},
	}
	servers := cfg.WebRTCICEServers()
	require.Len(t, servers, 2)
	require.Equal(t, []string{"stun:a:3478"}, servers[0].URLs)
	require.Nil(t, servers[0].Credential)
	require.Equal(t, "u", servers[1].Username)
	require.Equal(t, "p", servers[1].Credential)
	require.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	return cfg
}

func TestDefaultNeedsOnlyUserID(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default without user id validated")
	}
	cfg = validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Presence.Heartbeat() != 30*time.Second || cfg.Presence.Freshness() != 5*time.Minute {
		t.Fatalf("presence durations = %v / %v", cfg.Presence.Heartbeat(), cfg.Presence.Freshness())
	}
	if cfg.Typing.Timeout() != 3*time.Second {
		t.Fatalf("typing timeout = %v", cfg.Typing.Timeout())
	}
	if cfg.Notify.Capacity != 50 {
		t.Fatalf("notify capacity = %d", cfg.Notify.Capacity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"user id with space", func(c *Config) { c.Identity.UserID = "a b" }, "identity.user_id"},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"ws without url", func(c *Config) { c.Transport.URL = "" }, "transport.url"},
		{"ws with http url", func(c *Config) { c.Transport.URL = "http://relay:8787" }, "scheme"},
		{"ws bad port", func(c *Config) { c.Transport.URL = "ws://relay:99999/socket" }, "invalid port"},
		{"p2p port", func(c *Config) { c.Transport.Kind = TransportP2P; c.Transport.ListenPort = 70000 }, "listen_port"},
		{"p2p bootstrap", func(c *Config) { c.Transport.Kind = TransportP2P; c.Transport.Bootstrap = []string{"not-a-multiaddr"} }, "transport.bootstrap"},
		{"reconnect order", func(c *Config) { c.Transport.ReconnectMaxSec = 0 }, "reconnect_max"},
		{"freshness below heartbeat", func(c *Config) { c.Presence.FreshnessSec = 10 }, "freshness"},
		{"typing timeout", func(c *Config) { c.Typing.TimeoutMS = 0 }, "typing.timeout_ms"},
		{"notify capacity", func(c *Config) { c.Notify.Capacity = 0 }, "notify.capacity"},
		{"ice server", func(c *Config) { c.Call.ICEServers = []string{"http://example.org"} }, "ice_servers"},
		{"buffer size", func(c *Config) { c.Messages.BufferSize = -1 }, "buffer_size"},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"memory ignores url", func(c *Config) { c.Transport.Kind = TransportMemory; c.Transport.URL = "" }, ""},
		{"turn server", func(c *Config) { c.Call.ICEServers = []string{"turn:turn.example.org:3478"} }, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"user_id":"bob"},"typing":{"timeout_ms":1500}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.UserID != "bob" || cfg.Typing.TimeoutMS != 1500 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Presence.HeartbeatSec != 30 || cfg.Call.Channel != "calls" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	os.WriteFile(path, []byte(`{"identity":{"user_id":"bob"},"transport":{"kind":"smoke"}}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config loaded")
	}
	os.WriteFile(path, []byte(`{not json`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("broken json loaded")
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "hub.json")
	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("first ensure = %v, %v", created, err)
	}
	if !strings.HasPrefix(cfg.Identity.UserID, "user-") {
		t.Fatalf("generated user id = %q", cfg.Identity.UserID)
	}
	again, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second ensure = %v, %v", created, err)
	}
	if again.Identity.UserID != cfg.Identity.UserID {
		t.Fatalf("user id changed: %q -> %q", cfg.Identity.UserID, again.Identity.UserID)
	}
}

func TestSaveValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	if err := Save(path, Default()); err == nil {
		t.Fatal("saved config without user id")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("invalid config written")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.json")
	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 8)
	if err := Watch(ctx, path, func(c Config) {
		select {
		case got <- c:
		default:
		}
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// An invalid edit is skipped.
	os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644)
	os.WriteFile(path, []byte(`{"identity":{"user_id":"alice"},"log":{"level":"chatty"}}`), 0o644)

	cfg.Log.Level = "debug"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Log.Level == "chatty" {
				t.Fatal("invalid config delivered")
			}
			if c.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("reload not delivered")
		}
	}
}

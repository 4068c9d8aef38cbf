package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/config")

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportWS     = "ws"
	TransportP2P    = "p2p"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Transport Transport `json:"transport"`
	Presence  Presence  `json:"presence"`
	Typing    Typing    `json:"typing"`
	Notify    Notify    `json:"notify"`
	Call      Call      `json:"call"`
	Messages  Messages  `json:"messages"`
	Relay     Relay     `json:"relay"`
	Log       Log       `json:"log"`
	Metrics   Metrics   `json:"metrics"`
}

type Identity struct {
	UserID string `json:"user_id"`
	Device string `json:"device"`
}

type Transport struct {
	// One of "memory", "ws", "p2p".
	Kind string `json:"kind"`

	// Relay endpoint for kind "ws", e.g. ws://localhost:8787/socket
	URL string `json:"url"`

	// Gossipsub topic prefix and listen port for kind "p2p". Port 0 picks a
	// free one.
	TopicPrefix string   `json:"topic_prefix"`
	ListenPort  int      `json:"listen_port"`
	Bootstrap   []string `json:"bootstrap"`
	// Peer identity key; empty uses a new identity on every start.
	KeyFile string `json:"key_file"`
	// mDNS discovery tag; empty disables LAN discovery.
	MDNSTag string `json:"mdns_tag"`

	ReconnectMinSec int `json:"reconnect_min_seconds"`
	ReconnectMaxSec int `json:"reconnect_max_seconds"`
	OpenTimeoutSec  int `json:"open_timeout_seconds"`
}

type Presence struct {
	Channel      string `json:"channel"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
	FreshnessSec int    `json:"freshness_seconds"`
}

type Typing struct {
	TimeoutMS int `json:"timeout_ms"`
}

type Notify struct {
	ChannelPrefix string `json:"channel_prefix"`
	Capacity      int    `json:"capacity"`
	// 0 keeps notifications until they fall out of the buffer.
	MaxAgeSec     int  `json:"max_age_seconds"`
	NativeEnabled bool `json:"native_enabled"`
}

type Call struct {
	Channel    string   `json:"channel"`
	ICEServers []string `json:"ice_servers"`
	// SQLite file for call history and contacts. Empty keeps history in
	// memory only.
	HistoryDB    string `json:"history_db"`
	HistoryLimit int    `json:"history_limit"`
}

type Messages struct {
	BufferSize int `json:"buffer_size"`
}

type Relay struct {
	Addr string `json:"addr"`
}

type Log struct {
	Level string `json:"level"`
}

type Metrics struct {
	Enabled bool `json:"enabled"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Device: "desktop",
		},
		Transport: Transport{
			Kind:            TransportWS,
			URL:             "ws://127.0.0.1:8787/socket",
			TopicPrefix:     "chathub.",
			ListenPort:      0,
			MDNSTag:         "chathub",
			ReconnectMinSec: 1,
			ReconnectMaxSec: 30,
			OpenTimeoutSec:  10,
		},
		Presence: Presence{
			Channel:      "presence",
			HeartbeatSec: 30,
			FreshnessSec: 300,
		},
		Typing: Typing{
			TimeoutMS: 3000,
		},
		Notify: Notify{
			ChannelPrefix: "notifications:",
			Capacity:      50,
			MaxAgeSec:     0,
			NativeEnabled: true,
		},
		Call: Call{
			Channel:      "calls",
			HistoryLimit: 100,
		},
		Messages: Messages{
			BufferSize: 200,
		},
		Relay: Relay{
			Addr: "127.0.0.1:8787",
		},
		Log: Log{
			Level: "info",
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateName(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// Transport
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportWS:
		if err := validateRelayURL(strings.TrimSpace(c.Transport.URL)); err != nil {
			return fmt.Errorf("transport.url: %w", err)
		}
	case TransportP2P:
		if strings.TrimSpace(c.Transport.TopicPrefix) == "" {
			return errors.New("transport.topic_prefix is required for p2p")
		}
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
		for _, b := range c.Transport.Bootstrap {
			if _, err := ma.NewMultiaddr(b); err != nil {
				return fmt.Errorf("transport.bootstrap: %q: %w", b, err)
			}
		}
	default:
		return fmt.Errorf("transport.kind must be memory, ws or p2p (got %q)", c.Transport.Kind)
	}
	if c.Transport.ReconnectMinSec <= 0 {
		return errors.New("transport.reconnect_min_seconds must be > 0")
	}
	if c.Transport.ReconnectMaxSec < c.Transport.ReconnectMinSec {
		return errors.New("transport.reconnect_max_seconds must be >= reconnect_min_seconds")
	}
	if c.Transport.OpenTimeoutSec <= 0 {
		return errors.New("transport.open_timeout_seconds must be > 0")
	}

	// Presence
	if _, err := util.ValidateName(c.Presence.Channel); err != nil {
		return fmt.Errorf("presence.channel: %w", err)
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.FreshnessSec <= c.Presence.HeartbeatSec {
		return errors.New("presence.freshness_seconds must be > presence.heartbeat_seconds")
	}

	// Typing
	if c.Typing.TimeoutMS <= 0 {
		return errors.New("typing.timeout_ms must be > 0")
	}

	// Notify
	if strings.TrimSpace(c.Notify.ChannelPrefix) == "" {
		return errors.New("notify.channel_prefix is required")
	}
	if c.Notify.Capacity <= 0 {
		return errors.New("notify.capacity must be > 0")
	}
	if c.Notify.MaxAgeSec < 0 {
		return errors.New("notify.max_age_seconds must be >= 0")
	}

	// Call
	if _, err := util.ValidateName(c.Call.Channel); err != nil {
		return fmt.Errorf("call.channel: %w", err)
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.HistoryLimit <= 0 {
		return errors.New("call.history_limit must be > 0")
	}

	// Messages
	if c.Messages.BufferSize <= 0 {
		return errors.New("messages.buffer_size must be > 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func validateRelayURL(raw string) error {
	if raw == "" {
		return errors.New("required for ws transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// Durations derived from the second/millisecond fields.

func (t Transport) ReconnectMin() time.Duration { return time.Duration(t.ReconnectMinSec) * time.Second }
func (t Transport) ReconnectMax() time.Duration { return time.Duration(t.ReconnectMaxSec) * time.Second }
func (t Transport) OpenTimeout() time.Duration  { return time.Duration(t.OpenTimeoutSec) * time.Second }
func (p Presence) Heartbeat() time.Duration     { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Presence) Freshness() time.Duration     { return time.Duration(p.FreshnessSec) * time.Second }
func (t Typing) Timeout() time.Duration         { return time.Duration(t.TimeoutMS) * time.Millisecond }
func (n Notify) MaxAge() time.Duration          { return time.Duration(n.MaxAgeSec) * time.Second }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with a generated user id.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = "user-" + uuid.NewString()[:8]
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	log.Infof("config: created %s for %s", path, cfg.Identity.UserID)
	return cfg, true, nil
}

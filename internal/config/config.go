package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goop2-rtc/internal/util"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportGossip = "gossip"
	TransportValkey = "valkey"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Transport Transport `json:"transport"`
	Channels  Channels  `json:"channels"`
	Signal    Signal    `json:"signal"`
	Typing    Typing    `json:"typing"`
	Storage   Storage   `json:"storage"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// UserID names this user's call channel; no spaces or ':'.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	// KeyFile holds the libp2p identity for the gossip transport.
	KeyFile string `json:"key_file"`
}

type Transport struct {
	Kind string `json:"kind"`

	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap"` // multiaddrs with /p2p/ peer id

	Valkey Valkey `json:"valkey"`
}

type Valkey struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

type Channels struct {
	CleanupDelaySec int `json:"cleanup_delay_seconds"`
}

type Signal struct {
	ChannelPrefix      string `json:"channel_prefix"`
	Attempts           int    `json:"attempts"`
	SubscribeTimeoutMs int    `json:"subscribe_timeout_ms"`
	BackoffMs          int    `json:"backoff_ms"`
	RingTimeoutSec     int    `json:"ring_timeout_seconds"`
	HistorySize        int    `json:"history_size"`
}

type Typing struct {
	Table      string `json:"table"`
	ExpiryMs   int    `json:"expiry_ms"`
	AutoStopMs int    `json:"auto_stop_ms"`
	IdleMs     int    `json:"idle_ms"`
}

type Storage struct {
	Dir           string `json:"dir"`
	StaleAfterSec int    `json:"stale_after_seconds"`
}

type Log struct {
	Level string `json:"level"`
	// Subsystems overrides Level per logger name, e.g. {"signal": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Transport: Transport{
			Kind:       TransportMemory,
			ListenPort: 0,
			MdnsTag:    "goop2-rtc-mdns",
			Valkey: Valkey{
				Address:   "localhost:6379",
				KeyPrefix: "goop2rtc",
			},
		},
		Channels: Channels{
			CleanupDelaySec: 300,
		},
		Signal: Signal{
			ChannelPrefix:      "calls:",
			Attempts:           3,
			SubscribeTimeoutMs: 500,
			BackoffMs:          200,
			RingTimeoutSec:     30,
			HistorySize:        50,
		},
		Typing: Typing{
			Table:      "typing_indicators",
			ExpiryMs:   5000,
			AutoStopMs: 3000,
			IdleMs:     1500,
		},
		Storage: Storage{
			Dir:           "data",
			StaleAfterSec: 30,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.UserID != "" {
		if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Transport
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportGossip:
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the gossip transport")
		}
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Transport.MdnsTag) == "" && len(c.Transport.Bootstrap) == 0 {
			return errors.New("transport.mdns_tag or transport.bootstrap is required for the gossip transport")
		}
		for _, s := range c.Transport.Bootstrap {
			if _, err := ma.NewMultiaddr(s); err != nil {
				return fmt.Errorf("transport.bootstrap %q: %w", s, err)
			}
		}
	case TransportValkey:
		if err := validateHostPort(c.Transport.Valkey.Address); err != nil {
			return fmt.Errorf("transport.valkey.address: %w", err)
		}
		if c.Transport.Valkey.DB < 0 {
			return errors.New("transport.valkey.db must be >= 0")
		}
	default:
		return fmt.Errorf("transport.kind must be %s, %s or %s", TransportMemory, TransportGossip, TransportValkey)
	}

	// Channels
	if c.Channels.CleanupDelaySec <= 0 {
		return errors.New("channels.cleanup_delay_seconds must be > 0")
	}

	// Signal
	if strings.TrimSpace(c.Signal.ChannelPrefix) == "" {
		return errors.New("signal.channel_prefix is required")
	}
	if c.Signal.Attempts < 1 || c.Signal.Attempts > 10 {
		return errors.New("signal.attempts must be 1..10")
	}
	if c.Signal.SubscribeTimeoutMs <= 0 {
		return errors.New("signal.subscribe_timeout_ms must be > 0")
	}
	if c.Signal.BackoffMs < 0 {
		return errors.New("signal.backoff_ms must be >= 0")
	}
	if c.Signal.RingTimeoutSec <= 0 {
		return errors.New("signal.ring_timeout_seconds must be > 0")
	}
	if c.Signal.HistorySize <= 0 {
		return errors.New("signal.history_size must be > 0")
	}

	// Typing
	if err := util.ValidateTableName(c.Typing.Table); err != nil {
		return fmt.Errorf("typing.table: %w", err)
	}
	if c.Typing.ExpiryMs <= 0 || c.Typing.AutoStopMs <= 0 || c.Typing.IdleMs <= 0 {
		return errors.New("typing.expiry_ms, typing.auto_stop_ms and typing.idle_ms must be > 0")
	}
	if c.Typing.IdleMs >= c.Typing.AutoStopMs {
		return errors.New("typing.idle_ms must be < typing.auto_stop_ms")
	}

	// Storage
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}
	if c.Storage.StaleAfterSec <= 0 {
		return errors.New("storage.stale_after_seconds must be > 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}

	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return errors.New("must be host:port")
	}
	return nil
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func (c Channels) CleanupDelay() time.Duration   { return sec(c.CleanupDelaySec) }
func (s Signal) SubscribeTimeout() time.Duration { return ms(s.SubscribeTimeoutMs) }
func (s Signal) Backoff() time.Duration          { return ms(s.BackoffMs) }
func (s Signal) RingTimeout() time.Duration      { return sec(s.RingTimeoutSec) }
func (t Typing) Expiry() time.Duration           { return ms(t.ExpiryMs) }
func (t Typing) AutoStop() time.Duration         { return ms(t.AutoStopMs) }
func (t Typing) Idle() time.Duration             { return ms(t.IdleMs) }
func (s Storage) StaleAfter() time.Duration      { return sec(s.StaleAfterSec) }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
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

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

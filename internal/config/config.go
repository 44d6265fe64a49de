// Package config manages gohdcp daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/revocation"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gohdcp configuration.
type Config struct {
	API         APIConfig         `koanf:"api"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	Link        LinkConfig        `koanf:"link"`
	Transmitter TransmitterConfig `koanf:"transmitter"`
	Receiver    ReceiverConfig    `koanf:"receiver"`
	Revocation  RevocationConfig  `koanf:"revocation"`
}

// APIConfig holds the ConnectRPC control server configuration.
type APIConfig struct {
	// Addr is the listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// LinkConfig holds the emulated link parameters shared by both engines.
type LinkConfig struct {
	// Protocol is "hdmi" or "dp".
	Protocol string `koanf:"protocol"`

	// PollInterval is the period of the engine poll loop.
	PollInterval time.Duration `koanf:"poll_interval"`

	// RekeyInterval is the period of the simulated Ri rekey frame.
	RekeyInterval time.Duration `koanf:"rekey_interval"`

	// LaneCount is the DisplayPort lane count (1..4).
	LaneCount int `koanf:"lane_count"`

	// KeySelect picks one of the eight device key sets.
	KeySelect uint8 `koanf:"key_select"`

	// EncryptionMap is the stream bitmap encrypted once authenticated.
	EncryptionMap uint64 `koanf:"encryption_map"`

	// AutoAuthenticate starts authentication when the link comes up.
	AutoAuthenticate bool `koanf:"auto_authenticate"`

	// CipherLatency is the number of polls a cipher request stays pending.
	// The transmitter waits at most hdcp.RequestSpinLimit polls for An.
	CipherLatency int `koanf:"cipher_latency"`
}

// TransmitterConfig holds the transmitter identity.
type TransmitterConfig struct {
	// Ksv is the transmitter key selection vector in hex.
	Ksv string `koanf:"ksv"`
}

// ReceiverConfig holds the receiver identity and downstream topology.
type ReceiverConfig struct {
	// Ksv is the receiver key selection vector in hex.
	Ksv string `koanf:"ksv"`

	Repeater RepeaterConfig `koanf:"repeater"`
}

// RepeaterConfig describes the emulated downstream topology.
type RepeaterConfig struct {
	// Enabled makes the receiver advertise itself as a repeater.
	Enabled bool `koanf:"enabled"`

	// Depth is the reported cascade depth.
	Depth int `koanf:"depth"`

	// Ksvs lists downstream device KSVs in hex.
	Ksvs []string `koanf:"ksvs"`

	// ReadyFrames is the number of rekey frames before READY is asserted.
	ReadyFrames int `koanf:"ready_frames"`
}

// RevocationConfig names the revoked KSV sources.
type RevocationConfig struct {
	// Ksvs lists revoked KSVs inline.
	Ksvs []string `koanf:"ksvs"`

	// File is a YAML or TOML (by .toml extension) revocation list.
	File string `koanf:"file"`

	// SRM is an HDCP 1.x System Renewability Message.
	SRM string `koanf:"srm"`
}

// Sources converts the section for revocation.Load.
func (rc RevocationConfig) Sources() revocation.Sources {
	return revocation.Sources{Ksvs: rc.Ksvs, File: rc.File, SRM: rc.SRM}
}

// ParsedProtocol parses the Protocol string.
func (lc LinkConfig) ParsedProtocol() (hdcp.Protocol, error) {
	p, err := hdcp.ParseProtocol(lc.Protocol)
	if err != nil {
		return 0, fmt.Errorf("link protocol %q: %w", lc.Protocol, err)
	}
	return p, nil
}

// ParsedKsv parses the transmitter KSV.
func (tc TransmitterConfig) ParsedKsv() (hdcp.Ksv, error) { return parseIdentity("transmitter", tc.Ksv) }

// ParsedKsv parses the receiver KSV.
func (rc ReceiverConfig) ParsedKsv() (hdcp.Ksv, error) { return parseIdentity("receiver", rc.Ksv) }

// ParsedKsvs parses the downstream KSV list.
func (rc RepeaterConfig) ParsedKsvs() ([]hdcp.Ksv, error) {
	ksvs, err := revocation.ParseKsvs(rc.Ksvs)
	if err != nil {
		return nil, fmt.Errorf("receiver.repeater.ksvs: %w", err)
	}
	return ksvs, nil
}

func parseIdentity(section, s string) (hdcp.Ksv, error) {
	k, err := hdcp.ParseKsv(s)
	if err != nil {
		return 0, fmt.Errorf("%s.ksv %q: %w", section, s, err)
	}
	if !k.IsValid() {
		return 0, fmt.Errorf("%s.ksv %s: %w", section, k, hdcp.ErrInvalidKsv)
	}
	return k, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The rekey interval approximates the 128-frame Ri period at 60 Hz. It must
// stay well above the 100ms Ro' settle time or the receiver overwrites Ro'
// before the transmitter reads it.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Link: LinkConfig{
			Protocol:         "hdmi",
			PollInterval:     10 * time.Millisecond,
			RekeyInterval:    2 * time.Second,
			LaneCount:        4,
			EncryptionMap:    0x1,
			AutoAuthenticate: true,
		},
		Transmitter: TransmitterConfig{
			Ksv: "0f0f0f0f0f",
		},
		Receiver: ReceiverConfig{
			Ksv: "f0f0f0f0f0",
			Repeater: RepeaterConfig{
				ReadyFrames: 1,
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gohdcp configuration.
// Variables are named GOHDCP_<section>_<key>, e.g., GOHDCP_LINK_POLL_INTERVAL.
const envPrefix = "GOHDCP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOHDCP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOHDCP_API_ADDR                -> api.addr
//	GOHDCP_METRICS_ADDR            -> metrics.addr
//	GOHDCP_LOG_LEVEL               -> log.level
//	GOHDCP_LINK_PROTOCOL           -> link.protocol
//	GOHDCP_LINK_ENCRYPTION_MAP     -> link.encryption_map
//	GOHDCP_TRANSMITTER_KSV         -> transmitter.ksv
//	GOHDCP_REVOCATION_SRM          -> revocation.srm
//
// Nested sections such as receiver.repeater are file-only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOHDCP_LINK_POLL_INTERVAL -> link.poll_interval.
// The first underscore separates the section from the key.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":                       defaults.API.Addr,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
		"link.protocol":                  defaults.Link.Protocol,
		"link.poll_interval":             defaults.Link.PollInterval.String(),
		"link.rekey_interval":            defaults.Link.RekeyInterval.String(),
		"link.lane_count":                defaults.Link.LaneCount,
		"link.key_select":                defaults.Link.KeySelect,
		"link.encryption_map":            defaults.Link.EncryptionMap,
		"link.auto_authenticate":         defaults.Link.AutoAuthenticate,
		"link.cipher_latency":            defaults.Link.CipherLatency,
		"transmitter.ksv":                defaults.Transmitter.Ksv,
		"receiver.ksv":                   defaults.Receiver.Ksv,
		"receiver.repeater.ready_frames": defaults.Receiver.Repeater.ReadyFrames,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAPIAddr indicates the control API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidPollInterval indicates a non-positive poll interval.
	ErrInvalidPollInterval = errors.New("link.poll_interval must be > 0")

	// ErrInvalidRekeyInterval indicates a non-positive rekey interval.
	ErrInvalidRekeyInterval = errors.New("link.rekey_interval must be > 0")

	// ErrInvalidLaneCount indicates a lane count outside 1..4.
	ErrInvalidLaneCount = errors.New("link.lane_count must be between 1 and 4")

	// ErrInvalidKeySelect indicates a key select outside 0..7.
	ErrInvalidKeySelect = errors.New("link.key_select must be between 0 and 7")

	// ErrInvalidCipherLatency indicates a cipher latency outside
	// 0..hdcp.RequestSpinLimit.
	ErrInvalidCipherLatency = errors.New("link.cipher_latency out of range")

	// ErrInvalidTopology indicates a repeater topology out of range.
	ErrInvalidTopology = errors.New("receiver.repeater topology out of range")

	// ErrSameKsv indicates both ends share one KSV.
	ErrSameKsv = errors.New("transmitter and receiver KSVs must differ")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if err := validateLink(cfg.Link); err != nil {
		return err
	}

	txKsv, err := cfg.Transmitter.ParsedKsv()
	if err != nil {
		return err
	}
	rxKsv, err := cfg.Receiver.ParsedKsv()
	if err != nil {
		return err
	}
	if txKsv == rxKsv {
		return ErrSameKsv
	}

	if err := validateRepeater(cfg.Receiver.Repeater); err != nil {
		return err
	}

	if _, err := revocation.ParseKsvs(cfg.Revocation.Ksvs); err != nil {
		return fmt.Errorf("revocation.ksvs: %w", err)
	}

	return nil
}

func validateLink(lc LinkConfig) error {
	if _, err := lc.ParsedProtocol(); err != nil {
		return err
	}
	if lc.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if lc.RekeyInterval <= 0 {
		return ErrInvalidRekeyInterval
	}
	if lc.LaneCount < 1 || lc.LaneCount > 4 {
		return ErrInvalidLaneCount
	}
	if lc.KeySelect > 7 {
		return ErrInvalidKeySelect
	}
	if lc.CipherLatency < 0 || lc.CipherLatency > hdcp.RequestSpinLimit {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidCipherLatency, lc.CipherLatency, hdcp.RequestSpinLimit)
	}
	return nil
}

func validateRepeater(rc RepeaterConfig) error {
	if !rc.Enabled {
		return nil
	}

	ksvs, err := rc.ParsedKsvs()
	if err != nil {
		return err
	}
	if len(ksvs) > hdcp.MaxRepeaterDevices {
		return fmt.Errorf("%d devices: %w", len(ksvs), ErrInvalidTopology)
	}
	if rc.Depth < 0 || rc.Depth > hdcp.MaxRepeaterDepth || rc.ReadyFrames < 0 {
		return fmt.Errorf("depth %d ready_frames %d: %w", rc.Depth, rc.ReadyFrames, ErrInvalidTopology)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

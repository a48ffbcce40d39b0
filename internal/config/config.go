package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/calibration"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string             `yaml:"log_level"`
	BLE         BLEConfig          `yaml:"ble"`
	Calibration CalibrationConfig  `yaml:"calibration"`
	Controllers []ControllerConfig `yaml:"controllers"`
	Fleet       FleetConfig        `yaml:"fleet"`
	Redis       RedisConfig        `yaml:"redis"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// BLEConfig holds radio and link settings.
type BLEConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CalibrationConfig holds the speed plan, timings and thresholds.
type CalibrationConfig struct {
	Speeds                 []int         `yaml:"speeds"`
	ToleranceKmh           int           `yaml:"tolerance_kmh"`
	UseSpeedLimit          bool          `yaml:"use_speed_limit"` // send 0xA2 instead of 0x02
	LockThresholdKmh       int           `yaml:"lock_threshold_kmh"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	InterConnectDelay      time.Duration `yaml:"inter_connect_delay"`
	ReadyDelay             time.Duration `yaml:"ready_delay"`
	Settle                 time.Duration `yaml:"settle"`
	Cooldown               time.Duration `yaml:"cooldown"`
	InterStepDelay         time.Duration `yaml:"inter_step_delay"`
	Thermal                ThermalConfig `yaml:"thermal"`
}

// ThermalConfig holds temperature thresholds in °C.
type ThermalConfig struct {
	MotorWarningC    int `yaml:"motor_warning_c"`
	MotorCriticalC   int `yaml:"motor_critical_c"`
	BatteryWarningC  int `yaml:"battery_warning_c"`
	BatteryCriticalC int `yaml:"battery_critical_c"`
}

// ControllerConfig names one controller under test.
type ControllerConfig struct {
	Label   string `yaml:"label"`
	Address string `yaml:"address"`
}

// FleetConfig says where fleet records come from.
type FleetConfig struct {
	File  string `yaml:"file"`  // local YAML/JSON export
	URL   string `yaml:"url"`   // registry export to download
	Cache string `yaml:"cache"` // where downloads are written
}

// RedisConfig holds report publishing settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	Channel  string `yaml:"channel"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "scootcal")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cachePath := filepath.Join(home, ".local", "share", "scootcal", "fleet.json")

	opts := calibration.DefaultOptions()
	policy := calibration.DefaultThermalPolicy()

	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ConnectRetries: 2,
			RequestTimeout: 2 * time.Second,
		},
		Calibration: CalibrationConfig{
			Speeds:                 append([]int(nil), calibration.DefaultSpeeds...),
			ToleranceKmh:           calibration.DefaultToleranceKmh,
			LockThresholdKmh:       calibration.DefaultLockThresholdKmh,
			MaxConsecutiveFailures: 3,
			InterConnectDelay:      opts.InterConnectDelay,
			ReadyDelay:             opts.ReadyDelay,
			Settle:                 opts.Settle,
			Cooldown:               opts.Cooldown,
			InterStepDelay:         opts.InterStepDelay,
			Thermal: ThermalConfig{
				MotorWarningC:    policy.MotorWarningC,
				MotorCriticalC:   policy.MotorCriticalC,
				BatteryWarningC:  policy.BatteryWarningC,
				BatteryCriticalC: policy.BatteryCriticalC,
			},
		},
		Fleet: FleetConfig{
			Cache: cachePath,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Prefix:  "scootcal",
			Channel: "scootcal:runs",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in fleet paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Fleet.File = expandTilde(cfg.Fleet.File)
	cfg.Fleet.Cache = expandTilde(cfg.Fleet.Cache)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.RequestTimeout <= 0 {
		return fmt.Errorf("ble.request_timeout must be > 0")
	}
	if c.BLE.ConnectRetries < 0 {
		return fmt.Errorf("ble.connect_retries must be >= 0")
	}

	if err := c.Calibration.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, ctrl := range c.Controllers {
		if ctrl.Label == "" || ctrl.Address == "" {
			return fmt.Errorf("controllers[%d] needs both label and address", i)
		}
		if seen[ctrl.Label] {
			return fmt.Errorf("controllers[%d]: duplicate label %q", i, ctrl.Label)
		}
		seen[ctrl.Label] = true
	}

	if c.Fleet.URL != "" {
		u, err := url.Parse(c.Fleet.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("fleet.url must be an http(s) URL, got %q", c.Fleet.URL)
		}
		if c.Fleet.Cache == "" {
			return fmt.Errorf("fleet.cache must be set when fleet.url is")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty when redis is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen must not be empty when metrics are enabled")
	}

	return nil
}

func (c *CalibrationConfig) validate() error {
	if len(c.Speeds) == 0 {
		return fmt.Errorf("calibration.speeds must not be empty")
	}
	if err := calibration.ValidateSpeeds(c.Speeds); err != nil {
		return fmt.Errorf("calibration.speeds: %w", err)
	}
	if c.ToleranceKmh < 0 {
		return fmt.Errorf("calibration.tolerance_kmh must be >= 0")
	}
	if c.LockThresholdKmh <= 0 {
		return fmt.Errorf("calibration.lock_threshold_kmh must be > 0")
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("calibration.max_consecutive_failures must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"inter_connect_delay": c.InterConnectDelay,
		"ready_delay":         c.ReadyDelay,
		"settle":              c.Settle,
		"cooldown":            c.Cooldown,
		"inter_step_delay":    c.InterStepDelay,
	} {
		if d < 0 {
			return fmt.Errorf("calibration.%s must be >= 0", name)
		}
	}
	if err := c.ThermalPolicy().Validate(); err != nil {
		return fmt.Errorf("calibration.thermal: %w", err)
	}
	return nil
}

// ThermalPolicy converts the thermal section.
func (c *CalibrationConfig) ThermalPolicy() calibration.ThermalPolicy {
	return calibration.ThermalPolicy{
		MotorWarningC:    c.Thermal.MotorWarningC,
		MotorCriticalC:   c.Thermal.MotorCriticalC,
		BatteryWarningC:  c.Thermal.BatteryWarningC,
		BatteryCriticalC: c.Thermal.BatteryCriticalC,
	}
}

// OrchestratorOptions converts the calibration section.
func (c *CalibrationConfig) OrchestratorOptions() calibration.Options {
	opts := calibration.DefaultOptions()
	opts.InterConnectDelay = c.InterConnectDelay
	opts.ReadyDelay = c.ReadyDelay
	opts.Settle = c.Settle
	opts.Cooldown = c.Cooldown
	opts.InterStepDelay = c.InterStepDelay
	opts.Policy = c.ThermalPolicy()
	opts.LockThresholdKmh = c.LockThresholdKmh
	opts.MaxConsecutiveFailures = c.MaxConsecutiveFailures
	return opts
}

// SessionOptions converts the per-session settings. A zero tolerance is kept
// as an exact match.
func (c *CalibrationConfig) SessionOptions() calibration.SessionOptions {
	tol := c.ToleranceKmh
	if tol == 0 {
		tol = -1
	}
	return calibration.SessionOptions{ToleranceKmh: tol, UseSpeedLimit: c.UseSpeedLimit}
}

// LinkOptions converts the ble section.
func (c *BLEConfig) LinkOptions() ble.LinkOptions {
	opts := ble.DefaultLinkOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.ConnectRetries = c.ConnectRetries
	opts.RequestTimeout = c.RequestTimeout
	return opts
}

// ParseLogLevel maps a config log level to slog. Unknown values give info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultTemplate = `# scootcal configuration
# Durations use Go syntax: 500ms, 3s, 1m.

log_level: info # debug, info, warn, error

ble:
  scan_timeout: 10s
  connect_timeout: 10s
  connect_retries: 2
  request_timeout: 2s

calibration:
  speeds: [40, 45, 50, 55, 60]
  tolerance_kmh: 2
  use_speed_limit: false # true sends the 0xA2 speed limit command
  lock_threshold_kmh: 45
  max_consecutive_failures: 3
  inter_connect_delay: 1s
  ready_delay: 2s
  settle: 3s
  cooldown: 30s
  inter_step_delay: 5s
  thermal:
    motor_warning_c: 70
    motor_critical_c: 80
    battery_warning_c: 50
    battery_critical_c: 60

# Controllers compared by "scootcal calibrate".
controllers: []
#  - label: left
#    address: "AA:BB:CC:DD:EE:01"
#  - label: right
#    address: "AA:BB:CC:DD:EE:02"

fleet:
  file: ""
  url: ""
  cache: ~/.local/share/scootcal/fleet.json

redis:
  enabled: false
  addr: localhost:6379
  password: ""
  db: 0
  prefix: scootcal
  channel: scootcal:runs

metrics:
  enabled: false
  listen: ":9464"
`

// WriteDefault writes the commented default config to DefaultConfigPath.
// It returns the path written, or "" if a config already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if path == "config.yaml" {
		return "", fmt.Errorf("cannot determine home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

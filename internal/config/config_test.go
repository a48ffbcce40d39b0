package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/scootcal/internal/calibration"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if len(cfg.Calibration.Speeds) != 5 || cfg.Calibration.Speeds[0] != 40 || cfg.Calibration.Speeds[4] != 60 {
		t.Errorf("Calibration.Speeds = %v, want [40 45 50 55 60]", cfg.Calibration.Speeds)
	}
	if cfg.Calibration.ToleranceKmh != 2 {
		t.Errorf("Calibration.ToleranceKmh = %d, want 2", cfg.Calibration.ToleranceKmh)
	}
	if cfg.Calibration.Cooldown != 30*time.Second {
		t.Errorf("Calibration.Cooldown = %v, want 30s", cfg.Calibration.Cooldown)
	}
	if cfg.Calibration.Thermal.MotorCriticalC != 80 {
		t.Errorf("Thermal.MotorCriticalC = %d, want 80", cfg.Calibration.Thermal.MotorCriticalC)
	}
	if cfg.Redis.Enabled || cfg.Metrics.Enabled {
		t.Error("redis and metrics should be off by default")
	}
	if cfg.Fleet.Cache == "" {
		t.Error("Fleet.Cache should not be empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDefaultSpeedsAreCopied(t *testing.T) {
	cfg := Default()
	cfg.Calibration.Speeds[0] = 99
	if calibration.DefaultSpeeds[0] != 40 {
		t.Error("Default() shares the calibration.DefaultSpeeds backing array")
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
log_level: debug
ble:
  request_timeout: 500ms
calibration:
  speeds: [30, 35]
  use_speed_limit: true
  cooldown: 1m
  thermal:
    motor_warning_c: 65
controllers:
  - label: left
    address: "AA:BB:CC:DD:EE:01"
  - label: right
    address: "AA:BB:CC:DD:EE:02"
redis:
  enabled: true
  addr: redis:6379
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.BLE.RequestTimeout != 500*time.Millisecond {
		t.Errorf("BLE.RequestTimeout = %v, want 500ms", cfg.BLE.RequestTimeout)
	}
	if cfg.BLE.ConnectTimeout != 10*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want default 10s", cfg.BLE.ConnectTimeout)
	}
	if len(cfg.Calibration.Speeds) != 2 || cfg.Calibration.Speeds[1] != 35 {
		t.Errorf("Calibration.Speeds = %v, want [30 35]", cfg.Calibration.Speeds)
	}
	if !cfg.Calibration.UseSpeedLimit {
		t.Error("Calibration.UseSpeedLimit = false, want true")
	}
	if cfg.Calibration.Cooldown != time.Minute {
		t.Errorf("Calibration.Cooldown = %v, want 1m", cfg.Calibration.Cooldown)
	}
	if cfg.Calibration.Thermal.MotorWarningC != 65 || cfg.Calibration.Thermal.MotorCriticalC != 80 {
		t.Errorf("Thermal = %+v, want warning 65 with default critical", cfg.Calibration.Thermal)
	}
	if len(cfg.Controllers) != 2 || cfg.Controllers[1].Label != "right" {
		t.Errorf("Controllers = %+v", cfg.Controllers)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" || cfg.Redis.Prefix != "scootcal" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfgPath := writeConfig(t, `
fleet:
  file: ~/fleet/export.yaml
  cache: ~/cache/fleet.json
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "fleet/export.yaml"); cfg.Fleet.File != want {
		t.Errorf("Fleet.File = %q, want %q", cfg.Fleet.File, want)
	}
	if want := filepath.Join(home, "cache/fleet.json"); cfg.Fleet.Cache != want {
		t.Errorf("Fleet.Cache = %q, want %q", cfg.Fleet.Cache, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	cfgPath := writeConfig(t, "calibration:\n  settle: soon\n")
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "zero request timeout",
			modify:  func(c *Config) { c.BLE.RequestTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.BLE.ConnectRetries = -1 },
			wantErr: true,
		},
		{
			name:    "empty speeds",
			modify:  func(c *Config) { c.Calibration.Speeds = nil },
			wantErr: true,
		},
		{
			name:    "speed does not fit a byte",
			modify:  func(c *Config) { c.Calibration.Speeds = []int{40, 300} },
			wantErr: true,
		},
		{
			name:    "speeds not ascending",
			modify:  func(c *Config) { c.Calibration.Speeds = []int{45, 40, 45} },
			wantErr: true,
		},
		{
			name:    "repeated speed",
			modify:  func(c *Config) { c.Calibration.Speeds = []int{40, 45, 45} },
			wantErr: true,
		},
		{
			name:    "negative tolerance",
			modify:  func(c *Config) { c.Calibration.ToleranceKmh = -1 },
			wantErr: true,
		},
		{
			name:    "negative settle",
			modify:  func(c *Config) { c.Calibration.Settle = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero delays allowed",
			modify:  func(c *Config) { c.Calibration.InterStepDelay = 0; c.Calibration.Cooldown = 0 },
			wantErr: false,
		},
		{
			name:    "critical below warning",
			modify:  func(c *Config) { c.Calibration.Thermal.BatteryCriticalC = 40 },
			wantErr: true,
		},
		{
			name: "duplicate controller label",
			modify: func(c *Config) {
				c.Controllers = []ControllerConfig{{"a", "AA:01"}, {"a", "AA:02"}}
			},
			wantErr: true,
		},
		{
			name:    "controller without address",
			modify:  func(c *Config) { c.Controllers = []ControllerConfig{{Label: "a"}} },
			wantErr: true,
		},
		{
			name:    "fleet url not http",
			modify:  func(c *Config) { c.Fleet.URL = "ftp://registry/export.json" },
			wantErr: true,
		},
		{
			name:    "fleet url ok",
			modify:  func(c *Config) { c.Fleet.URL = "https://registry.example.com/export.json" },
			wantErr: false,
		},
		{
			name:    "redis enabled without addr",
			modify:  func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" },
			wantErr: true,
		},
		{
			name:    "metrics enabled without listen",
			modify:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrchestratorOptions(t *testing.T) {
	cfg := Default()
	cfg.Calibration.Settle = 0
	cfg.Calibration.Thermal.MotorWarningC = 60
	cfg.Calibration.MaxConsecutiveFailures = 5

	opts := cfg.Calibration.OrchestratorOptions()
	if opts.Settle != 0 {
		t.Errorf("Settle = %v, want 0", opts.Settle)
	}
	if opts.Cooldown != 30*time.Second {
		t.Errorf("Cooldown = %v, want 30s", opts.Cooldown)
	}
	if opts.Policy.MotorWarningC != 60 || opts.Policy.MotorCriticalC != 80 {
		t.Errorf("Policy = %+v", opts.Policy)
	}
	if opts.MaxConsecutiveFailures != 5 || opts.LockThresholdKmh != 45 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Sleep == nil || opts.Now == nil {
		t.Error("Sleep and Now should keep their defaults")
	}
}

func TestSessionOptionsTolerance(t *testing.T) {
	cfg := Default()
	if got := cfg.Calibration.SessionOptions().ToleranceKmh; got != 2 {
		t.Errorf("ToleranceKmh = %d, want 2", got)
	}
	cfg.Calibration.ToleranceKmh = 0
	cfg.Calibration.UseSpeedLimit = true
	so := cfg.Calibration.SessionOptions()
	if so.ToleranceKmh >= 0 {
		t.Errorf("zero tolerance mapped to %d, want a negative value for exact match", so.ToleranceKmh)
	}
	if !so.UseSpeedLimit {
		t.Error("UseSpeedLimit not carried over")
	}
}

func TestLinkOptions(t *testing.T) {
	cfg := Default()
	cfg.BLE.RequestTimeout = 750 * time.Millisecond
	cfg.BLE.ConnectRetries = 4

	opts := cfg.BLE.LinkOptions()
	if opts.RequestTimeout != 750*time.Millisecond || opts.ConnectRetries != 4 {
		t.Errorf("LinkOptions() = %+v", opts)
	}
	if opts.NotifyBuffer == 0 || opts.WriteService == "" {
		t.Error("LinkOptions() dropped link defaults")
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "scootcal", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# scootcal") {
		t.Error("written config should start with header comment")
	}

	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// Loaded through Load it matches the defaults and validates.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config invalid: %v", err)
	}
	def := Default()
	if cfg.Calibration.Cooldown != def.Calibration.Cooldown || cfg.BLE.RequestTimeout != def.BLE.RequestTimeout {
		t.Errorf("written timings differ from defaults: %+v", cfg.Calibration)
	}
	if cfg.Calibration.MaxConsecutiveFailures != def.Calibration.MaxConsecutiveFailures {
		t.Errorf("max_consecutive_failures = %d, want %d", cfg.Calibration.MaxConsecutiveFailures, def.Calibration.MaxConsecutiveFailures)
	}
	if cfg.Fleet.Cache != def.Fleet.Cache {
		t.Errorf("Fleet.Cache = %q, want %q", cfg.Fleet.Cache, def.Fleet.Cache)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "scootcal")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

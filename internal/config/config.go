package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the home directory.
const FileName = "config.toml"

// HomeEnv overrides the home directory (default ~/.omnid).
const HomeEnv = "OMNID_HOME"

// Config is the daemon configuration decoded from config.toml.
type Config struct {
	// Platform names the messaging platform recorded on integration rows
	Platform string `toml:"platform"`

	Server  ServerSettings  `toml:"server"`
	Storage StorageSettings `toml:"storage"`
	Pairing PairingSettings `toml:"pairing"`
	Bridge  BridgeSettings  `toml:"bridge"`
	Send    SendSettings    `toml:"send"`
	Ingest  IngestSettings  `toml:"ingest"`
	Push    PushSettings    `toml:"push"`
	Logs    LogSettings     `toml:"logs"`
	Metrics MetricsSettings `toml:"metrics"`
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	// Listen is the bind address (default: 127.0.0.1:8430)
	Listen string `toml:"listen"`

	// Token is the bearer token required on every API/WS request. Empty disables auth.
	Token string `toml:"token"`

	// ReadOnly rejects connect/disconnect/send requests
	ReadOnly bool `toml:"read_only"`
}

// StorageSettings locates on-disk state. Relative paths resolve against the home dir.
type StorageSettings struct {
	DBPath      string `toml:"db_path"`
	MediaDir    string `toml:"media_dir"`
	SessionsDir string `toml:"sessions_dir"`
}

// PairingSettings controls the QR pairing phase.
type PairingSettings struct {
	// TimeoutSeconds before an unpaired session is torn down and retried once (default: 120)
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// BridgeSettings describes the browser automation process launched per slot.
type BridgeSettings struct {
	// Command is the executable (e.g. "node")
	Command string `toml:"command"`

	// Args are passed before the generated --session-dir flag
	Args []string `toml:"args"`

	// Env adds variables to the process environment
	Env map[string]string `toml:"env"`

	// RequestTimeoutSeconds bounds a single send/download round trip (default: 60)
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

// SendSettings throttles outbound traffic per slot.
type SendSettings struct {
	// RatePerSecond is the sustained outbound rate per slot (default: 1)
	RatePerSecond float64 `toml:"rate_per_second"`

	// Burst is the token bucket size (default: 5)
	Burst int `toml:"burst"`
}

// IngestSettings tunes inbound processing.
type IngestSettings struct {
	// DisplayNameTTLSeconds caches contact display names (default: 3600)
	DisplayNameTTLSeconds int `toml:"display_name_ttl_seconds"`
}

// PushSettings enables browser push for offline operators.
type PushSettings struct {
	Enabled      bool   `toml:"enabled"`
	VAPIDSubject string `toml:"vapid_subject"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Pprof      bool   `toml:"pprof"`
}

// MetricsSettings exposes Prometheus metrics on /metrics.
type MetricsSettings struct {
	Enabled bool `toml:"enabled"`
}

// PairingTimeout returns the configured timeout, defaulting to two minutes.
func (p PairingSettings) PairingTimeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the bridge request timeout.
func (b BridgeSettings) RequestTimeout() time.Duration {
	if b.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

// GetRate returns the per-slot outbound rate.
func (s SendSettings) GetRate() float64 {
	if s.RatePerSecond <= 0 {
		return 1
	}
	return s.RatePerSecond
}

// GetBurst returns the per-slot outbound burst.
func (s SendSettings) GetBurst() int {
	if s.Burst <= 0 {
		return 5
	}
	return s.Burst
}

// DisplayNameTTL returns how long resolved contact names are cached.
func (i IngestSettings) DisplayNameTTL() time.Duration {
	if i.DisplayNameTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(i.DisplayNameTTLSeconds) * time.Second
}

// GetListen returns the HTTP bind address.
func (s ServerSettings) GetListen() string {
	if strings.TrimSpace(s.Listen) == "" {
		return "127.0.0.1:8430"
	}
	return s.Listen
}

// GetPlatform returns the platform name written to integration records.
func (c *Config) GetPlatform() string {
	if strings.TrimSpace(c.Platform) == "" {
		return "whatsapp"
	}
	return c.Platform
}

// GetHomeDir returns the daemon home directory.
func GetHomeDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".omnid"), nil
}

// GetConfigPath returns the path to config.toml.
func GetConfigPath() (string, error) {
	dir, err := GetHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// ResolvePath makes p absolute relative to the home dir, falling back to def.
func ResolvePath(p, def string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = def
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[2:]), nil
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	dir, err := GetHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

// DBPath returns the resolved SQLite path.
func (c *Config) DBPath() (string, error) { return ResolvePath(c.Storage.DBPath, "state.db") }

// MediaDir returns the resolved media directory.
func (c *Config) MediaDir() (string, error) { return ResolvePath(c.Storage.MediaDir, "media") }

// SessionsDir returns the resolved per-slot session state root.
func (c *Config) SessionsDir() (string, error) {
	return ResolvePath(c.Storage.SessionsDir, "sessions")
}

// LogDir returns the resolved log directory.
func (c *Config) LogDir() (string, error) { return ResolvePath("", "logs") }

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeSettings{Env: make(map[string]string)},
	}
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load returns the cached config, reading config.toml on first use.
// A missing file yields defaults; a parse error yields defaults plus the error.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := GetConfigPath()
	if err != nil {
		cache = defaultConfig()
		return cache, nil
	}

	cfg, err := LoadFile(path)
	if err != nil {
		// Cache defaults so a broken file is not re-parsed on every call.
		cache = defaultConfig()
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// LoadFile decodes the given file without touching the cache.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	if cfg.Bridge.Env == nil {
		cfg.Bridge.Env = make(map[string]string)
	}
	return cfg, nil
}

// Reload drops the cache and reads config.toml again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache drops the cached config; the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// Save writes cfg to config.toml atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# omnid configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	ClearCache()
	return nil
}

// CreateExampleConfig writes a commented config.toml if none exists.
// Returns the path and whether a file was written.
func CreateExampleConfig() (string, bool, error) {
	path, err := GetConfigPath()
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := writeFileAtomic(path, []byte(exampleConfig)); err != nil {
		return "", false, err
	}
	return path, true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if f, err := os.Open(tmp); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

const exampleConfig = `# omnid configuration

platform = "whatsapp"

[server]
listen = "127.0.0.1:8430"
# token = "change-me"
read_only = false

[storage]
# Relative paths resolve against $OMNID_HOME (default ~/.omnid)
db_path = "state.db"
media_dir = "media"
sessions_dir = "sessions"

[pairing]
timeout_seconds = 120

[bridge]
# Browser automation driver, launched once per tenant slot.
command = "node"
args = ["bridge/index.js"]
request_timeout_seconds = 60

[send]
rate_per_second = 1.0
burst = 5

[ingest]
display_name_ttl_seconds = 3600

[push]
enabled = false
vapid_subject = "mailto:ops@localhost"

[logs]
level = "info"
format = "json"
max_size_mb = 20
max_backups = 5
max_age_days = 14
compress = true

[metrics]
enabled = true
`

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir  string `toml:"state_dir"`
	LogDir    string `toml:"log_dir"`
	BackupDir string `toml:"backup_dir"`
}

// Device contains USB and serial link settings.
type Device struct {
	VendorID     int    `toml:"vendor_id"`
	SerialNumber string `toml:"serial_number"`
	BaudRate     int    `toml:"baud_rate"`
}

// Timeouts contains bounded waits, all in milliseconds.
type Timeouts struct {
	RPC            int `toml:"rpc_ms"`
	SessionStart   int `toml:"session_start_ms"`
	DeviceWait     int `toml:"device_wait_ms"`
	PortPoll       int `toml:"port_poll_ms"`
	PortPollTries  int `toml:"port_poll_tries"`
	Drain          int `toml:"drain_ms"`
	Settle         int `toml:"settle_ms"`
	MinBackup      int `toml:"min_backup_ms"`
	MaxClockSkewMs int `toml:"max_clock_skew_ms"`
}

// DFU contains bootloader transfer settings.
type DFU struct {
	TransferSize int `toml:"transfer_size"`
	Interface    int `toml:"interface"`
}

// Update contains update channel settings.
type Update struct {
	Channel string `toml:"channel"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for zeroflash.
//
// Configuration sections by subsystem:
//   - Paths: state, log, and backup directories
//   - Device: USB vendor id, serial filter, and serial baud rate
//   - Timeouts: RPC, session, device reconnection, and settle waits
//   - DFU: bootloader transfer size and interface
//   - Update: preferred update channel
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Device   Device   `toml:"device"`
	Timeouts Timeouts `toml:"timeouts"`
	DFU      DFU      `toml:"dfu"`
	Update   Update   `toml:"update"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("zeroflash.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon and CLI write into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.BackupDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// HistoryPath returns the location of the operation journal database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "zeroflash.sock")
}

// LockPath returns the daemon single-instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "zeroflash.lock")
}

// PIDPath returns the file the daemon records its process id in.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "zeroflash.pid")
}

// DeviceLockPath returns the per-device lock file that keeps the CLI and the
// daemon from driving the same device at once.
func (c *Config) DeviceLockPath(serial string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, serial)
	if name == "" {
		name = "any"
	}
	return filepath.Join(c.Paths.StateDir, "device-"+name+".lock")
}

// RPCTimeout is the bounded wait for a single RPC exchange.
func (c *Config) RPCTimeout() time.Duration { return millis(c.Timeouts.RPC) }

// SessionStartTimeout is the bounded wait for the CLI echo and first ping.
func (c *Config) SessionStartTimeout() time.Duration { return millis(c.Timeouts.SessionStart) }

// DeviceWaitTimeout bounds how long a mode switch may take to re-enumerate.
func (c *Config) DeviceWaitTimeout() time.Duration { return millis(c.Timeouts.DeviceWait) }

// PortPollInterval is the delay between serial port lookups.
func (c *Config) PortPollInterval() time.Duration { return millis(c.Timeouts.PortPoll) }

// DrainTimeout bounds the flush wait after a raw CLI command.
func (c *Config) DrainTimeout() time.Duration { return millis(c.Timeouts.Drain) }

// SettleDelay gives a freshly enumerated device time to become responsive.
func (c *Config) SettleDelay() time.Duration { return millis(c.Timeouts.Settle) }

// MinBackupDuration pads fast settings backups.
func (c *Config) MinBackupDuration() time.Duration { return millis(c.Timeouts.MinBackup) }

// MaxClockSkew is the largest device clock drift tolerated without a warning.
func (c *Config) MaxClockSkew() time.Duration { return millis(c.Timeouts.MaxClockSkewMs) }

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

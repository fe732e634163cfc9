package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"zeroflash/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "state", "zeroflash")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Paths.BackupDir != filepath.Join(tempHome, ".local", "share", "zeroflash", "backups") {
		t.Fatalf("unexpected backup dir: %q", cfg.Paths.BackupDir)
	}
	if cfg.Device.VendorID != 0x0483 {
		t.Fatalf("unexpected vendor id: %#x", cfg.Device.VendorID)
	}
	if cfg.Update.Channel != "release" {
		t.Fatalf("unexpected channel: %q", cfg.Update.Channel)
	}
	if cfg.RPCTimeout() != 5*time.Second {
		t.Fatalf("unexpected rpc timeout: %s", cfg.RPCTimeout())
	}
	if cfg.HistoryPath() != filepath.Join(wantState, "history.db") {
		t.Fatalf("unexpected history path: %q", cfg.HistoryPath())
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
backup_dir = "~/flipper-backups"

[device]
serial_number = " FLIP42 "

[timeouts]
rpc_ms = 1500

[update]
channel = "rc"

[logging]
format = "JSON"
level = "DEBUG"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q %v", resolved, exists)
	}
	if cfg.Paths.BackupDir != filepath.Join(tempHome, "flipper-backups") {
		t.Fatalf("unexpected backup dir: %q", cfg.Paths.BackupDir)
	}
	if cfg.Device.SerialNumber != "FLIP42" {
		t.Fatalf("expected trimmed serial, got %q", cfg.Device.SerialNumber)
	}
	if cfg.RPCTimeout() != 1500*time.Millisecond {
		t.Fatalf("unexpected rpc timeout: %s", cfg.RPCTimeout())
	}
	if cfg.Update.Channel != "release-candidate" {
		t.Fatalf("expected rc alias to normalize, got %q", cfg.Update.Channel)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[device]\nbogus = 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected parse error for unknown key")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"vendor", func(c *config.Config) { c.Device.VendorID = 0x10000 }, "device.vendor_id"},
		{"transfer size", func(c *config.Config) { c.DFU.TransferSize = 10 }, "dfu.transfer_size"},
		{"alignment", func(c *config.Config) { c.DFU.TransferSize = 1020 }, "multiple of 8"},
		{"channel", func(c *config.Config) { c.Update.Channel = "nightly" }, "update.channel"},
		{"level", func(c *config.Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"device wait", func(c *config.Config) { c.Timeouts.DeviceWait = 1 }, "device_wait_ms"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var parsed config.Config
	if err := toml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("sample is not valid TOML: %v", err)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample does not load: %v", err)
	}
}

func TestEnsureDirectoriesAndDeviceLockPath(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.BackupDir = filepath.Join(base, "backups")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.LogDir, cfg.Paths.BackupDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
	if got := filepath.Base(cfg.DeviceLockPath("a/b c")); got != "device-a_b_c.lock" {
		t.Fatalf("unexpected lock name %q", got)
	}
	if got := filepath.Base(cfg.DeviceLockPath("")); got != "device-any.lock" {
		t.Fatalf("unexpected lock name %q", got)
	}
}

package testsupport

import (
	"path/filepath"
	"testing"

	"zeroflash/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and timeouts short enough for fakes.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.BackupDir = filepath.Join(base, "backups")
	cfgVal.Timeouts.RPC = 500
	cfgVal.Timeouts.SessionStart = 500
	cfgVal.Timeouts.DeviceWait = 500
	cfgVal.Timeouts.PortPoll = 5
	cfgVal.Timeouts.PortPollTries = 10
	cfgVal.Timeouts.Drain = 100
	cfgVal.Timeouts.Settle = 0
	cfgVal.Timeouts.MinBackup = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithSerialNumber restricts the test config to one device.
func WithSerialNumber(serial string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Device.SerialNumber = serial
	}
}

// WithChannel overrides the update channel on the test config.
func WithChannel(channel string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Update.Channel = channel
	}
}

// WithMinBackup sets the minimum settings-backup duration in milliseconds.
func WithMinBackup(ms int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Timeouts.MinBackup = ms
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

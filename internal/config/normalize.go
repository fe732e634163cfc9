package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDevice()
	c.normalizeTimeouts()
	c.normalizeUpdate()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.BackupDir) == "" {
		c.Paths.BackupDir = defaultBackupDir
	}
	if c.Paths.BackupDir, err = expandPath(c.Paths.BackupDir); err != nil {
		return fmt.Errorf("paths.backup_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDevice() {
	c.Device.SerialNumber = strings.TrimSpace(c.Device.SerialNumber)
	if c.Device.VendorID == 0 {
		c.Device.VendorID = defaultVendorID
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = defaultBaudRate
	}
}

func (c *Config) normalizeTimeouts() {
	fill := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.Timeouts.RPC, defaultRPCTimeoutMs)
	fill(&c.Timeouts.SessionStart, defaultSessionStartMs)
	fill(&c.Timeouts.DeviceWait, defaultDeviceWaitMs)
	fill(&c.Timeouts.PortPoll, defaultPortPollMs)
	fill(&c.Timeouts.PortPollTries, defaultPortPollTries)
	fill(&c.Timeouts.Drain, defaultDrainMs)
	fill(&c.Timeouts.MaxClockSkewMs, defaultMaxClockSkewMs)
	if c.Timeouts.Settle < 0 {
		c.Timeouts.Settle = 0
	}
	if c.Timeouts.MinBackup < 0 {
		c.Timeouts.MinBackup = 0
	}
}

func (c *Config) normalizeUpdate() {
	channel := strings.ToLower(strings.TrimSpace(c.Update.Channel))
	switch channel {
	case "", "stable":
		channel = defaultUpdateChannel
	case "rc":
		channel = defaultUpdateChannelRC
	case "dev":
		channel = defaultUpdateChannelDev
	}
	c.Update.Channel = channel
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

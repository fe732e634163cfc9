package config

const (
	defaultConfigPath       = "~/.config/zeroflash/config.toml"
	defaultStateDir         = "~/.local/state/zeroflash"
	defaultLogDir           = "~/.local/state/zeroflash/logs"
	defaultBackupDir        = "~/.local/share/zeroflash/backups"
	defaultVendorID         = 0x0483
	defaultBaudRate         = 230400
	defaultRPCTimeoutMs     = 5000
	defaultSessionStartMs   = 5000
	defaultDeviceWaitMs     = 30000
	defaultPortPollMs       = 15
	defaultPortPollTries    = 100
	defaultDrainMs          = 1000
	defaultSettleMs         = 500
	defaultMinBackupMs      = 2000
	defaultMaxClockSkewMs   = 5000
	defaultDFUTransferSize  = 1024
	defaultDFUInterface     = 0
	defaultUpdateChannel    = "release"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	maxDFUTransferSize      = 4096
	minDFUTransferSize      = 64
	defaultUpdateChannelRC  = "release-candidate"
	defaultUpdateChannelDev = "development"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:  defaultStateDir,
			LogDir:    defaultLogDir,
			BackupDir: defaultBackupDir,
		},
		Device: Device{
			VendorID: defaultVendorID,
			BaudRate: defaultBaudRate,
		},
		Timeouts: Timeouts{
			RPC:            defaultRPCTimeoutMs,
			SessionStart:   defaultSessionStartMs,
			DeviceWait:     defaultDeviceWaitMs,
			PortPoll:       defaultPortPollMs,
			PortPollTries:  defaultPortPollTries,
			Drain:          defaultDrainMs,
			Settle:         defaultSettleMs,
			MinBackup:      defaultMinBackupMs,
			MaxClockSkewMs: defaultMaxClockSkewMs,
		},
		DFU: DFU{
			TransferSize: defaultDFUTransferSize,
			Interface:    defaultDFUInterface,
		},
		Update: Update{
			Channel: defaultUpdateChannel,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

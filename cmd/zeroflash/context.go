package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"zeroflash/internal/config"
	"zeroflash/internal/controller"
	"zeroflash/internal/daemonctl"
	"zeroflash/internal/ipc"
	"zeroflash/internal/logging"
	"zeroflash/internal/toplevel"
	"zeroflash/internal/usb"
)

// commandDeps reaches the hardware. Tests replace it with a fake bench.
type commandDeps struct {
	linkOptions func(cfg *config.Config, logger *slog.Logger) toplevel.LinkOptions
	bus         func(cfg *config.Config, logger *slog.Logger) usb.Lister
}

func systemDeps() commandDeps {
	return commandDeps{
		linkOptions: controller.SystemLinkOptions,
		bus: func(cfg *config.Config, logger *slog.Logger) usb.Lister {
			return usb.NewScanner(uint16(cfg.Device.VendorID), logger)
		},
	}
}

type commandContext struct {
	socketFlag   *string
	configFlag   *string
	logLevelFlag *string
	deps         commandDeps

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(socketFlag, configFlag, logLevelFlag *string, deps commandDeps) *commandContext {
	return &commandContext{
		socketFlag:   socketFlag,
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
		deps:         deps,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) logLevel() string {
	if c.logLevelFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.logLevelFlag)
}

func (c *commandContext) socketPath() string {
	if c.socketFlag != nil && strings.TrimSpace(*c.socketFlag) != "" {
		return *c.socketFlag
	}
	if cfg := c.configValue(); cfg != nil {
		return cfg.SocketPath()
	}
	return ""
}

// commandLogger logs to stderr and the log directory. Commands default to
// warnings only so progress output stays readable.
func (c *commandContext) commandLogger() *slog.Logger {
	c.loggerOnce.Do(func() {
		cfg := c.configValue()
		if cfg == nil {
			c.logger = logging.NewNop()
			return
		}
		local := *cfg
		local.Logging.Level = "warn"
		if level := c.logLevel(); level != "" {
			local.Logging.Level = level
		}
		logger, err := logging.NewFromConfig(&local)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warn: unable to initialize logger: %v\n", err)
			logger = logging.NewNop()
		}
		c.logger = logger
	})
	return c.logger
}

// daemonClient connects to the daemon when one is listening. A missing
// daemon is not an error; the caller falls back to driving the device itself.
func (c *commandContext) daemonClient() (*ipc.Client, error) {
	socket := c.socketPath()
	if socket == "" {
		return nil, nil
	}
	client, err := ipc.Dial(socket)
	if err != nil {
		if daemonctl.IsUnavailable(err) {
			return nil, nil
		}
		return nil, wrapDialError(err, socket)
	}
	return client, nil
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	socket := c.socketPath()
	client, err := ipc.Dial(socket)
	if err != nil {
		return wrapDialError(err, socket)
	}
	defer client.Close()
	return fn(client)
}

func wrapDialError(err error, socket string) error {
	switch {
	case errors.Is(err, syscall.ENOENT) || os.IsNotExist(err):
		return fmt.Errorf("connect to daemon: socket %s not found; start the daemon with `zeroflash daemon start`", socket)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connect to daemon: socket %s refused the connection; verify the daemon is running", socket)
	default:
		return fmt.Errorf("connect to daemon: %w", err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateDFU(); err != nil {
		return err
	}
	if err := c.validateUpdate(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDevice() error {
	if c.Device.VendorID < 0 || c.Device.VendorID > 0xffff {
		return fmt.Errorf("device.vendor_id must fit in 16 bits, got %#x", c.Device.VendorID)
	}
	if c.Device.BaudRate < 0 {
		return errors.New("device.baud_rate must be positive")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	if c.Timeouts.DeviceWait < c.Timeouts.PortPoll {
		return errors.New("timeouts.device_wait_ms must be at least timeouts.port_poll_ms")
	}
	return nil
}

func (c *Config) validateDFU() error {
	if c.DFU.TransferSize < minDFUTransferSize || c.DFU.TransferSize > maxDFUTransferSize {
		return fmt.Errorf("dfu.transfer_size must be between %d and %d", minDFUTransferSize, maxDFUTransferSize)
	}
	if c.DFU.TransferSize%8 != 0 {
		return errors.New("dfu.transfer_size must be a multiple of 8 (flash double-word)")
	}
	if c.DFU.Interface < 0 {
		return errors.New("dfu.interface must not be negative")
	}
	return nil
}

func (c *Config) validateUpdate() error {
	switch c.Update.Channel {
	case defaultUpdateChannel, defaultUpdateChannelRC, defaultUpdateChannelDev:
		return nil
	default:
		return fmt.Errorf("update.channel: unsupported value %q", c.Update.Channel)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

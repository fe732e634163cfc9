package controller

import (
	"context"
	"strings"

	"zeroflash/internal/device"
	"zeroflash/internal/logging"
)

// Attached handles a hot-plug add. A device that comes back while no mode
// switch is in progress is probed again and its info replaced wholesale.
// Events for other devices and events during a mode switch are ignored; the
// running operation waits for the device itself.
func (c *Controller) Attached(ctx context.Context, found device.USBInfo) error {
	if err := c.opened(); err != nil {
		return err
	}
	current := c.state.Info().USB
	if !strings.EqualFold(found.SerialNumber, current.SerialNumber) {
		return nil
	}
	if c.state.Persistent() || c.Active() != "" {
		c.logger.Debug("hot-plug during operation ignored",
			logging.String(logging.FieldDevice, found.SerialNumber),
			logging.String("mode", found.Mode().String()))
		return nil
	}

	if err := c.loop.Call(ctx, func() {
		c.link.Detach()
		info := c.state.Info()
		info.USB = found
		info.Port = ""
		c.state.SetInfo(info)
	}); err != nil {
		return err
	}
	c.logger.Info("device reconnected",
		logging.String(logging.FieldDevice, found.SerialNumber),
		logging.String("mode", found.Mode().String()),
		logging.String(logging.FieldEventType, "device_reconnected"))
	return c.Refresh(ctx)
}

// Detached handles a hot-plug remove. Outside a mode switch the device is
// marked offline and its session closed.
func (c *Controller) Detached(ctx context.Context) error {
	if err := c.opened(); err != nil {
		return err
	}
	if c.state.Persistent() || c.Active() != "" {
		return nil
	}
	if err := c.loop.Call(ctx, c.link.Detach); err != nil {
		return err
	}
	c.state.SetOnline(false)
	c.state.SetStreaming(false)
	c.logger.Info("device disconnected",
		logging.String(logging.FieldDevice, c.state.Info().USB.SerialNumber),
		logging.String(logging.FieldEventType, "device_disconnected"))
	return nil
}

package deviceops

import (
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/services"
)

// BootloaderCommand is the command-line request that reboots the device into
// its DFU bootloader.
const BootloaderCommand = "dfu\r"

type lifecycle struct {
	operation.Base
	client *Client
	run    func(op *lifecycle) error
}

func (c *Client) lifecycle(description string, run func(op *lifecycle) error) operation.Operation {
	op := &lifecycle{client: c, run: run}
	op.Init(c.loop, description, op.begin)
	return op
}

func (l *lifecycle) begin() {
	if l.client.session == nil {
		l.FinishWithError(services.Wrap(services.ErrInvalidDevice, component, l.Description(), "no session", services.ErrSessionDown))
		return
	}
	if err := l.run(l); err != nil {
		l.FinishWithError(err)
	}
}

func (l *lifecycle) done(err error) {
	if l.Terminal() {
		return
	}
	if err != nil {
		l.FinishWithError(err)
		return
	}
	l.Finish()
}

// StartSession switches the device into RPC mode. The session's own start
// timeout bounds the wait.
func (c *Client) StartSession() operation.Operation {
	return c.lifecycle("start rpc session", func(op *lifecycle) error {
		return op.client.session.Start(op.done)
	})
}

// StopSession leaves RPC mode so the line accepts raw commands again.
func (c *Client) StopSession() operation.Operation {
	return c.lifecycle("stop rpc session", func(op *lifecycle) error {
		session := op.client.session
		op.OnCancel(session.CancelStop)
		op.StartTimeout(op.client.timeout)
		return session.Stop(op.done)
	})
}

// EnterBootloader writes the bootloader command on the raw line. The session
// must be down. The device drops off the bus once the command is accepted.
func (c *Client) EnterBootloader() operation.Operation {
	return c.lifecycle("enter bootloader", func(op *lifecycle) error {
		op.StartTimeout(op.client.timeout)
		op.client.logger.Info("requesting bootloader",
			logging.String(logging.FieldEventType, "bootloader_request"))
		return op.client.session.WriteCLI(BootloaderCommand, op.done)
	})
}

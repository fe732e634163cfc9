package main

import (
	"context"
	"time"

	"zeroflash/internal/controller"
	"zeroflash/internal/device"
	"zeroflash/internal/history"
	"zeroflash/internal/ipc"
	"zeroflash/internal/services"
)

// backend drives the device either through a running daemon, which holds
// the device, or by opening it in this process.
type backend interface {
	Snapshot(ctx context.Context) (device.Snapshot, error)
	Run(ctx context.Context, req controller.Request, rep *reporter) (controller.Result, error)
	ClearError(ctx context.Context) error
	Close() error
}

func (c *commandContext) openBackend(ctx context.Context) (backend, error) {
	client, err := c.daemonClient()
	if err != nil {
		return nil, err
	}
	if client != nil {
		return &daemonBackend{client: client, poll: 200 * time.Millisecond}, nil
	}
	return c.openLocal(ctx)
}

type localBackend struct {
	ctl     *controller.Controller
	history *history.Store
}

func (c *commandContext) openLocal(ctx context.Context) (*localBackend, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.commandLogger()
	store, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}
	ctl, err := controller.New(controller.Options{
		Config:  cfg,
		Link:    c.deps.linkOptions(cfg, logger),
		History: store,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := ctl.Open(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &localBackend{ctl: ctl, history: store}, nil
}

func (b *localBackend) Snapshot(context.Context) (device.Snapshot, error) {
	return b.ctl.Snapshot(), nil
}

func (b *localBackend) Run(ctx context.Context, req controller.Request, rep *reporter) (controller.Result, error) {
	if rep != nil {
		req.OnStage = rep.Stage
		b.ctl.State().Subscribe(func(s device.Snapshot) { rep.Progress(s.Operation, s.Progress) })
	}
	return b.ctl.Run(ctx, req)
}

func (b *localBackend) ClearError(ctx context.Context) error {
	return b.ctl.ClearError(ctx)
}

func (b *localBackend) Close() error {
	err := b.ctl.Close()
	if cerr := b.history.Close(); err == nil {
		err = cerr
	}
	return err
}

type daemonBackend struct {
	client *ipc.Client
	poll   time.Duration
}

func (b *daemonBackend) Snapshot(context.Context) (device.Snapshot, error) {
	status, err := b.client.Status()
	if err != nil {
		return device.Snapshot{}, err
	}
	if !status.DeviceOpen {
		msg := "daemon holds no device"
		if status.OpenError != "" {
			msg = status.OpenError
		}
		return device.Snapshot{}, services.Wrap(services.ErrInvalidDevice, "cli", "", msg, nil)
	}
	return status.Device, nil
}

// Run starts the operation in the daemon and polls its status for progress.
// Cancelling ctx asks the daemon to abort and still waits for the result.
func (b *daemonBackend) Run(ctx context.Context, req controller.Request, rep *reporter) (controller.Result, error) {
	type outcome struct {
		resp *ipc.RunResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := b.client.Run(ipc.RunRequest{Kind: string(req.Kind), Argument: req.Argument, Force: req.Force})
		done <- outcome{resp: resp, err: err}
	}()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	cancelled := ctx.Done()
	for {
		select {
		case out := <-done:
			if out.resp == nil {
				return controller.Result{}, out.err
			}
			return controller.Result{
				CorrelationID: out.resp.CorrelationID,
				Stage:         out.resp.Stage,
				Elapsed:       out.resp.Elapsed,
			}, out.err
		case <-cancelled:
			cancelled = nil
			_ = b.client.Abort("interrupted by user")
		case <-ticker.C:
			if rep == nil {
				continue
			}
			if status, err := b.client.Status(); err == nil {
				if status.Stage != "" {
					rep.Stage(status.Stage)
				}
				rep.Progress(status.Device.Operation, status.Device.Progress)
			}
		}
	}
}

func (b *daemonBackend) ClearError(context.Context) error {
	return b.client.ClearError()
}

func (b *daemonBackend) Close() error {
	return b.client.Close()
}

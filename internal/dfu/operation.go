package dfu

import (
	"context"
	"fmt"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/operation"
)

// Flash erases and programs every element of the image. Only targets for
// the internal flash are accepted.
func (d *Driver) Flash(ctx context.Context, image *File, progress func(done, total int)) error {
	total := image.Size()
	written := 0
	for _, target := range image.Targets {
		if target.AltSetting != altFlash {
			return fail("flash", fmt.Sprintf("target %q addresses alternate setting %d", target.Name, target.AltSetting), nil)
		}
		for _, element := range target.Elements {
			if err := d.Erase(ctx, element.Address, len(element.Data)); err != nil {
				return err
			}
			base := written
			err := d.Write(ctx, element.Address, element.Data, func(done, _ int) {
				if progress != nil {
					progress(base+done, total)
				}
			})
			if err != nil {
				return err
			}
			written += len(element.Data)
		}
	}
	return nil
}

// NewOperation wraps fn as an operation that runs inside one transaction on a
// helper goroutine, so the loop is never blocked by control transfers.
func NewOperation(loop *eventloop.Loop, d *Driver, description string, fn func(ctx context.Context, d *Driver) error) operation.Operation {
	return operation.NewFunc(loop, description, func(ctx context.Context) error {
		return WithTransaction(ctx, d, func(ctx context.Context) error {
			return fn(ctx, d)
		})
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"zeroflash/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd := newRootCommand()
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
			if hint := errorHint(err); hint != "" {
				fmt.Fprintln(os.Stderr, "hint:", hint)
			}
		}
		os.Exit(1)
	}
}

// errorHint returns the remediation hint for device errors. Plain command
// errors carry no kind marker and get none.
func errorHint(err error) string {
	for _, marker := range []error{
		services.ErrInvalidDevice,
		services.ErrDisk,
		services.ErrData,
		services.ErrRecoveryAccess,
	} {
		if errors.Is(err, marker) {
			return services.KindOf(err).Hint()
		}
	}
	return ""
}

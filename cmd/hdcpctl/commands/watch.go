package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print engine state changes",
		Long:  "Polls the gohdcp daemon and prints every observed state change until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			last := map[string]string{}
			for {
				if err := watchOnce(ctx, last); err != nil {
					// Context cancellation (Ctrl+C) is expected, not an error.
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond,
		"status polling interval")

	return cmd
}

// watchOnce fetches one snapshot and prints the directions whose state
// differs from last.
func watchOnce(ctx context.Context, last map[string]string) error {
	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	raw, err := client.Status(callCtx)
	if err != nil {
		return err
	}
	st, err := decodeStatus(raw)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, e := range []struct{ dir, state string }{
		{"tx", st.Transmitter.State},
		{"rx", st.Receiver.State},
	} {
		dir, state := e.dir, e.state
		prev, seen := last[dir]
		if seen && prev == state {
			continue
		}
		if !seen {
			prev = valueNone
		}
		fmt.Println(formatChange(now, dir, prev, state))
		last[dir] = state
	}

	return nil
}

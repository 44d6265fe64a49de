package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Sentinel errors for CLI validation.
var (
	errPhyState      = errors.New("physical state must be up or down")
	errEncryptAction = errors.New("encryption action must be on or off")
	errNotAuthed     = errors.New("transmitter did not authenticate in time")
)

// directionArg returns the optional direction argument, defaulting to tx.
func directionArg(args []string) string {
	if len(args) == 0 {
		return "tx"
	}
	return args[0]
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// --- status / info ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of both engines",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := callContext()
			defer cancel()

			raw, err := client.Status(ctx)
			if err != nil {
				return err
			}

			out, err := formatStatus(raw, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the daemon's diagnostic dump",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := callContext()
			defer cancel()

			out, err := client.Info(ctx)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- auth ---

func authCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "auth [tx|rx]",
		Short: "Request (re)authentication",
		Long:  "Requests authentication on one side (default tx). With --wait, blocks until the transmitter is authenticated.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := directionArg(args)

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+wait)
			defer cancel()

			if err := client.Authenticate(ctx, dir); err != nil {
				return err
			}
			if wait <= 0 {
				fmt.Printf("authentication requested on %s\n", dir)
				return nil
			}

			ok, err := client.WaitAuthenticated(ctx, wait)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: waited %s", errNotAuthed, wait)
			}

			fmt.Println("authenticated")

			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0,
		"wait up to this long for the transmitter to authenticate")

	return cmd
}

// --- enable / disable / reset ---

func enableCmd() *cobra.Command {
	return directionalCmd("enable", "Enable an engine", func(ctx context.Context, dir string) error {
		return client.Enable(ctx, dir)
	})
}

func disableCmd() *cobra.Command {
	return directionalCmd("disable", "Disable an engine", func(ctx context.Context, dir string) error {
		return client.Disable(ctx, dir)
	})
}

func resetCmd() *cobra.Command {
	return directionalCmd("reset", "Disable and re-enable an engine", func(ctx context.Context, dir string) error {
		return client.Reset(ctx, dir)
	})
}

func directionalCmd(name, short string, call func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [tx|rx]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := directionArg(args)

			ctx, cancel := callContext()
			defer cancel()

			if err := call(ctx, dir); err != nil {
				return err
			}

			fmt.Printf("%s %s: ok\n", name, dir)

			return nil
		},
	}
}

// --- phy ---

func phyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phy <tx|rx> <up|down>",
		Short: "Report the physical link state to an engine",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var up bool
			switch args[1] {
			case "up":
				up = true
			case "down":
			default:
				return fmt.Errorf("%w: %q", errPhyState, args[1])
			}

			ctx, cancel := callContext()
			defer cancel()

			if err := client.SetPhysicalState(ctx, args[0], up); err != nil {
				return err
			}

			fmt.Printf("phy %s %s: ok\n", args[0], args[1])

			return nil
		},
	}
}

// --- encrypt ---

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <on|off> <streams>",
		Short: "Change the transmitter encryption map",
		Long:  "Adds (on) or removes (off) streams from the transmitter encryption map. Streams is a bitmap, e.g. 0x3.",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			streams, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("parse streams %q: %w", args[1], err)
			}

			ctx, cancel := callContext()
			defer cancel()

			switch args[0] {
			case "on":
				err = client.EnableEncryption(ctx, streams)
			case "off":
				err = client.DisableEncryption(ctx, streams)
			default:
				return fmt.Errorf("%w: %q", errEncryptAction, args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("encrypt %s %#x: ok\n", args[0], streams)

			return nil
		},
	}
}

package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gohdcp/internal/server"
)

var (
	// client is the ConnectRPC link service client, initialized in PersistentPreRunE.
	client *server.Client

	// outputFormat controls the output format for all commands (table, json or yaml).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string

	// requestTimeout bounds every unary call.
	requestTimeout time.Duration
)

// rootCmd is the top-level cobra command for hdcpctl.
var rootCmd = &cobra.Command{
	Use:   "hdcpctl",
	Short: "CLI client for the gohdcp daemon",
	Long:  "hdcpctl communicates with the gohdcp daemon via ConnectRPC to inspect and drive the emulated HDCP link.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = server.NewClient(
			http.DefaultClient,
			"http://"+serverAddr,
		)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051",
		"gohdcp daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 5*time.Second,
		"per-request timeout")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(enableCmd())
	rootCmd.AddCommand(disableCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(phyCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

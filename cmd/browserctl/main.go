// Command browserctl talks to a running browserd and manages its API keys.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	apiKey  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "browserctl",
		Short:         "Control a browserd instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("BROWSERD_URL")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "browserd base URL (env BROWSERD_URL)")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("BROWSERD_API_KEY"), "API key sent as a Bearer token (env BROWSERD_API_KEY)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "how long to wait for a result")

	cmd.AddCommand(
		newRunCmd(opts),
		newScrapeCmd(opts),
		newHealthCmd(opts),
		newAPIKeyCmd(),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command debug is a bench tool for the irrigation shadow service: it can
// impersonate a device and query the service's HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prite36/irrigation-shadow/internal/logger"
)

type rootOptions struct {
	Debug bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "irrigation-debug",
		Short: "Bench tools for the irrigation shadow service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Debug: opts.Debug, Console: true})
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", false, "debug logging")

	cmd.AddCommand(newSimulateCommand())
	cmd.AddCommand(newStatusCommand())

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

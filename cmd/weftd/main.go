package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "weftd",
		Short: "Weft transport daemon",
		Long: `Weft session transport daemon.

Listens for peers on the configured endpoints, bonds links into
sessions, and keeps them alive.

Examples:
  weftd start --listen tcp/0.0.0.0:7447
  weftd start --listen udp/[::]:7447 --connect tcp/peer.example:7447
  weftd start --config /etc/weft/weft.yaml`,
	}

	rootCmd.AddCommand(
		newStartCmd(),
		newVersionCmd(),
	)

	return rootCmd.Execute()
}

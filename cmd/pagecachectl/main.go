// Command pagecachectl is a cobra-based CLI against a running
// pagecached daemon's HTTP control surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var daemonAddr string

func main() {
	root := &cobra.Command{
		Use:   "pagecachectl",
		Short: "Inspect and drive a running pagecached daemon",
	}
	root.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:8088", "pagecached base URL")

	root.AddCommand(
		newStatsCmd(),
		newListCmd(),
		newGetCmd(),
		newSetCmd(),
		newInvalidateCmd(),
		newWarmCmd(),
		newFlagsCmd(),
		newMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

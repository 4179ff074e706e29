package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agrofert/agrofert/controller/modules/dispenser"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "agrofert",
		Short:   "Dual channel fertilizer dispenser controller",
		Version: dispenser.FirmwareVersion,
		Long: `agrofert drives the two outlets of a tractor mounted fertilizer
dispenser, keeping the applied rate on target as ground speed changes.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar cluster invocation toolkit",
		Long:  "Call services across provider clusters (broadcast, failover, failfast, failsafe) and run demo providers",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(providersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

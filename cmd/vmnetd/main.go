package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vmnetd/internal/client"
	"github.com/jbweber/homelab/vmnetd/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "vmnetd",
	Short:         "Host network control plane for VM bridges and their DNS",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.AddGlobalFlags(rootCmd.PersistentFlags())
}

// loadConfig resolves flags, environment and the optional config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(cmd.Flags(), file)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.SocketPath), nil
}

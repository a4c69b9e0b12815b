// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/command"
)

const (
	defaultConfigFile = "/etc/ctsync/ctsyncd.yml"
	defaultSocketPath = "/var/run/ctsyncd.sock"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ctsyncd",
	Short: "ctsyncd - connection tracking state replication daemon",
	Long: `ctsyncd replicates the kernel connection tracking table between firewall nodes.

It listens for conntrack events on a netfilter netlink socket, encodes each
flow as a replication message and sends it to peers over UDP multicast or
unicast. Messages received from peers are committed to the local table.

Commands:
  - daemon:          run the replication daemon
  - stats, status:   query a running daemon over its control socket
  - origins:         list registered origin handles
  - reload, stop:    control a running daemon
  - encode, decode:  convert between YAML flow files and wire messages
  - validate:        check a configuration or flow file`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(originsCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(validateCmd)
}

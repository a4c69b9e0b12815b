// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run ctsyncd daemon in foreground",
	Long: `Run the ctsyncd daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Open the commit socket and register it in the origin registry
  4. Subscribe to kernel conntrack events and open the peer channel
  5. Start UDS server for CLI control
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
	stopCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file used when the control socket is unreachable")
}

func runDaemon() error {
	fmt.Println("Starting ctsyncd daemon...")
	fmt.Printf("Config: %s\n", configFile)

	// Create daemon instance
	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Start all components
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}

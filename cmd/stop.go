// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the ctsyncd daemon",
	Long: `Stop the ctsyncd daemon gracefully.

This command sends daemon.shutdown over the Unix Domain Socket. If the socket
is unreachable, SIGTERM is sent to the process recorded in the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), client(), resolvePIDFile(), cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, c ControlClient, pidFile string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.Shutdown(ctx)
	if err == nil {
		if resp.Error != nil {
			return fmt.Errorf("daemon.shutdown failed: %w", resp.Error)
		}
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}

	if pidFile == "" {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	if perr := daemon.StopByPID(pidFile, 10*time.Second); perr != nil {
		return fmt.Errorf("failed to stop daemon: %w (socket: %v)", perr, err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped via SIGTERM")
	return nil
}

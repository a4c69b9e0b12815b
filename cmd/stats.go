// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/command"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show replication statistics",
	Long: `Query the ctsyncd daemon for its replication counters.

Shows: kernel events received and suppressed, messages sent and received,
commits, and encode/send/commit errors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), cmd.OutOrStdout(), command.MethodStats, client().Stats)
	},
}

// runQuery issues one read-only call and prints its result as indented JSON.
func runQuery(ctx context.Context, out io.Writer, method string,
	call func(context.Context) (*command.Response, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := call(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %w", method, resp.Error)
	}

	resultJSON, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(resultJSON))
	return nil
}

// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/command"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the ctsyncd daemon for its overall status.

Shows: version, node name and uptime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), cmd.OutOrStdout(), command.MethodDaemonStatus,
			func(ctx context.Context) (*command.Response, error) {
				return client().Call(ctx, command.MethodDaemonStatus, nil)
			})
	},
}

var originsCmd = &cobra.Command{
	Use:   "origins",
	Short: "List registered origin handles",
	Long: `List the netlink handles registered in the daemon's origin registry.

Kernel events whose port ID matches a commit handle were caused by ctsyncd
itself and are not replicated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOrigins(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

func runOrigins(ctx context.Context, c ControlClient, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.OriginList(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	var result command.OriginListResult
	if err := resp.Decode(&result); err != nil {
		return fmt.Errorf("%s failed: %w", command.MethodOriginList, err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT ID\tKIND")
	for _, e := range result.Entries {
		fmt.Fprintf(w, "%d\t%s\n", e.PortID, e.Kind)
	}
	return w.Flush()
}

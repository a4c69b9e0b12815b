package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the running daemon to reload its configuration file.

Log settings and sync.commit_timeout are applied in place; channel, mtu and
port_id changes are reported and take effect after a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

// runReload 提取的业务逻辑，方便测试
func runReload(ctx context.Context, c ControlClient, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.ConfigReload(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("failed to reload: %w", resp.Error)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}

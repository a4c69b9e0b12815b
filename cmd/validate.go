// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/config"
	"firestige.xyz/ctsync/internal/flowfile"
	"firestige.xyz/ctsync/internal/payload"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration or flow file",
	Long: `Validate the daemon configuration file, or a YAML flow file with -f.

A flow file is valid when every flow converts to a record and encodes into a
message of at most --mtu bytes.

Examples:
  ctsyncd validate -c /etc/ctsync/ctsyncd.yml
  ctsyncd validate -f flows.yml --mtu 1472`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateFlowFile != "" {
			return runValidateFlows(validateFlowFile, validateMTU, cmd.OutOrStdout())
		}
		return runValidateConfig(configFile, cmd.OutOrStdout())
	},
}

var (
	validateFlowFile string
	validateMTU      int
)

func init() {
	validateCmd.Flags().StringVarP(&validateFlowFile, "file", "f", "",
		"flow file to validate instead of the configuration")
	validateCmd.Flags().IntVar(&validateMTU, "mtu", 1472, "message size limit for flow files")
}

func runValidateConfig(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: node %q, channel %s, mtu %d, commit %t\n",
		cfg.Node.Hostname, cfg.Channel.Mode, cfg.Sync.MTU, cfg.Sync.Commit.Enabled)
	return nil
}

func runValidateFlows(path string, mtu int, out io.Writer) error {
	flows, err := flowfile.LoadFile(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	msgs, err := encodeFlows(flows, mtu, payload.Options{})
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	largest := 0
	for _, m := range msgs {
		largest = max(largest, len(m))
	}
	fmt.Fprintf(out, "VALID: %d flow(s), largest message %d bytes\n", len(flows), largest)
	return nil
}

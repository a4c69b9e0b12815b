package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/flowfile"
	"firestige.xyz/ctsync/internal/payload"
	"firestige.xyz/ctsync/internal/wire"
)

var (
	encodeFile          string
	encodeOutput        string
	encodeHex           bool
	encodeMTU           int
	encodeCommitTimeout bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a YAML flow file into replication messages",
	Long: `Encode each flow of a YAML flow file into one replication message.

The output is the raw message stream as a peer would receive it, or one hex
line per message with --hex.

Examples:
  ctsyncd encode -f flows.yml -o flows.bin
  ctsyncd encode -f flows.yml --hex --mtu 1472`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInput(encodeFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer in.Close()

		flows, err := flowfile.Load(in)
		if err != nil {
			return err
		}
		msgs, err := encodeFlows(flows, encodeMTU, payload.Options{CommitTimeout: encodeCommitTimeout})
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := writeMessages(&buf, msgs, encodeHex); err != nil {
			return err
		}
		if err := writeOutput(encodeOutput, cmd.OutOrStdout(), buf.Bytes()); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		return nil
	},
}

func init() {
	encodeCmd.Flags().StringVarP(&encodeFile, "file", "f", "-", "flow file (- for stdin)")
	encodeCmd.Flags().StringVarP(&encodeOutput, "output", "o", "-", "output file (- for stdout)")
	encodeCmd.Flags().BoolVar(&encodeHex, "hex", false, "write one hex line per message")
	encodeCmd.Flags().IntVar(&encodeMTU, "mtu", wire.MaxMessageLen, "message size limit in bytes")
	encodeCmd.Flags().BoolVar(&encodeCommitTimeout, "commit-timeout", false,
		"omit the timeout attribute as a sender with sync.commit_timeout does")
}

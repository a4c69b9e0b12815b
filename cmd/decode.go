package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/ctsync/internal/flowfile"
)

var (
	decodeFile   string
	decodeOutput string
	decodeHex    bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode replication messages into a YAML flow file",
	Long: `Decode a stream of replication messages, as written by encode or
captured from the channel, and print the flows as YAML.

Examples:
  ctsyncd decode -f flows.bin
  ctsyncd encode -f flows.yml --hex | ctsyncd decode --hex`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInput(decodeFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer in.Close()

		data, err := readMessages(in, decodeHex)
		if err != nil {
			return err
		}
		flows, err := decodeStream(data)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := flowfile.Dump(&buf, flows); err != nil {
			return err
		}
		if err := writeOutput(decodeOutput, cmd.OutOrStdout(), buf.Bytes()); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		return nil
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeFile, "file", "f", "-", "message stream (- for stdin)")
	decodeCmd.Flags().StringVarP(&decodeOutput, "output", "o", "-", "output file (- for stdout)")
	decodeCmd.Flags().BoolVar(&decodeHex, "hex", false, "read hex text instead of raw bytes")
}

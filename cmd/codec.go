package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"firestige.xyz/ctsync/internal/flowfile"
	"firestige.xyz/ctsync/internal/payload"
	"firestige.xyz/ctsync/internal/wire"
)

// encodeFlows builds one sealed message per flow, each bounded by mtu.
func encodeFlows(flows []flowfile.Flow, mtu int, opts payload.Options) ([][]byte, error) {
	msgs := make([][]byte, 0, len(flows))
	for i := range flows {
		f := &flows[i]
		rec, err := f.Record()
		if err != nil {
			return nil, fmt.Errorf("flow %d: %w", i, err)
		}
		env, err := wire.NewEnvelope(mtu, f.Type)
		if err != nil {
			return nil, err
		}
		if err := payload.Build(rec, env, opts); err != nil {
			return nil, fmt.Errorf("flow %d: %w", i, err)
		}
		msgs = append(msgs, env.Seal(f.Seq))
	}
	return msgs, nil
}

// decodeStream splits b into messages by their header length and parses
// each one back into a flow.
func decodeStream(b []byte) ([]flowfile.Flow, error) {
	var flows []flowfile.Flow
	for off := 0; off < len(b); {
		h, err := wire.ParseHeader(b[off:])
		if err != nil {
			return nil, fmt.Errorf("message at offset %d: %w", off, err)
		}
		n := int(h.Length)
		if n < wire.HeaderLen || off+n > len(b) {
			return nil, fmt.Errorf("message at offset %d: %w: length %d, %d bytes left",
				off, wire.ErrLengthMismatch, n, len(b)-off)
		}
		msg, err := wire.Decode(b[off : off+n])
		if err != nil {
			return nil, fmt.Errorf("message at offset %d: %w", off, err)
		}
		rec, err := payload.Parse(msg)
		if err != nil {
			return nil, fmt.Errorf("message at offset %d: %w", off, err)
		}
		flows = append(flows, flowfile.FromRecord(msg.Header.Type, msg.Header.Seq, rec))
		off += n
	}
	return flows, nil
}

// writeMessages writes raw concatenated messages, or one hex line each.
func writeMessages(w io.Writer, msgs [][]byte, asHex bool) error {
	for _, m := range msgs {
		var err error
		if asHex {
			_, err = fmt.Fprintln(w, hex.EncodeToString(m))
		} else {
			_, err = w.Write(m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readMessages reads a message stream, decoding hex text when asked.
func readMessages(r io.Reader, asHex bool) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !asHex {
		return data, nil
	}
	text := strings.Join(strings.Fields(string(data)), "")
	b, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return b, nil
}

// openInput returns stdin for "-" and the named file otherwise.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}

// writeOutput writes data to stdout for "-" or to the named file.
func writeOutput(path string, stdout io.Writer, data []byte) error {
	if path == "" || path == "-" {
		_, err := io.Copy(stdout, bytes.NewReader(data))
		return err
	}
	return os.WriteFile(path, data, 0644)
}

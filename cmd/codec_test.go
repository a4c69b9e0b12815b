package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ctsync/internal/flowfile"
	"firestige.xyz/ctsync/internal/payload"
	"firestige.xyz/ctsync/internal/wire"
)

const sampleFlows = `
flows:
  - type: new
    seq: 1
    proto: udp
    orig:  {src: 10.0.0.1, dst: 10.0.0.2, sport: 5353, dport: 53}
    reply: {src: 10.0.0.2, dst: 10.0.0.1, sport: 53, dport: 5353}
    status: confirmed
    timeout: 30
  - type: destroy
    seq: 2
    proto: tcp
    orig:  {src: "2001:db8::1", dst: "2001:db8::2", sport: 1024, dport: 22}
    reply: {src: "2001:db8::2", dst: "2001:db8::1", sport: 22, dport: 1024}
    tcp_state: close
`

func loadSample(t *testing.T) []flowfile.Flow {
	t.Helper()
	flows, err := flowfile.Load(strings.NewReader(sampleFlows))
	require.NoError(t, err)
	return flows
}

func TestEncodeDecodeStream(t *testing.T) {
	// 准备
	flows := loadSample(t)

	// 执行
	msgs, err := encodeFlows(flows, wire.MaxMessageLen, payload.Options{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var stream bytes.Buffer
	require.NoError(t, writeMessages(&stream, msgs, false))
	decoded, err := decodeStream(stream.Bytes())

	// 断言
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, wire.MsgCtNew, decoded[0].Type)
	assert.Equal(t, uint32(1), decoded[0].Seq)
	assert.Equal(t, flows[0].Orig, decoded[0].Orig)
	assert.Equal(t, wire.MsgCtDestroy, decoded[1].Type)
	assert.Equal(t, "2001:db8::2", decoded[1].Orig.Dst)
}

func TestEncodeFlows_CommitTimeout(t *testing.T) {
	flows := loadSample(t)

	msgs, err := encodeFlows(flows[:1], wire.MaxMessageLen, payload.Options{CommitTimeout: true})
	require.NoError(t, err)

	msg, err := wire.Decode(msgs[0])
	require.NoError(t, err)
	assert.NotContains(t, msg.Tags(), wire.TagTimeout)
}

func TestEncodeFlows_MTUTooSmall(t *testing.T) {
	flows := loadSample(t)

	_, err := encodeFlows(flows, wire.HeaderLen+8, payload.Options{})
	assert.ErrorIs(t, err, wire.ErrCapacityExceeded)
}

func TestDecodeStream_Truncated(t *testing.T) {
	msgs, err := encodeFlows(loadSample(t), wire.MaxMessageLen, payload.Options{})
	require.NoError(t, err)

	_, err = decodeStream(msgs[0][:len(msgs[0])-4])
	assert.ErrorIs(t, err, wire.ErrLengthMismatch)

	_, err = decodeStream([]byte{0x10, 0x00})
	assert.ErrorIs(t, err, wire.ErrShortHeader)
}

func TestReadMessages_Hex(t *testing.T) {
	msgs, err := encodeFlows(loadSample(t), wire.MaxMessageLen, payload.Options{})
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, writeMessages(&text, msgs, true))
	assert.Equal(t, 2, strings.Count(text.String(), "\n"))

	raw, err := readMessages(&text, true)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, msgs[0]...), msgs[1]...), raw)

	_, err = readMessages(strings.NewReader("zz"), true)
	assert.Error(t, err)
}

func TestEncodeDecodeCmd_Pipeline(t *testing.T) {
	dir := t.TempDir()
	flowPath := filepath.Join(dir, "flows.yml")
	binPath := filepath.Join(dir, "flows.bin")
	require.NoError(t, os.WriteFile(flowPath, []byte(sampleFlows), 0644))

	rootCmd.SetArgs([]string{"encode", "-f", flowPath, "-o", binPath})
	require.NoError(t, rootCmd.Execute())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)
	rootCmd.SetArgs([]string{"decode", "-f", binPath})
	require.NoError(t, rootCmd.Execute())

	flows, err := flowfile.Load(&out)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, flowfile.Proto(17), flows[0].Proto)
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()

	flowPath := filepath.Join(dir, "flows.yml")
	require.NoError(t, os.WriteFile(flowPath, []byte(sampleFlows), 0644))

	var out bytes.Buffer
	require.NoError(t, runValidateFlows(flowPath, 1472, &out))
	assert.Contains(t, out.String(), "VALID: 2 flow(s)")

	assert.ErrorContains(t, runValidateFlows(flowPath, wire.HeaderLen+8, &out), "INVALID")

	configPath := filepath.Join(dir, "ctsyncd.yml")
	require.NoError(t, os.WriteFile(configPath, []byte("ctsync:\n  node:\n    hostname: fw-a\n"), 0644))
	out.Reset()
	require.NoError(t, runValidateConfig(configPath, &out))
	assert.Contains(t, out.String(), `VALID: node "fw-a", channel multicast`)

	require.NoError(t, os.WriteFile(configPath, []byte("ctsync:\n  sync:\n    mtu: 1\n"), 0644))
	assert.ErrorContains(t, runValidateConfig(configPath, &out), "INVALID")
}

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_UDPLoopback(t *testing.T) {
	rx, err := Open(Config{Mode: ModeUDP, Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	defer rx.Close()

	tx, err := Open(Config{Mode: ModeUDP, Listen: "127.0.0.1:0", Peers: []string{rx.LocalAddr().String()}})
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.Send([]byte("hello")))

	require.NoError(t, rx.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, rx.MTU())
	n, from, err := rx.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, tx.LocalAddr().String(), from.String())
}

func TestChannel_SendLimits(t *testing.T) {
	c, err := Open(Config{Mode: ModeUDP, Listen: "127.0.0.1:0", MTU: 16})
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.Send(make([]byte, 17)), ErrTooLarge)
	assert.ErrorIs(t, c.Send([]byte{1}), ErrNoPeers)
	assert.Equal(t, 16, c.MTU())
}

func TestChannel_NextSeqIncrements(t *testing.T) {
	c, err := Open(Config{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint32(1), c.NextSeq())
	assert.Equal(t, uint32(2), c.NextSeq())
	assert.Equal(t, DefaultMTU, c.MTU())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Mode: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = Open(Config{Mode: ModeMulticast, Group: "10.0.0.1:3780"})
	assert.ErrorIs(t, err, ErrNotMulticast)

	_, err = Open(Config{Mode: ModeUDP, Listen: "127.0.0.1:0", Peers: []string{"not an address"}})
	assert.Error(t, err)
}

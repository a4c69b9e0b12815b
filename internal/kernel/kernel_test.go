package kernel

import (
	"context"
	"net/netip"
	"testing"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/wire"
)

func flow(t *testing.T) *conntrack.Record {
	t.Helper()
	r := &conntrack.Record{}
	require.NoError(t, r.SetAddr(conntrack.AttrOrigIPv4Src, netip.MustParseAddr("10.0.0.1")))
	require.NoError(t, r.SetAddr(conntrack.AttrOrigIPv4Dst, netip.MustParseAddr("10.0.0.2")))
	r.SetUint16(conntrack.AttrOrigPortSrc, 1234)
	r.SetUint16(conntrack.AttrOrigPortDst, 80)
	r.SetUint8(conntrack.AttrL4Proto, conntrack.ProtoTCP)
	r.SetUint8(conntrack.AttrTCPState, conntrack.TCPStateEstablished)
	r.SetUint32(conntrack.AttrStatus, conntrack.StatusSeenReply|conntrack.StatusConfirmed)
	r.SetUint32(conntrack.AttrTimeout, 120)
	return r
}

func eventMessage(t *testing.T, msg uint8, flags netlink.HeaderFlags, pid uint32, rec *conntrack.Record) netlink.Message {
	t.Helper()
	data, err := rec.MarshalNetlink()
	require.NoError(t, err)
	return netlink.Message{
		Header: netlink.Header{Type: messageType(msg), Flags: flags, PID: pid},
		Data:   data,
	}
}

func TestParseGroups(t *testing.T) {
	mask, err := ParseGroups(nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b111), mask)

	mask, err = ParseGroups([]string{"new", " Destroy "})
	require.NoError(t, err)
	assert.Equal(t, uint32(0b101), mask)

	_, err = ParseGroups([]string{"bogus"})
	assert.Error(t, err)
}

func TestParseEvent_Types(t *testing.T) {
	rec := flow(t)
	cases := []struct {
		name  string
		msg   uint8
		flags netlink.HeaderFlags
		want  wire.MsgType
	}{
		{"new", ipctnlMsgCtNew, netlink.Create | netlink.Excl, wire.MsgCtNew},
		{"update", ipctnlMsgCtNew, 0, wire.MsgCtUpdate},
		{"destroy", ipctnlMsgCtDelete, 0, wire.MsgCtDestroy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseEvent(eventMessage(t, tc.msg, tc.flags, 77, rec))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Type)
			assert.Equal(t, uint32(77), ev.Header.PID)
			assert.Equal(t, uint8(unix.AF_INET), ev.Family)
			assert.Equal(t, uint16(1234), ev.Record.Uint16(conntrack.AttrOrigPortSrc))
			assert.True(t, ev.Record.GroupIsSet(conntrack.GroupReplIPv4))
		})
	}
}

func TestParseEvent_NotConntrack(t *testing.T) {
	_, err := ParseEvent(netlink.Message{Header: netlink.Header{Type: 0x0201}})
	assert.ErrorIs(t, err, ErrNotConntrack)

	_, err = ParseEvent(netlink.Message{Header: netlink.Header{Type: messageType(1)}, Data: []byte{2, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrNotConntrack)
}

func TestListener_ReceiveSkipsForeignMessages(t *testing.T) {
	rec := flow(t)
	conn := nltest.Dial(func(req []netlink.Message) ([]netlink.Message, error) {
		return []netlink.Message{
			eventMessage(t, ipctnlMsgCtNew, netlink.Create|netlink.Excl, 0, rec),
			{Header: netlink.Header{Type: 0x0301}, Data: []byte{0, 0, 0, 0}},
			eventMessage(t, ipctnlMsgCtDelete, 0, 0, rec),
		}, nil
	})
	l := newListener(conn)
	defer l.Close()

	events, err := l.Receive()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, wire.MsgCtNew, events[0].Type)
	assert.Equal(t, wire.MsgCtDestroy, events[1].Type)
}

type recorded struct {
	header netlink.Header
	rec    *conntrack.Record
}

func fakeKernel(t *testing.T, reply func(n int, req netlink.Message) int) (*netlink.Conn, *[]recorded) {
	t.Helper()
	var seen []recorded
	conn := nltest.Dial(func(reqs []netlink.Message) ([]netlink.Message, error) {
		req := reqs[0]
		rec := &conntrack.Record{}
		_, err := rec.UnmarshalNetlink(req.Data)
		require.NoError(t, err)
		seen = append(seen, recorded{header: req.Header, rec: rec})
		return nltest.Error(reply(len(seen), req), reqs)
	})
	return conn, &seen
}

func TestCommitter_CreateAppliesTimeoutAndMasksStatus(t *testing.T) {
	conn, seen := fakeKernel(t, func(int, netlink.Message) int { return 0 })
	c := newCommitter(conn, CommitterConfig{PortID: 4242, Timeout: 180})

	require.NoError(t, c.Commit(context.Background(), wire.MsgCtNew, flow(t)))
	require.Len(t, *seen, 1)

	got := (*seen)[0]
	assert.Equal(t, messageType(ipctnlMsgCtNew), got.header.Type)
	assert.Equal(t, netlink.Request|netlink.Acknowledge|netlink.Create|netlink.Excl, got.header.Flags)
	assert.Equal(t, uint32(180), got.rec.Uint32(conntrack.AttrTimeout))
	assert.Equal(t, conntrack.StatusSeenReply, got.rec.Uint32(conntrack.AttrStatus))
	assert.Equal(t, uint32(4242), c.PortID())
}

func TestCommitter_ExistingEntryFallsBackToUpdate(t *testing.T) {
	conn, seen := fakeKernel(t, func(n int, _ netlink.Message) int {
		if n == 1 {
			return int(unix.EEXIST)
		}
		return 0
	})
	c := newCommitter(conn, CommitterConfig{PortID: 4242})

	rec := flow(t)
	rec.SetUint32(conntrack.AttrSNATIPv4, 0xcb007105)
	rec.SetUint32(conntrack.AttrStatus, conntrack.StatusSrcNATDone|conntrack.StatusSeenReply)

	require.NoError(t, c.Commit(context.Background(), wire.MsgCtUpdate, rec))
	require.Len(t, *seen, 2)

	upd := (*seen)[1]
	assert.Equal(t, netlink.Request|netlink.Acknowledge, upd.header.Flags)
	assert.Equal(t, conntrack.StatusSeenReply, upd.rec.Uint32(conntrack.AttrStatus))
	assert.Equal(t, uint32(120), upd.rec.Uint32(conntrack.AttrTimeout))
}

func TestCommitter_SetTimeout(t *testing.T) {
	conn, seen := fakeKernel(t, func(int, netlink.Message) int { return 0 })
	c := newCommitter(conn, CommitterConfig{PortID: 4242, Timeout: 180})

	c.SetTimeout(0)
	require.NoError(t, c.Commit(context.Background(), wire.MsgCtNew, flow(t)))
	c.SetTimeout(30)
	require.NoError(t, c.Commit(context.Background(), wire.MsgCtNew, flow(t)))

	require.Len(t, *seen, 2)
	assert.Equal(t, uint32(120), (*seen)[0].rec.Uint32(conntrack.AttrTimeout))
	assert.Equal(t, uint32(30), (*seen)[1].rec.Uint32(conntrack.AttrTimeout))
}

func TestCommitter_DestroyIgnoresMissingEntry(t *testing.T) {
	conn, seen := fakeKernel(t, func(int, netlink.Message) int { return int(unix.ENOENT) })
	c := newCommitter(conn, CommitterConfig{PortID: 4242})

	require.NoError(t, c.Commit(context.Background(), wire.MsgCtDestroy, flow(t)))
	require.Len(t, *seen, 1)
	assert.Equal(t, messageType(ipctnlMsgCtDelete), (*seen)[0].header.Type)
	assert.False(t, (*seen)[0].rec.IsSet(conntrack.AttrStatus), "delete carries only the tuple")
}

func TestCommitter_ErrorsSurface(t *testing.T) {
	conn, _ := fakeKernel(t, func(int, netlink.Message) int { return int(unix.EPERM) })
	c := newCommitter(conn, CommitterConfig{PortID: 4242})

	err := c.Commit(context.Background(), wire.MsgCtNew, flow(t))
	assert.ErrorIs(t, err, unix.EPERM)

	err = c.Commit(context.Background(), wire.MsgType(7), flow(t))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Commit(ctx, wire.MsgCtNew, flow(t)), context.Canceled)
}

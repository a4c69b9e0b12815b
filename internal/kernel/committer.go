package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/wire"
)

var ErrUnsupportedType = errors.New("kernel: unsupported commit message type")

// Status bits the kernel refuses to set from user space.
const unchangeableStatus = conntrack.StatusExpected |
	conntrack.StatusConfirmed |
	conntrack.StatusDying |
	conntrack.StatusTemplate |
	conntrack.StatusUntracked

// NAT state can only be set up when an entry is created.
const natStatus = conntrack.StatusSrcNAT |
	conntrack.StatusDstNAT |
	conntrack.StatusSrcNATDone |
	conntrack.StatusDstNATDone

// CommitterConfig binds the commit socket.
type CommitterConfig struct {
	// PortID is the netlink port the socket binds to. Events caused by
	// commits carry it, which is how they are recognised as our own.
	PortID uint32
	// Timeout, when non-zero, replaces the timeout of every committed entry.
	Timeout uint32
}

// Committer writes replicated entries into the kernel table.
type Committer struct {
	conn    *netlink.Conn
	portID  uint32
	timeout atomic.Uint32
}

// NewCommitter opens the commit socket bound to cfg.PortID.
func NewCommitter(cfg CommitterConfig) (*Committer, error) {
	if cfg.PortID == 0 {
		return nil, fmt.Errorf("kernel: commit port id must not be 0")
	}
	conn, err := netlink.Dial(unix.NETLINK_NETFILTER, &netlink.Config{PID: cfg.PortID})
	if err != nil {
		return nil, fmt.Errorf("kernel: dial commit socket on port %d: %w", cfg.PortID, err)
	}
	return newCommitter(conn, cfg), nil
}

func newCommitter(conn *netlink.Conn, cfg CommitterConfig) *Committer {
	c := &Committer{conn: conn, portID: cfg.PortID}
	c.timeout.Store(cfg.Timeout)
	return c
}

// SetTimeout changes the timeout override; 0 keeps the peer's timeout.
func (c *Committer) SetTimeout(seconds uint32) { c.timeout.Store(seconds) }

// PortID returns the netlink port the commit socket is bound to.
func (c *Committer) PortID() uint32 { return c.portID }

// Commit applies rec. MsgCtNew and MsgCtUpdate create the entry or, if it
// already exists, update it; MsgCtDestroy deletes it. Deleting an entry that
// is already gone is not an error.
func (c *Committer) Commit(ctx context.Context, typ wire.MsgType, rec *conntrack.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(dl); err == nil {
			defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
		}
	}

	switch typ {
	case wire.MsgCtNew, wire.MsgCtUpdate:
		err := c.create(rec)
		if errors.Is(err, unix.EEXIST) {
			err = c.update(rec)
		}
		return err
	case wire.MsgCtDestroy:
		err := c.remove(rec)
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
}

func (c *Committer) create(rec *conntrack.Record) error {
	r := c.prepare(rec)
	if r.IsSet(conntrack.AttrStatus) {
		r.SetUint32(conntrack.AttrStatus, r.Uint32(conntrack.AttrStatus)&^unchangeableStatus)
	}
	data, err := r.MarshalNetlink()
	if err != nil {
		return err
	}
	return c.execute(ipctnlMsgCtNew, netlink.Create|netlink.Excl, data)
}

func (c *Committer) update(rec *conntrack.Record) error {
	r := c.prepare(rec)
	if r.IsSet(conntrack.AttrStatus) {
		r.SetUint32(conntrack.AttrStatus, r.Uint32(conntrack.AttrStatus)&^(unchangeableStatus|natStatus))
	}
	for _, a := range []conntrack.Attr{
		conntrack.AttrMasterIPv4Src, conntrack.AttrMasterIPv4Dst,
		conntrack.AttrMasterIPv6Src, conntrack.AttrMasterIPv6Dst,
		conntrack.AttrMasterL4Proto, conntrack.AttrMasterPortSrc, conntrack.AttrMasterPortDst,
		conntrack.AttrSNATIPv4, conntrack.AttrDNATIPv4,
		conntrack.AttrSNATPort, conntrack.AttrDNATPort,
	} {
		r.Unset(a)
	}
	data, err := r.MarshalNetlink()
	if err != nil {
		return err
	}
	return c.execute(ipctnlMsgCtNew, 0, data)
}

func (c *Committer) remove(rec *conntrack.Record) error {
	data, err := rec.MarshalNetlinkTuple()
	if err != nil {
		return err
	}
	return c.execute(ipctnlMsgCtDelete, 0, data)
}

func (c *Committer) prepare(rec *conntrack.Record) *conntrack.Record {
	r := rec.Clone()
	if t := c.timeout.Load(); t != 0 {
		r.SetUint32(conntrack.AttrTimeout, t)
	}
	return r
}

func (c *Committer) execute(msg uint8, flags netlink.HeaderFlags, data []byte) error {
	_, err := c.conn.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  messageType(msg),
			Flags: netlink.Request | netlink.Acknowledge | flags,
		},
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("kernel: commit: %w", err)
	}
	return nil
}

// Close releases the commit socket.
func (c *Committer) Close() error {
	return c.conn.Close()
}

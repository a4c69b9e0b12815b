// Package kernel talks to the kernel connection tracking table over
// ctnetlink: a Listener receives multicast events and a Committer applies
// replicated entries.
package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mdlayher/netlink"

	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/wire"
)

const (
	nfnlSubsysCTNetlink = 1

	ipctnlMsgCtNew    = 0
	ipctnlMsgCtDelete = 2
)

// Multicast groups (NFNLGRP_CONNTRACK_*).
const (
	GroupNew     = 1
	GroupUpdate  = 2
	GroupDestroy = 3
)

var ErrNotConntrack = errors.New("kernel: not a ctnetlink conntrack message")

// ParseGroups turns group names ("new", "update", "destroy") into the
// netlink subscription bitmask. An empty list subscribes to all three.
func ParseGroups(names []string) (uint32, error) {
	if len(names) == 0 {
		names = []string{"new", "update", "destroy"}
	}
	var mask uint32
	for _, n := range names {
		var g uint32
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "new":
			g = GroupNew
		case "update":
			g = GroupUpdate
		case "destroy":
			g = GroupDestroy
		default:
			return 0, fmt.Errorf("kernel: unknown event group %q", n)
		}
		mask |= 1 << (g - 1)
	}
	return mask, nil
}

// Event is one conntrack event read from the kernel.
type Event struct {
	Header netlink.Header
	Type   wire.MsgType
	Family uint8
	Record *conntrack.Record
}

func messageType(msg uint8) netlink.HeaderType {
	return netlink.HeaderType(nfnlSubsysCTNetlink<<8 | uint16(msg))
}

// ParseEvent decodes a ctnetlink event. A CT_NEW message created with
// NLM_F_CREATE|NLM_F_EXCL is a new entry, any other CT_NEW is an update.
func ParseEvent(m netlink.Message) (Event, error) {
	if uint16(m.Header.Type)>>8 != nfnlSubsysCTNetlink {
		return Event{}, fmt.Errorf("%w: type %#04x", ErrNotConntrack, uint16(m.Header.Type))
	}

	ev := Event{Header: m.Header}
	switch uint8(m.Header.Type) {
	case ipctnlMsgCtNew:
		ev.Type = wire.MsgCtUpdate
		if m.Header.Flags&(netlink.Create|netlink.Excl) != 0 {
			ev.Type = wire.MsgCtNew
		}
	case ipctnlMsgCtDelete:
		ev.Type = wire.MsgCtDestroy
	default:
		return Event{}, fmt.Errorf("%w: message %d", ErrNotConntrack, uint8(m.Header.Type))
	}

	rec := &conntrack.Record{}
	family, err := rec.UnmarshalNetlink(m.Data)
	if err != nil {
		return Event{}, err
	}
	ev.Family = family
	ev.Record = rec
	return ev, nil
}

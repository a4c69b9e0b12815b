package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// ListenerConfig selects the event groups and socket buffer size.
type ListenerConfig struct {
	Groups     []string
	ReadBuffer int
}

// Listener receives conntrack events from the kernel multicast groups.
type Listener struct {
	conn *netlink.Conn
}

// Listen opens a NETLINK_NETFILTER socket subscribed to cfg.Groups.
func Listen(cfg ListenerConfig) (*Listener, error) {
	groups, err := ParseGroups(cfg.Groups)
	if err != nil {
		return nil, err
	}
	conn, err := netlink.Dial(unix.NETLINK_NETFILTER, &netlink.Config{Groups: groups})
	if err != nil {
		return nil, fmt.Errorf("kernel: dial event socket: %w", err)
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("kernel: set read buffer: %w", err)
		}
	}
	return newListener(conn), nil
}

func newListener(conn *netlink.Conn) *Listener {
	return &Listener{conn: conn}
}

// Receive blocks until the kernel delivers events. Messages that are not
// conntrack events are skipped; malformed ones are logged and dropped.
func (l *Listener) Receive() ([]Event, error) {
	msgs, err := l.conn.Receive()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := ParseEvent(m)
		if err != nil {
			if !errors.Is(err, ErrNotConntrack) {
				slog.Warn("dropping malformed conntrack event",
					"type", uint16(m.Header.Type), "pid", m.Header.PID, "error", err)
			}
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close unblocks a pending Receive and releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// IsOverrun reports whether err means the socket receive buffer overflowed
// and events were lost.
func IsOverrun(err error) bool {
	return errors.Is(err, unix.ENOBUFS)
}

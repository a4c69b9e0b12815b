// Package channel carries replication messages between peer nodes over UDP,
// either to a multicast group or to a fixed list of unicast peers.
package channel

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

const (
	ModeMulticast = "multicast"
	ModeUDP       = "udp"

	// DefaultMTU leaves room for IPv4 and UDP headers on a 1500 byte link.
	DefaultMTU = 1472
)

var (
	ErrNoPeers      = errors.New("channel: no destination configured")
	ErrTooLarge     = errors.New("channel: message exceeds mtu")
	ErrUnknownMode  = errors.New("channel: unknown mode")
	ErrNotMulticast = errors.New("channel: group is not a multicast address")
)

// Config describes one channel.
type Config struct {
	Mode      string
	Group     string // multicast: group address and port
	Interface string // multicast: interface to join on, empty for the default
	TTL       int
	Loopback  bool
	Listen    string   // udp: local address
	Peers     []string // udp: remote addresses
	MTU       int
}

// Channel is a UDP endpoint with a per-channel send sequence.
type Channel struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	dests []*net.UDPAddr
	mtu   int
	seq   atomic.Uint32
}

// Open creates the channel described by cfg.
func Open(cfg Config) (*Channel, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	switch strings.ToLower(cfg.Mode) {
	case ModeMulticast:
		return openMulticast(cfg, mtu)
	case ModeUDP, "":
		return openUDP(cfg, mtu)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

func openMulticast(cfg Config, mtu int) (*Channel, error) {
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("channel: resolve group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrNotMulticast, group.IP)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("channel: interface %q: %w", cfg.Interface, err)
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: group.Port})
	if err != nil {
		return nil, fmt.Errorf("channel: listen on port %d: %w", group.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)

	steps := []step{
		{"join group", func() error { return pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}) }},
		{"set loopback", func() error { return pc.SetMulticastLoopback(cfg.Loopback) }},
	}
	if ifi != nil {
		steps = append(steps, step{"set interface", func() error { return pc.SetMulticastInterface(ifi) }})
	}
	if cfg.TTL > 0 {
		steps = append(steps, step{"set ttl", func() error { return pc.SetMulticastTTL(cfg.TTL) }})
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("channel: %s: %w", s.what, err)
		}
	}

	return &Channel{conn: conn, pc: pc, dests: []*net.UDPAddr{group}, mtu: mtu}, nil
}

type step struct {
	what string
	fn   func() error
}

func openUDP(cfg Config, mtu int) (*Channel, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("channel: resolve listen %q: %w", cfg.Listen, err)
	}
	dests := make([]*net.UDPAddr, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("channel: resolve peer %q: %w", p, err)
		}
		dests = append(dests, addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("channel: listen on %s: %w", laddr, err)
	}
	return &Channel{conn: conn, dests: dests, mtu: mtu}, nil
}

// MTU is the largest message Send accepts.
func (c *Channel) MTU() int { return c.mtu }

// LocalAddr returns the bound local address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// NextSeq returns the sequence number for the next outgoing message.
func (c *Channel) NextSeq() uint32 { return c.seq.Add(1) }

// Send writes b to every destination.
func (c *Channel) Send(b []byte) error {
	if len(b) > c.mtu {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.mtu)
	}
	if len(c.dests) == 0 {
		return ErrNoPeers
	}
	var errs []error
	for _, d := range c.dests {
		if _, err := c.conn.WriteToUDP(b, d); err != nil {
			errs = append(errs, fmt.Errorf("channel: send to %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

// Receive reads one message into buf.
func (c *Channel) Receive(buf []byte) (int, net.Addr, error) {
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

// Close leaves the multicast group, if any, and closes the socket.
func (c *Channel) Close() error {
	if c.pc != nil && len(c.dests) == 1 {
		_ = c.pc.LeaveGroup(nil, &net.UDPAddr{IP: c.dests[0].IP})
	}
	return c.conn.Close()
}

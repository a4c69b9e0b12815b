// Package origin tells events caused by this node's own commits apart from
// everything else, so that committed updates are never replicated back.
//
// The marker is the netlink port ID of the socket that issued a request: the
// kernel stamps it into nlmsg_pid of every event the request triggers.
package origin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mdlayher/netlink"
)

// Kind classifies where an update came from.
type Kind uint8

const (
	// NotMe marks updates observed from the kernel or any other process.
	NotMe Kind = iota
	// Commit marks updates applied by this node's own commit path.
	Commit
)

func (k Kind) Valid() bool { return k == NotMe || k == Commit }

func (k Kind) String() string {
	switch k {
	case NotMe:
		return "not_me"
	case Commit:
		return "commit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrAlreadyRegistered = errors.New("origin: handle already registered")
	ErrNotRegistered     = errors.New("origin: handle not registered")
	ErrInvalidKind       = errors.New("origin: invalid origin kind")
	ErrInvalidHandle     = errors.New("origin: handle has no netlink port id")
)

// Handle is a netlink socket owner. Port ID 0 belongs to the kernel.
type Handle interface {
	PortID() uint32
}

// Entry is one registration, as reported to the control plane.
type Entry struct {
	PortID uint32 `json:"port_id"`
	Kind   string `json:"kind"`
}

// Registry maps netlink port IDs to origin kinds. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]Kind
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]Kind)}
}

func portOf(h Handle) (uint32, error) {
	if h == nil {
		return 0, ErrInvalidHandle
	}
	pid := h.PortID()
	if pid == 0 {
		return 0, ErrInvalidHandle
	}
	return pid, nil
}

// Register associates kind with h.
func (r *Registry) Register(h Handle, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, uint8(kind))
	}
	pid, err := portOf(h)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[pid]; ok {
		return fmt.Errorf("%w: port %d", ErrAlreadyRegistered, pid)
	}
	r.entries[pid] = kind
	return nil
}

// Unregister removes the association of h.
func (r *Registry) Unregister(h Handle) error {
	pid, err := portOf(h)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[pid]; !ok {
		return fmt.Errorf("%w: port %d", ErrNotRegistered, pid)
	}
	delete(r.entries, pid)
	return nil
}

// Find classifies a raw netlink message by the port ID in its header.
// Anything unparsable or unknown is NotMe.
func (r *Registry) Find(raw []byte) Kind {
	var m netlink.Message
	if err := m.UnmarshalBinary(raw); err != nil {
		return NotMe
	}
	return r.FindHeader(m.Header)
}

// FindHeader classifies an already parsed netlink header.
func (r *Registry) FindHeader(h netlink.Header) Kind {
	if h.PID == 0 {
		return NotMe
	}
	r.mu.Lock()
	kind, ok := r.entries[h.PID]
	r.mu.Unlock()
	if !ok {
		return NotMe
	}
	return kind
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a snapshot ordered by port ID.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for pid, kind := range r.entries {
		out = append(out, Entry{PortID: pid, Kind: kind.String()})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PortID < out[j].PortID })
	return out
}

// Package session implements the synchronization protocol between one
// authority and its peers: per-connection state machines, the session
// directory with broadcast, world downloads and tick-scheduled actions.
package session

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"worldsync.dev/internal/protocol"
)

type Role string

const (
	RoleAuthority Role = "authority"
	RolePeer      Role = "peer"
)

type Phase string

const (
	PhaseBulk   Phase = "bulk_transfer"
	PhaseSteady Phase = "steady"
)

// State handles messages for one connection. Handle runs on the transport
// goroutine and must hand world-mutating work to the task queue.
type State interface {
	Role() Role
	Phase() Phase
	Handle(kind protocol.Kind, payload []byte) error
	// Disconnect runs once when the connection closes.
	Disconnect()
}

// Link is the byte transport under a Conn. Send must not block beyond
// buffering; Close must be idempotent.
type Link interface {
	Send(kind protocol.Kind, payload []byte) error
	Close() error
}

type Conn struct {
	id   uint64
	link Link
	log  *log.Logger

	mu       sync.Mutex
	state    State
	username string
	onClose  []func(*Conn)

	closed   atomic.Bool
	sent     atomic.Uint64
	received atomic.Uint64
}

func NewConn(id uint64, link Link, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.Default()
	}
	return &Conn{id: id, link: link, log: logger}
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Conn) SetUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState replaces the attached handler.
func (c *Conn) SetState(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil && c.state.Phase() == PhaseSteady && s.Phase() == PhaseBulk {
		return ErrStateRegression
	}
	c.state = s
	return nil
}

func (c *Conn) Send(kind protocol.Kind, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.link.Send(kind, payload); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Receive is called by the transport for every inbound message, in order.
func (c *Conn) Receive(kind protocol.Kind, payload []byte) {
	if c.closed.Load() {
		return
	}
	c.received.Add(1)
	st := c.State()
	if st == nil {
		c.log.Printf("conn %d: no state attached, dropping kind %d", c.id, kind)
		return
	}
	if err := st.Handle(kind, payload); err != nil {
		c.log.Printf("conn %d (%s): %s %s: %v", c.id, c.Username(), st.Phase(), inboundKindName(st.Role(), kind), err)
	}
}

// Close is idempotent. It closes the link, then notifies the state and any
// OnClose hooks.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.link.Close()

	c.mu.Lock()
	st := c.state
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if st != nil {
		st.Disconnect()
	}
	for _, fn := range hooks {
		fn(c)
	}
	return err
}

func (c *Conn) Closed() bool { return c.closed.Load() }

// OnClose registers fn to run after Close. On a closed Conn it runs at once.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.mu.Lock()
	if !c.closed.Load() {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// Counters reports messages sent and received.
func (c *Conn) Counters() (sent, received uint64) {
	return c.sent.Load(), c.received.Load()
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn#%d(%s)", c.id, c.Username())
}

// inboundKindName names a kind as seen by the receiving role.
func inboundKindName(r Role, k protocol.Kind) string {
	if r == RoleAuthority {
		return protocol.PeerKindName(k)
	}
	return protocol.AuthKindName(k)
}

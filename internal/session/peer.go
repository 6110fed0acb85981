package session

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"worldsync.dev/internal/fifo"
	"worldsync.dev/internal/persistence/mapstore"
	"worldsync.dev/internal/persistence/snapshot"
	"worldsync.dev/internal/protocol"
	"worldsync.dev/internal/session/latch"
	"worldsync.dev/internal/sim/mainthread"
	"worldsync.dev/internal/sim/tasks"
	"worldsync.dev/internal/sim/world"
)

type PeerConfig struct {
	Username string
	// ApplyDueWhileRunning also applies pending actions whose due tick has
	// been reached while time is advancing. Off by default: actions are only
	// applied while the simulation is paused.
	ApplyDueWhileRunning bool
}

// Peer is the participant side of a session. The host runs one too, joined
// to its own Authority over a loopback pair.
type Peer struct {
	cfg    PeerConfig
	world  *world.World
	queue  *mainthread.Queue
	runner *tasks.Runner
	sink   ActionSink
	log    *log.Logger

	conn atomic.Pointer[Conn]

	pending    *fifo.Queue[protocol.ScheduledAction]
	pause      *latch.Signal
	pauseWaits atomic.Int32
	applied    atomic.Uint64

	readyOnce sync.Once
	ready     chan struct{}

	// Loop goroutine only.
	stash  map[string]snapshot.FactionV1
	parked []world.WorldObject
}

func NewPeer(cfg PeerConfig, w *world.World, q *mainthread.Queue, r *tasks.Runner, sink ActionSink, logger *log.Logger) *Peer {
	if logger == nil {
		logger = log.Default()
	}
	return &Peer{
		cfg:     cfg,
		world:   w,
		queue:   q,
		runner:  r,
		sink:    sink,
		log:     logger,
		pending: fifo.New[protocol.ScheduledAction](),
		pause:   latch.NewSignal(),
		ready:   make(chan struct{}),
		stash:   map[string]snapshot.FactionV1{},
	}
}

func (p *Peer) Username() string { return p.cfg.Username }

func (p *Peer) Conn() *Conn { return p.conn.Load() }

// Ready is closed once the peer runs the shared world.
func (p *Peer) Ready() <-chan struct{} { return p.ready }

func (p *Peer) markReady() { p.readyOnce.Do(func() { close(p.ready) }) }

// Attach joins a remote authority: the connection enters the bulk-transfer
// phase, which announces the username and requests the world.
func (p *Peer) Attach(c *Conn) error {
	c.SetUsername(p.cfg.Username)
	if err := c.SetState(&peerBulkState{p: p, c: c}); err != nil {
		return err
	}
	p.conn.Store(c)
	if err := c.Send(protocol.PeerUsername, []byte(p.cfg.Username)); err != nil {
		return err
	}
	return c.Send(protocol.PeerRequestWorld, nil)
}

// AttachSteady joins without a download; used for the host's loopback peer.
func (p *Peer) AttachSteady(c *Conn) error {
	c.SetUsername(p.cfg.Username)
	if err := c.SetState(&peerSteadyState{p: p, c: c}); err != nil {
		return err
	}
	p.conn.Store(c)
	p.markReady()
	return nil
}

func (p *Peer) send(kind protocol.Kind, payload []byte) error {
	c := p.conn.Load()
	if c == nil {
		return ErrNotAttached
	}
	return c.Send(kind, payload)
}

// RequestAction asks the authority to schedule act for every peer.
func (p *Peer) RequestAction(act protocol.Action) error {
	return p.send(protocol.PeerActionRequest, protocol.EncodeActionRequest(act))
}

// SyncWorldObject shares an object this peer already added locally.
func (p *Peer) SyncWorldObject(o world.WorldObject) error {
	b, err := snapshot.EncodeWorldObject(world.WorldObjectToV1(o))
	if err != nil {
		return err
	}
	return p.send(protocol.PeerNewWorldObject, b)
}

// Settle creates a world object owned by this peer's faction and shares it.
// Must run on the loop goroutine.
func (p *Peer) Settle(def, name string, tile int) (world.WorldObject, error) {
	var factionID string
	if f, ok := p.world.PeerFaction(p.cfg.Username); ok {
		factionID = f.ID
	}
	o, err := p.world.NewWorldObject(def, name, tile, factionID)
	if err != nil {
		return world.WorldObject{}, err
	}
	return o, p.SyncWorldObject(o)
}

// UploadMaps sends this peer's maps to the authority for safekeeping.
func (p *Peer) UploadMaps(maps []snapshot.MapV1) error {
	b, err := mapstore.Marshal(mapstore.Document{Username: p.cfg.Username, Maps: maps})
	if err != nil {
		return err
	}
	return p.send(protocol.PeerMapData, b)
}

// PendingActions is the number of scheduled actions not yet applied.
func (p *Peer) PendingActions() int { return p.pending.Len() }

func (p *Peer) AppliedActions() uint64 { return p.applied.Load() }

// DrainActions applies queued actions while time is paused, in arrival order.
// Arrival order is broadcast order, identical on every peer. Runs on the loop
// goroutine after the task queue.
func (p *Peer) DrainActions() {
	for p.world.TimeRate() == world.Paused {
		s, ok := p.pending.Pop()
		if !ok {
			return
		}
		p.apply(s)
	}
}

// OnTick applies actions that fall due while time runs, when enabled.
func (p *Peer) OnTick(tick uint64) {
	if !p.cfg.ApplyDueWhileRunning {
		return
	}
	for {
		s, ok := p.pending.Peek()
		if !ok || s.DueTick > tick {
			return
		}
		p.pending.Pop()
		p.apply(s)
	}
}

func (p *Peer) apply(s protocol.ScheduledAction) {
	switch s.Action {
	case protocol.ActionPause:
		p.world.SetTimeRate(world.Paused)
	case protocol.ActionUnpause:
		p.world.SetTimeRate(world.Normal)
	}
	seq := p.applied.Add(1)
	tick := p.world.CurrentTick()
	p.log.Printf("executed scheduled action %s due=%d at tick %d", s.Action, s.DueTick, tick)
	if p.sink == nil {
		return
	}
	err := p.sink.WriteAction(AppliedAction{
		Time:     time.Now().UTC(),
		WorldID:  p.world.ID(),
		Username: p.cfg.Username,
		Tick:     tick,
		DueTick:  s.DueTick,
		Action:   s.Action.String(),
		Seq:      seq,
	})
	if err != nil {
		p.log.Printf("action log: %v", err)
	}
}

// Hooks wires the peer into a world loop it drives alone. A host combines
// these with the authority's queue itself.
func (p *Peer) Hooks() world.Hooks {
	return world.Hooks{
		Queue:      p.queue,
		AfterDrain: []func(){p.DrainActions},
		OnTick:     []func(uint64){p.OnTick},
		Frozen:     p.runner.Blocking,
	}
}

// worldReceived installs a downloaded world. Runs on the loop goroutine.
func (p *Peer) worldReceived(c *Conn, snap snapshot.WorldV1, maps []snapshot.MapV1) {
	if err := p.world.LoadRemote(snap, maps); err != nil {
		p.log.Printf("load world: %v", err)
		_ = c.Close()
		return
	}
	for username, fv := range p.stash {
		if err := p.world.AddPeerFaction(username, world.FactionFromV1(fv)); err != nil {
			p.log.Printf("faction for %s: %v", username, err)
		}
	}
	p.stash = map[string]snapshot.FactionV1{}

	if err := c.SetState(&peerSteadyState{p: p, c: c}); err != nil {
		p.log.Printf("enter steady state: %v", err)
		return
	}
	if err := c.Send(protocol.PeerWorldFinished, nil); err != nil {
		p.log.Printf("send world finished: %v", err)
		return
	}
	p.markReady()
	p.log.Printf("world %s loaded at tick %d", p.world.ID(), p.world.CurrentTick())
}

// mergeFactions adds factions announced by the authority, skipping our own.
func (p *Peer) mergeFactions(m map[string]snapshot.FactionV1) {
	for username, fv := range m {
		if username == p.cfg.Username {
			continue
		}
		if err := p.world.AddPeerFaction(username, world.FactionFromV1(fv)); err != nil {
			p.log.Printf("faction for %s: %v", username, err)
		}
	}
	p.log.Printf("got %d new factions", len(m))
	p.flushParked()
}

// addRelayedObject inserts an object shared by another peer. An object whose
// faction has not been announced yet waits until mergeFactions brings it;
// later objects queue behind it to keep relay order.
func (p *Peer) addRelayedObject(o world.WorldObject) {
	if len(p.parked) > 0 {
		p.parked = append(p.parked, o)
		return
	}
	err := p.world.AddWorldObject(o)
	if errors.Is(err, world.ErrUnknownFaction) {
		p.parked = append(p.parked, o)
		return
	}
	if err != nil {
		p.log.Printf("world object %s: %v", o.ID, err)
	}
}

func (p *Peer) flushParked() {
	for len(p.parked) > 0 {
		o := p.parked[0]
		err := p.world.AddWorldObject(o)
		if errors.Is(err, world.ErrUnknownFaction) {
			return
		}
		if err != nil {
			p.log.Printf("world object %s: %v", o.ID, err)
		}
		p.parked = p.parked[1:]
	}
	p.parked = nil
}

// ParkedObjects is the number of relayed objects waiting for their faction.
// Loop goroutine only.
func (p *Peer) ParkedObjects() int { return len(p.parked) }

// disconnected releases a pending download wait so the runner is not stuck
// on an authority that is gone.
func (p *Peer) disconnected(c *Conn) {
	if p.pauseWaits.Load() > 0 {
		p.pause.Set()
	}
	p.log.Printf("disconnected from authority (conn %d)", c.ID())
}

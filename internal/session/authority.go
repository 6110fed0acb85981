package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"worldsync.dev/internal/persistence/snapshot"
	"worldsync.dev/internal/protocol"
	"worldsync.dev/internal/session/latch"
	"worldsync.dev/internal/sim/mainthread"
	"worldsync.dev/internal/sim/tasks"
	"worldsync.dev/internal/sim/world"
)

const DefaultLookahead = 15

// MapStore keeps each peer's private map document per world.
type MapStore interface {
	Save(worldID, username string, payload []byte) error
	Load(worldID, username string) ([]byte, error)
}

type AuthorityConfig struct {
	// Lookahead is added to the current tick to get an action's due tick.
	Lookahead uint64
	// DownloadStallWarn logs outstanding downloads at this interval. Zero disables it.
	DownloadStallWarn time.Duration
}

type AuthorityStats struct {
	Conns          int    `json:"conns"`
	Saving         bool   `json:"saving"`
	SnapshotCycles uint64 `json:"snapshot_cycles"`
	ActionsIssued  uint64 `json:"actions_issued"`
	Relayed        uint64 `json:"relayed"`
}

// Authority is the session directory: it owns the connection registry,
// produces world snapshots for joining peers and orders scheduled actions.
type Authority struct {
	cfg    AuthorityConfig
	world  *world.World
	queue  *mainthread.Queue
	runner *tasks.Runner
	maps   MapStore
	rec    Recorder
	log    *log.Logger

	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]*Conn
	local *Conn

	saving  atomic.Bool
	cycles  atomic.Uint64
	actions atomic.Uint64
	relayed atomic.Uint64

	// Loop goroutine only.
	snapshot    []byte
	waiting     []*Conn
	downloads   *latch.Barrier
	newFactions map[string]snapshot.FactionV1
}

func NewAuthority(cfg AuthorityConfig, w *world.World, q *mainthread.Queue, r *tasks.Runner, maps MapStore, rec Recorder, logger *log.Logger) *Authority {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Authority{
		cfg:         cfg,
		world:       w,
		queue:       q,
		runner:      r,
		maps:        maps,
		rec:         rec,
		log:         logger,
		conns:       map[uint64]*Conn{},
		newFactions: map[string]snapshot.FactionV1{},
	}
}

// NextID allocates a connection id.
func (a *Authority) NextID() uint64 { return a.nextID.Add(1) }

// Accept registers a remote connection in the bulk-transfer phase.
func (a *Authority) Accept(c *Conn) {
	_ = c.SetState(&authorityBulkState{a: a, c: c})
	a.register(c)
	a.log.Printf("accepted conn %d", c.ID())
}

// AttachLocal registers the host's own loopback connection. It skips the
// download, since the host peer already runs the authoritative world.
func (a *Authority) AttachLocal(c *Conn) {
	_ = c.SetState(&authoritySteadyState{a: a, c: c})
	a.mu.Lock()
	a.local = c
	a.mu.Unlock()
	a.register(c)
}

func (a *Authority) register(c *Conn) {
	a.mu.Lock()
	a.conns[c.ID()] = c
	a.mu.Unlock()
}

func (a *Authority) unregister(c *Conn) {
	a.mu.Lock()
	delete(a.conns, c.ID())
	if a.local == c {
		a.local = nil
	}
	a.mu.Unlock()
}

// Conns returns the registered connections ordered by id.
func (a *Authority) Conns() []*Conn {
	a.mu.Lock()
	out := make([]*Conn, 0, len(a.conns))
	for _, c := range a.conns {
		out = append(out, c)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (a *Authority) Local() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

func (a *Authority) Stats() AuthorityStats {
	a.mu.Lock()
	n := len(a.conns)
	a.mu.Unlock()
	return AuthorityStats{
		Conns:          n,
		Saving:         a.saving.Load(),
		SnapshotCycles: a.cycles.Load(),
		ActionsIssued:  a.actions.Load(),
		Relayed:        a.relayed.Load(),
	}
}

// Broadcast sends to every registered connection except those in exclude, in
// id order so every event reaches peers in the same relative order.
func (a *Authority) Broadcast(kind protocol.Kind, payload []byte, exclude ...*Conn) {
	a.broadcast(kind, payload, false, exclude...)
}

func (a *Authority) broadcastSteady(kind protocol.Kind, payload []byte, exclude ...*Conn) {
	a.broadcast(kind, payload, true, exclude...)
}

func (a *Authority) broadcast(kind protocol.Kind, payload []byte, steadyOnly bool, exclude ...*Conn) {
outer:
	for _, c := range a.Conns() {
		for _, x := range exclude {
			if x != nil && x == c {
				continue outer
			}
		}
		if steadyOnly {
			if st := c.State(); st == nil || st.Phase() != PhaseSteady {
				continue
			}
		}
		if err := c.Send(kind, payload); err != nil {
			a.log.Printf("broadcast %s to conn %d: %v", protocol.AuthKindName(kind), c.ID(), err)
		}
	}
}

// requestWorld serves a download request. Runs on the loop goroutine.
func (a *Authority) requestWorld(c *Conn) {
	if c.Closed() {
		return
	}
	if a.snapshot != nil {
		a.sendWorld(c)
		return
	}
	a.waiting = append(a.waiting, c)
	if a.saving.Load() {
		return
	}

	a.broadcastSteady(protocol.AuthPauseForDownload, nil, c, a.Local())
	a.saving.Store(true)
	a.downloads = latch.NewBarrier()
	a.world.SetTimeRate(world.Paused)

	snap := a.world.ExportSnapshot()
	a.runner.Run(func(ctx context.Context) {
		b, err := snapshot.EncodeWorld(snap)
		a.queue.Enqueue(func() { a.snapshotReady(b, err) })
	}, "Saving world for incoming players", false)
}

func (a *Authority) snapshotReady(b []byte, err error) {
	a.saving.Store(false)
	waiting := a.waiting
	a.waiting = nil

	if err != nil {
		a.log.Printf("save world for download: %v", err)
		a.downloads = nil
		a.broadcastSteady(protocol.AuthUnpause, nil)
		for _, c := range waiting {
			_ = c.Close()
		}
		return
	}

	a.snapshot = b
	a.cycles.Add(1)
	a.rec.RecordSnapshot(a.world.ID(), a.world.CurrentTick(), len(b))
	a.log.Printf("world saved for download: %d bytes at tick %d", len(b), a.world.CurrentTick())

	for _, c := range waiting {
		if !c.Closed() {
			a.sendWorld(c)
		}
	}
	if len(a.downloads.Pending()) == 0 {
		a.finishCycle()
		return
	}
	barrier := a.downloads
	a.runner.Run(func(ctx context.Context) { a.awaitDownloads(ctx, barrier) }, "Sending the world", true)
}

func (a *Authority) sendWorld(c *Conn) {
	worldID := a.world.ID()
	username := c.Username()
	if username == "" {
		username = fmt.Sprintf("peer-%d", c.ID())
		c.SetUsername(username)
	}

	f, ok := a.world.PeerFaction(username)
	if !ok {
		var err error
		f, err = a.world.CreatePeerFaction(username)
		if err != nil {
			a.log.Printf("create faction for %s: %v", username, err)
			return
		}
		fv := world.FactionToV1(f)
		a.newFactions[username] = fv
		payload, err := snapshot.EncodeFactions(map[string]snapshot.FactionV1{username: fv})
		if err != nil {
			a.log.Printf("encode faction for %s: %v", username, err)
			return
		}
		_ = c.Send(protocol.AuthNewFactions, payload)
		a.log.Printf("new faction: %s", f.Name)
	}
	a.rec.RecordPeer(worldID, username, c.ID(), f.ID)

	var maps []byte
	if a.maps != nil {
		b, err := a.maps.Load(worldID, username)
		if err != nil {
			a.log.Printf("load maps for %s: %v", username, err)
		}
		maps = b
	}

	if err := c.Send(protocol.AuthWorldData, protocol.EncodeWorldData(a.snapshot, maps)); err != nil {
		a.log.Printf("send world to %s: %v", username, err)
		return
	}
	a.downloads.Add(c.ID())
	a.rec.RecordTransfer(worldID, username, len(a.snapshot), len(maps))
}

func (a *Authority) awaitDownloads(ctx context.Context, b *latch.Barrier) {
	if a.cfg.DownloadStallWarn <= 0 {
		_ = b.Wait(ctx)
		return
	}
	t := time.NewTicker(a.cfg.DownloadStallWarn)
	defer t.Stop()
	for {
		select {
		case <-b.C():
			return
		case <-ctx.Done():
			return
		case <-t.C:
			a.log.Printf("world download still pending for conns %v", b.Pending())
		}
	}
}

// downloadDone releases c's barrier slot and ends the cycle when it was the last.
func (a *Authority) downloadDone(c *Conn) {
	if a.downloads == nil {
		return
	}
	if a.downloads.Done(c.ID()) {
		a.finishCycle()
	}
}

func (a *Authority) finishCycle() {
	a.snapshot = nil
	a.downloads = nil

	payload, err := snapshot.EncodeFactions(a.newFactions)
	if err != nil {
		a.log.Printf("encode new factions: %v", err)
	} else {
		a.Broadcast(protocol.AuthNewFactions, payload, a.Local())
	}
	a.newFactions = map[string]snapshot.FactionV1{}

	a.broadcastSteady(protocol.AuthUnpause, nil)
	a.log.Printf("world sending finished")
}

// scheduleAction stamps a requested action with its due tick and sends it to
// every steady connection, the host's own included.
func (a *Authority) scheduleAction(from *Conn, act protocol.Action) {
	s := protocol.ScheduledAction{
		DueTick: a.world.CurrentTick() + a.cfg.Lookahead,
		Action:  act,
	}
	payload, err := protocol.EncodeActionSchedule(s)
	if err != nil {
		a.log.Printf("schedule %s: %v", act, err)
		return
	}
	a.actions.Add(1)
	a.broadcastSteady(protocol.AuthActionSchedule, payload)
	a.rec.RecordScheduledAction(a.world.ID(), from.Username(), s)
}

func (a *Authority) relayWorldObject(from *Conn, payload []byte) {
	a.relayed.Add(1)
	a.broadcastSteady(protocol.AuthNewWorldObject, payload, from)
}

// saveMaps persists a peer's map document. Malformed documents are logged
// and dropped; the connection stays open.
func (a *Authority) saveMaps(from *Conn, payload []byte) {
	if a.maps == nil {
		return
	}
	worldID := a.world.ID()
	username := from.Username()
	err := a.maps.Save(worldID, username, payload)
	if err != nil {
		a.log.Printf("map data from %s: %v", username, err)
	}
	a.rec.RecordMapUpload(worldID, username, len(payload), err)
}

// disconnected drops c from the registry and, on the loop goroutine, from any
// download in flight so the barrier cannot stall on it.
func (a *Authority) disconnected(c *Conn) {
	a.unregister(c)
	a.queue.Enqueue(func() {
		for i, w := range a.waiting {
			if w == c {
				a.waiting = append(a.waiting[:i], a.waiting[i+1:]...)
				break
			}
		}
		a.downloadDone(c)
	})
	a.log.Printf("conn %d (%s) disconnected", c.ID(), c.Username())
}

package session

import (
	"bytes"
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"worldsync.dev/internal/persistence/mapstore"
	"worldsync.dev/internal/protocol"
	"worldsync.dev/internal/sim/mainthread"
	"worldsync.dev/internal/sim/tasks"
	"worldsync.dev/internal/sim/world"
)

var quiet = log.New(io.Discard, "", 0)

type sentMsg struct {
	kind    protocol.Kind
	payload []byte
}

// tapLink is a loopback link that records what it sends.
type tapLink struct {
	loopLink
	mu   sync.Mutex
	sent []sentMsg
}

func (l *tapLink) Send(kind protocol.Kind, payload []byte) error {
	l.mu.Lock()
	l.sent = append(l.sent, sentMsg{kind: kind, payload: bytes.Clone(payload)})
	l.mu.Unlock()
	return l.loopLink.Send(kind, payload)
}

func (l *tapLink) messages() []sentMsg {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentMsg(nil), l.sent...)
}

func (l *tapLink) kinds() []protocol.Kind {
	var out []protocol.Kind
	for _, m := range l.messages() {
		out = append(out, m.kind)
	}
	return out
}

func (l *tapLink) count(k protocol.Kind) int {
	n := 0
	for _, m := range l.messages() {
		if m.kind == k {
			n++
		}
	}
	return n
}

// tappedPair returns an authority-side conn whose sends are recorded.
func tappedPair(authorityID, peerID uint64) (authoritySide, peerSide *Conn, tap *tapLink) {
	tap = &tapLink{}
	pLink := &loopLink{}
	authoritySide = NewConn(authorityID, tap, quiet)
	peerSide = NewConn(peerID, pLink, quiet)
	tap.partner.Store(peerSide)
	pLink.partner.Store(authoritySide)
	return authoritySide, peerSide, tap
}

type memRecorder struct {
	mu        sync.Mutex
	peers     []string
	transfers int
	actions   []protocol.ScheduledAction
	snapshots int
	uploads   []error
}

func (r *memRecorder) RecordPeer(_, username string, _ uint64, _ string) {
	r.mu.Lock()
	r.peers = append(r.peers, username)
	r.mu.Unlock()
}

func (r *memRecorder) RecordTransfer(string, string, int, int) {
	r.mu.Lock()
	r.transfers++
	r.mu.Unlock()
}

func (r *memRecorder) RecordScheduledAction(_ string, _ string, s protocol.ScheduledAction) {
	r.mu.Lock()
	r.actions = append(r.actions, s)
	r.mu.Unlock()
}

func (r *memRecorder) RecordSnapshot(string, uint64, int) {
	r.mu.Lock()
	r.snapshots++
	r.mu.Unlock()
}

func (r *memRecorder) RecordMapUpload(_, _ string, _ int, err error) {
	r.mu.Lock()
	r.uploads = append(r.uploads, err)
	r.mu.Unlock()
}

type memSink struct {
	mu      sync.Mutex
	applied []AppliedAction
}

func (s *memSink) WriteAction(a AppliedAction) error {
	s.mu.Lock()
	s.applied = append(s.applied, a)
	s.mu.Unlock()
	return nil
}

func (s *memSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.applied {
		out = append(out, a.Action)
	}
	return out
}

type remotePeer struct {
	w        *world.World
	q        *mainthread.Queue
	r        *tasks.Runner
	peer     *Peer
	sink     *memSink
	conn     *Conn // peer side
	authConn *Conn // authority side
	tap      *tapLink
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	w      *world.World
	q      *mainthread.Queue
	r      *tasks.Runner
	a      *Authority
	rec    *memRecorder
	maps   *mapstore.Store
	host   *Peer
	hostSk *memSink
	peers  []*remotePeer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w, err := world.New(world.WorldConfig{ID: "shared", TickRateHz: 60, Seed: 3})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	h := &harness{
		t:    t,
		ctx:  ctx,
		w:    w,
		q:    mainthread.NewQueue(),
		r:    tasks.NewRunner(quiet),
		rec:  &memRecorder{},
		maps: mapstore.New(t.TempDir()),
	}
	h.r.Start(ctx)
	h.a = NewAuthority(AuthorityConfig{Lookahead: 15}, w, h.q, h.r, h.maps, h.rec, quiet)
	t.Cleanup(func() {
		cancel()
		h.r.Close()
		for _, p := range h.peers {
			p.r.Close()
		}
	})
	return h
}

// withHost joins a local peer to the authority over loopback.
func (h *harness) withHost(username string) *harness {
	h.hostSk = &memSink{}
	h.host = NewPeer(PeerConfig{Username: username}, h.w, h.q, h.r, h.hostSk, quiet)
	if _, _, err := ConnectLocal(h.a, h.host, quiet); err != nil {
		h.t.Fatalf("connect local: %v", err)
	}
	return h
}

// join attaches a remote peer that downloads the world. It does not pump.
func (h *harness) join(username string) *remotePeer {
	h.t.Helper()
	w, err := world.New(world.WorldConfig{ID: "before-download-" + username})
	if err != nil {
		h.t.Fatalf("peer world: %v", err)
	}
	rp := &remotePeer{
		w:    w,
		q:    mainthread.NewQueue(),
		r:    tasks.NewRunner(quiet),
		sink: &memSink{},
	}
	rp.r.Start(h.ctx)
	rp.peer = NewPeer(PeerConfig{Username: username}, rp.w, rp.q, rp.r, rp.sink, quiet)
	rp.authConn, rp.conn, rp.tap = tappedPair(h.a.NextID(), 0)
	h.a.Accept(rp.authConn)
	if err := rp.peer.Attach(rp.conn); err != nil {
		h.t.Fatalf("attach %s: %v", username, err)
	}
	h.peers = append(h.peers, rp)
	return rp
}

// joinStuck attaches a peer that requests the world but never loads it.
func (h *harness) joinStuck(username string) (authoritySide, peerSide *Conn, tap *tapLink) {
	authoritySide, peerSide, tap = tappedPair(h.a.NextID(), 0)
	h.a.Accept(authoritySide)
	_ = peerSide.SetState(&discardState{})
	_ = peerSide.Send(protocol.PeerUsername, []byte(username))
	_ = peerSide.Send(protocol.PeerRequestWorld, nil)
	return authoritySide, peerSide, tap
}

func (h *harness) step() {
	h.q.Drain()
	if h.host != nil {
		h.host.DrainActions()
	}
	for _, p := range h.peers {
		p.q.Drain()
		p.peer.DrainActions()
	}
}

func (h *harness) pump(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		h.step()
		time.Sleep(time.Millisecond)
	}
	h.step()
}

func isReady(p *Peer) bool {
	select {
	case <-p.Ready():
		return true
	default:
		return false
	}
}

func (h *harness) joinAndSettle(username string) *remotePeer {
	h.t.Helper()
	before := h.a.Stats().SnapshotCycles
	rp := h.join(username)
	h.pump(username+" ready", func() bool {
		return isReady(rp.peer) && h.a.Stats().SnapshotCycles > before && rp.tap.count(protocol.AuthUnpause) > 0
	})
	return rp
}

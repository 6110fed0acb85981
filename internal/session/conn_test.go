package session

import (
	"errors"
	"testing"

	"worldsync.dev/internal/protocol"
)

type countState struct {
	phase       Phase
	handled     []protocol.Kind
	disconnects int
}

func (s *countState) Role() Role   { return RolePeer }
func (s *countState) Phase() Phase { return s.phase }
func (s *countState) Disconnect()  { s.disconnects++ }

func (s *countState) Handle(kind protocol.Kind, _ []byte) error {
	s.handled = append(s.handled, kind)
	return nil
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	a, b := NewLoopbackPair(1, 2, quiet)
	sa := &countState{phase: PhaseSteady}
	sb := &countState{phase: PhaseSteady}
	_ = a.SetState(sa)
	_ = b.SetState(sb)

	hooks := 0
	a.OnClose(func(*Conn) { hooks++ })

	for i := 0; i < 3; i++ {
		if err := a.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if hooks != 1 || sa.disconnects != 1 {
		t.Fatalf("hooks=%d disconnects=%d", hooks, sa.disconnects)
	}
	if !b.Closed() || sb.disconnects != 1 {
		t.Fatalf("partner closed=%v disconnects=%d", b.Closed(), sb.disconnects)
	}
	if err := b.Send(protocol.PeerRequestWorld, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}

	late := false
	a.OnClose(func(*Conn) { late = true })
	if !late {
		t.Fatalf("OnClose on a closed conn did not run")
	}
}

func TestConn_LoopbackDeliversInOrder(t *testing.T) {
	a, b := NewLoopbackPair(1, 2, quiet)
	sb := &countState{phase: PhaseBulk}
	_ = b.SetState(sb)

	for _, k := range []protocol.Kind{protocol.AuthNewFactions, protocol.AuthWorldData, protocol.AuthUnpause} {
		if err := a.Send(k, []byte{byte(k)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	want := []protocol.Kind{protocol.AuthNewFactions, protocol.AuthWorldData, protocol.AuthUnpause}
	if len(sb.handled) != len(want) {
		t.Fatalf("handled=%v", sb.handled)
	}
	for i := range want {
		if sb.handled[i] != want[i] {
			t.Fatalf("handled=%v want %v", sb.handled, want)
		}
	}
	sent, _ := a.Counters()
	_, recv := b.Counters()
	if sent != 3 || recv != 3 {
		t.Fatalf("sent=%d received=%d", sent, recv)
	}
}

func TestConn_SteadyNeverRevertsToBulk(t *testing.T) {
	c, _ := NewLoopbackPair(1, 2, quiet)
	if err := c.SetState(&countState{phase: PhaseBulk}); err != nil {
		t.Fatalf("bulk: %v", err)
	}
	steady := &countState{phase: PhaseSteady}
	if err := c.SetState(steady); err != nil {
		t.Fatalf("steady: %v", err)
	}
	if err := c.SetState(&countState{phase: PhaseBulk}); !errors.Is(err, ErrStateRegression) {
		t.Fatalf("regression err=%v", err)
	}
	if c.State() != steady {
		t.Fatalf("state replaced despite regression")
	}
}

func TestConn_NoStateDropsMessages(t *testing.T) {
	a, b := NewLoopbackPair(1, 2, quiet)
	if err := a.Send(protocol.AuthUnpause, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.State() != nil {
		t.Fatalf("unexpected state")
	}
}

package session

import (
	"fmt"
	"strings"

	"worldsync.dev/internal/protocol"
)

// authorityBulkState serves a joining peer until it has loaded the world.
type authorityBulkState struct {
	a *Authority
	c *Conn
}

func (s *authorityBulkState) Role() Role   { return RoleAuthority }
func (s *authorityBulkState) Phase() Phase { return PhaseBulk }
func (s *authorityBulkState) Disconnect()  { s.a.disconnected(s.c) }

func (s *authorityBulkState) Handle(kind protocol.Kind, payload []byte) error {
	switch kind {
	case protocol.PeerUsername:
		name := strings.TrimSpace(string(payload))
		if name == "" || !isASCII(name) {
			return fmt.Errorf("invalid username %q", payload)
		}
		s.c.SetUsername(name)
		return nil
	case protocol.PeerRequestWorld:
		s.a.queue.Enqueue(func() { s.a.requestWorld(s.c) })
		return nil
	case protocol.PeerWorldFinished:
		if err := s.c.SetState(&authoritySteadyState{a: s.a, c: s.c}); err != nil {
			return err
		}
		s.a.queue.Enqueue(func() { s.a.downloadDone(s.c) })
		return nil
	default:
		return ErrUnexpectedKind
	}
}

// authoritySteadyState handles a peer that runs the shared timeline.
type authoritySteadyState struct {
	a *Authority
	c *Conn
}

func (s *authoritySteadyState) Role() Role   { return RoleAuthority }
func (s *authoritySteadyState) Phase() Phase { return PhaseSteady }
func (s *authoritySteadyState) Disconnect()  { s.a.disconnected(s.c) }

func (s *authoritySteadyState) Handle(kind protocol.Kind, payload []byte) error {
	switch kind {
	case protocol.PeerActionRequest:
		act, err := protocol.DecodeActionRequest(payload)
		if err != nil {
			return err
		}
		s.a.queue.Enqueue(func() { s.a.scheduleAction(s.c, act) })
		return nil
	case protocol.PeerNewWorldObject:
		b := append([]byte(nil), payload...)
		s.a.queue.Enqueue(func() { s.a.relayWorldObject(s.c, b) })
		return nil
	case protocol.PeerMapData:
		b := append([]byte(nil), payload...)
		s.a.queue.Enqueue(func() { s.a.saveMaps(s.c, b) })
		return nil
	default:
		return ErrUnexpectedKind
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

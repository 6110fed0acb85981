package session

import (
	"context"
	"fmt"

	"worldsync.dev/internal/persistence/mapstore"
	"worldsync.dev/internal/persistence/snapshot"
	"worldsync.dev/internal/protocol"
	"worldsync.dev/internal/sim/world"
)

// peerBulkState downloads the world from the authority.
type peerBulkState struct {
	p *Peer
	c *Conn
}

func (s *peerBulkState) Role() Role   { return RolePeer }
func (s *peerBulkState) Phase() Phase { return PhaseBulk }
func (s *peerBulkState) Disconnect()  { s.p.disconnected(s.c) }

func (s *peerBulkState) Handle(kind protocol.Kind, payload []byte) error {
	switch kind {
	case protocol.AuthWorldData:
		worldBytes, mapBytes, err := protocol.DecodeWorldData(payload)
		if err != nil {
			return err
		}
		worldBytes = append([]byte(nil), worldBytes...)
		mapBytes = append([]byte(nil), mapBytes...)
		p, c := s.p, s.c
		p.runner.Run(func(ctx context.Context) {
			snap, maps, err := decodeDownload(worldBytes, mapBytes)
			if err != nil {
				p.log.Printf("world data: %v", err)
				_ = c.Close()
				return
			}
			p.queue.Enqueue(func() { p.worldReceived(c, snap, maps) })
		}, "Loading the world", true)
		return nil
	case protocol.AuthNewFactions:
		m, err := snapshot.DecodeFactions(payload)
		if err != nil {
			return err
		}
		p := s.p
		p.queue.Enqueue(func() {
			for username, fv := range m {
				p.stash[username] = fv
			}
		})
		return nil
	default:
		return ErrUnexpectedKind
	}
}

func decodeDownload(worldBytes, mapBytes []byte) (snapshot.WorldV1, []snapshot.MapV1, error) {
	snap, err := snapshot.DecodeWorld(worldBytes)
	if err != nil {
		return snapshot.WorldV1{}, nil, err
	}
	if len(mapBytes) == 0 {
		return snap, nil, nil
	}
	doc, err := mapstore.Parse(mapBytes)
	if err != nil {
		return snapshot.WorldV1{}, nil, fmt.Errorf("maps: %w", err)
	}
	return snap, doc.Maps, nil
}

// peerSteadyState follows the authority's timeline.
type peerSteadyState struct {
	p *Peer
	c *Conn
}

func (s *peerSteadyState) Role() Role   { return RolePeer }
func (s *peerSteadyState) Phase() Phase { return PhaseSteady }
func (s *peerSteadyState) Disconnect()  { s.p.disconnected(s.c) }

func (s *peerSteadyState) Handle(kind protocol.Kind, payload []byte) error {
	p := s.p
	switch kind {
	case protocol.AuthActionSchedule:
		a, err := protocol.DecodeActionSchedule(payload)
		if err != nil {
			return err
		}
		// Through the queue so it lands behind tasks this channel queued earlier.
		p.queue.Enqueue(func() { p.pending.Push(a) })
		return nil
	case protocol.AuthPauseForDownload:
		p.pauseWaits.Add(1)
		p.runner.Run(func(ctx context.Context) {
			defer p.pauseWaits.Add(-1)
			_ = p.pause.Wait(ctx)
		}, "Waiting for other players to load", true)
		return nil
	case protocol.AuthUnpause:
		if p.pauseWaits.Load() > 0 {
			p.pause.Set()
		}
		return nil
	case protocol.AuthNewFactions:
		m, err := snapshot.DecodeFactions(payload)
		if err != nil {
			return err
		}
		p.queue.Enqueue(func() { p.mergeFactions(m) })
		return nil
	case protocol.AuthNewWorldObject:
		ov, err := snapshot.DecodeWorldObject(payload)
		if err != nil {
			return err
		}
		p.queue.Enqueue(func() { p.addRelayedObject(world.WorldObjectFromV1(ov)) })
		return nil
	default:
		return ErrUnexpectedKind
	}
}

package session

import (
	"bytes"
	"log"
	"sync/atomic"

	"worldsync.dev/internal/protocol"
)

// loopLink delivers Send as a direct Receive on the partner Conn, without framing.
type loopLink struct {
	partner atomic.Pointer[Conn]
}

func (l *loopLink) Send(kind protocol.Kind, payload []byte) error {
	p := l.partner.Load()
	if p == nil || p.Closed() {
		return ErrClosed
	}
	p.Receive(kind, bytes.Clone(payload))
	return nil
}

// Close closes the partner so neither side can write to a half-open pair.
func (l *loopLink) Close() error {
	if p := l.partner.Load(); p != nil {
		return p.Close()
	}
	return nil
}

// NewLoopbackPair connects two in-process Conns. The first is meant for the
// authority, the second for the host's own peer.
func NewLoopbackPair(authorityID, peerID uint64, logger *log.Logger) (authoritySide, peerSide *Conn) {
	aLink := &loopLink{}
	pLink := &loopLink{}
	authoritySide = NewConn(authorityID, aLink, logger)
	peerSide = NewConn(peerID, pLink, logger)
	aLink.partner.Store(peerSide)
	pLink.partner.Store(authoritySide)
	return authoritySide, peerSide
}

// ConnectLocal joins the host's peer to its own authority over a loopback
// pair. Both ends start in the steady state.
func ConnectLocal(a *Authority, p *Peer, logger *log.Logger) (authoritySide, peerSide *Conn, err error) {
	authoritySide, peerSide = NewLoopbackPair(a.NextID(), 0, logger)
	authoritySide.SetUsername(p.Username())
	a.AttachLocal(authoritySide)
	if err := p.AttachSteady(peerSide); err != nil {
		_ = authoritySide.Close()
		return nil, nil, err
	}
	return authoritySide, peerSide, nil
}

// Package ws carries session messages over websockets: one binary message per
// frame, with the same [len:4][kind:1][payload] layout as the TCP transport.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"worldsync.dev/internal/fifo"
	"worldsync.dev/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var ErrClosed = errors.New("ws: link closed")

// Receiver consumes inbound messages; session.Conn satisfies it.
type Receiver interface {
	Receive(kind protocol.Kind, payload []byte)
	Close() error
}

type Link struct {
	conn     *websocket.Conn
	maxFrame int
	log      *log.Logger

	out *fifo.Queue[[]byte]

	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(conn *websocket.Conn, maxFrame int, logger *log.Logger) *Link {
	conn.SetReadLimit(int64(maxFrame) + protocol.FrameHeaderSize)
	return &Link{
		conn:     conn,
		maxFrame: maxFrame,
		log:      logger,
		out:      fifo.New[[]byte](),
		closed:   make(chan struct{}),
	}
}

func (l *Link) Send(kind protocol.Kind, payload []byte) error {
	if l.isClosed() {
		return ErrClosed
	}
	if len(payload) > l.maxFrame {
		return fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(payload), l.maxFrame)
	}
	l.out.Push(protocol.AppendFrame(make([]byte, 0, protocol.FrameHeaderSize+len(payload)), kind, payload))
	return nil
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}

func (l *Link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *Link) RemoteAddr() string { return l.conn.RemoteAddr().String() }

// Serve runs the writer and the read loop until the connection ends, then
// closes r.
func (l *Link) Serve(ctx context.Context, r Receiver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.writeLoop(ctx)

	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var err error
	for {
		var mt int
		var msg []byte
		mt, msg, err = l.conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			l.log.Printf("ws %s: ignoring non-binary message", l.RemoteAddr())
			continue
		}
		kind, payload, derr := protocol.DecodeFrame(msg, l.maxFrame)
		if derr != nil {
			l.log.Printf("ws %s: bad frame: %v", l.RemoteAddr(), derr)
			continue
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		r.Receive(kind, payload)
	}
	closedLocally := l.isClosed()
	_ = l.Close()
	_ = r.Close()

	if closedLocally || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (l *Link) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		for _, f := range l.out.PopAll() {
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
				l.log.Printf("ws write %s: %v", l.RemoteAddr(), err)
				_ = l.Close()
				return
			}
		}
		select {
		case <-ctx.Done():
			_ = l.Close()
			return
		case <-l.closed:
			return
		case <-ping.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = l.Close()
				return
			}
		case <-l.out.Wake():
		}
	}
}

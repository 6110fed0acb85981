// Package tcp carries session messages over a stream connection using the
// [len:4][kind:1][payload] framing.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"worldsync.dev/internal/fifo"
	"worldsync.dev/internal/protocol"
)

var ErrClosed = errors.New("tcp: link closed")

// Receiver consumes inbound messages; session.Conn satisfies it.
type Receiver interface {
	Receive(kind protocol.Kind, payload []byte)
	Close() error
}

type Link struct {
	conn     net.Conn
	maxFrame int
	log      *log.Logger

	out *fifo.Queue[[]byte]

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func NewLink(conn net.Conn, maxFrame int, logger *log.Logger) *Link {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrame
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		conn:     conn,
		maxFrame: maxFrame,
		log:      logger,
		out:      fifo.New[[]byte](),
		closed:   make(chan struct{}),
	}
}

// Send frames the message onto the outbox; the writer goroutine started by
// Serve flushes it. It never blocks on the network.
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
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *Link) RemoteAddr() string { return l.conn.RemoteAddr().String() }

// Serve runs the writer and the read loop until the connection ends, then
// closes r. A clean EOF returns nil.
func (l *Link) Serve(ctx context.Context, r Receiver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.writeLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()

	br := bufio.NewReaderSize(l.conn, 64*1024)
	var err error
	for {
		var kind protocol.Kind
		var payload []byte
		kind, payload, err = protocol.ReadFrame(br, l.maxFrame)
		if err != nil {
			break
		}
		r.Receive(kind, payload)
	}
	closedLocally := l.isClosed()
	_ = l.Close()
	_ = r.Close()

	if closedLocally || errors.Is(err, io.EOF) {
		return nil
	}
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

func (l *Link) writeLoop(ctx context.Context) {
	bw := bufio.NewWriterSize(l.conn, 64*1024)
	for {
		frames := l.out.PopAll()
		if len(frames) > 0 {
			_ = l.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			for _, f := range frames {
				if _, err := bw.Write(f); err != nil {
					l.log.Printf("tcp write %s: %v", l.RemoteAddr(), err)
					_ = l.Close()
					return
				}
			}
			if err := bw.Flush(); err != nil {
				l.log.Printf("tcp flush %s: %v", l.RemoteAddr(), err)
				_ = l.Close()
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		case <-l.out.Wake():
		}
	}
}

// Dial connects to an authority.
func Dial(ctx context.Context, addr string, maxFrame int, logger *log.Logger) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLink(conn, maxFrame, logger), nil
}

// AcceptLoop hands every accepted connection to handle on its own goroutine
// until ctx ends or the listener fails.
func AcceptLoop(ctx context.Context, ln net.Listener, maxFrame int, logger *log.Logger, handle func(*Link)) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(NewLink(conn, maxFrame, logger))
	}
}

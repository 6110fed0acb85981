package ws

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldsync.dev/internal/protocol"
)

var quiet = log.New(io.Discard, "", 0)

type recvSink struct {
	mu     sync.Mutex
	kinds  []protocol.Kind
	bodies []string
	closed chan struct{}
	once   sync.Once
	seen   chan struct{}
}

func newRecvSink() *recvSink {
	return &recvSink{closed: make(chan struct{}), seen: make(chan struct{}, 64)}
}

func (s *recvSink) Receive(kind protocol.Kind, payload []byte) {
	s.mu.Lock()
	s.kinds = append(s.kinds, kind)
	s.bodies = append(s.bodies, string(payload))
	s.mu.Unlock()
	s.seen <- struct{}{}
}

func (s *recvSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func wsURL(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

func TestLink_ServerAndDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newRecvSink()
	links := make(chan *Link, 1)
	srv := NewServer(0, quiet, func(l *Link) {
		links <- l
		_ = l.Serve(ctx, server)
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	client, err := Dial(ctx, wsURL(hs.URL), 0, quiet)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientSink := newRecvSink()
	go func() { _ = client.Serve(ctx, clientSink) }()

	if err := client.Send(protocol.PeerUsername, []byte("bob")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-server.seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received")
	}
	server.mu.Lock()
	if server.kinds[0] != protocol.PeerUsername || server.bodies[0] != "bob" {
		t.Fatalf("server got %v %q", server.kinds, server.bodies)
	}
	server.mu.Unlock()

	serverLink := <-links
	if err := serverLink.Send(protocol.AuthUnpause, nil); err != nil {
		t.Fatalf("server send: %v", err)
	}
	select {
	case <-clientSink.seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("client never received")
	}

	_ = client.Close()
	select {
	case <-server.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("server receiver not closed after client close")
	}
}

func TestLink_DropsBadFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newRecvSink()
	srv := NewServer(0, quiet, func(l *Link) { _ = l.Serve(ctx, server) })
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	raw, resp, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer raw.Close()

	_ = raw.WriteMessage(websocket.TextMessage, []byte("hello"))
	_ = raw.WriteMessage(websocket.BinaryMessage, []byte{9, 0, 0, 0, 1})
	_ = raw.WriteMessage(websocket.BinaryMessage, protocol.AppendFrame(nil, protocol.PeerRequestWorld, nil))

	select {
	case <-server.seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("valid frame never delivered")
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.kinds) != 1 || server.kinds[0] != protocol.PeerRequestWorld {
		t.Fatalf("kinds=%v", server.kinds)
	}
}

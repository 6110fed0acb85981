package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"worldsync.dev/internal/protocol"
)

// Server upgrades HTTP requests to session links.
type Server struct {
	maxFrame int
	log      *log.Logger
	accept   func(*Link)

	upgrader websocket.Upgrader
}

// NewServer calls accept with every new link; accept owns the link and
// usually calls Serve on it.
func NewServer(maxFrame int, logger *log.Logger, accept func(*Link)) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrame
	}
	return &Server{
		maxFrame: maxFrame,
		log:      logger,
		accept:   accept,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		s.accept(newLink(conn, s.maxFrame, s.log))
	}
}

// Dial connects to an authority's websocket endpoint.
func Dial(ctx context.Context, url string, maxFrame int, logger *log.Logger) (*Link, error) {
	if logger == nil {
		logger = log.Default()
	}
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrame
	}
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newLink(conn, maxFrame, logger), nil
}

package server

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Sink is where a session's outbound events go. The delta forwarder,
// the turn pipeline and manual runs all write concurrently; a Sink
// implementation must keep each event atomic on the wire.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsjson.Write(ctx, s.conn, ev)
}

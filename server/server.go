// Package server owns the transport and the per-connection pipeline:
// it accepts websocket connections, feeds binary PCM frames to the
// transcriber, drives transcription, code generation and local
// execution per control command, and emits ordered events back.
package server

import (
	"net/http"
	"os"

	"nhooyr.io/websocket"

	"voxcoder/agent"
	"voxcoder/cost"
	"voxcoder/executor"
	"voxcoder/log"
	"voxcoder/transcriber"
)

type Config struct {
	Transcriber transcriber.Transcriber
	Bridge      agent.Bridge
	AgentID     string
	Engine      *executor.Engine
	Rates       cost.Rates
	Language    string
	StaticDir   string // serves the UI when non-empty
}

type Server struct {
	cfg Config
	mux *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.Rates == (cost.Rates{}) {
		cfg.Rates = cost.DefaultRates
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	s.mux.HandleFunc("/ws", s.handleWS)
	// Static mount last so it never shadows the endpoints above.
	if cfg.StaticDir != "" {
		if _, err := os.Stat(cfg.StaticDir); err == nil {
			s.mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
		} else {
			log.Warnf("server: static dir %s not found, UI disabled", cfg.StaticDir)
		}
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Default origin check stands: the UI is served by this process and
	// cross-origin pages have no business on this socket.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Errorf("server: websocket accept: %v", err)
		return
	}
	// Binary PCM frames from the browser can be large.
	conn.SetReadLimit(1 << 21)

	sess := newSession(s.cfg, newWSSink(conn))
	sess.run(r.Context(), conn)
	conn.Close(websocket.StatusNormalClosure, "")
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/northmatt/tickrelay/internal/registry"
	"github.com/phuslu/log"
)

const (
	spectatorBuffer = 16
	writeWait       = time.Second
	pingPeriod      = 30 * time.Second
)

// Source is what the admin surface reads from; *relayserver.RelayServer
// satisfies it.
type Source interface {
	Stats() map[string]any
	Clients() []registry.Client
	Subscribe(buffer int) (<-chan []byte, func())
}

type client struct {
	ID       byte       `json:"id"`
	Name     string     `json:"name"`
	Score    byte       `json:"score"`
	Position [3]float32 `json:"position"`
	UDP      string     `json:"udp"`
	Session  string     `json:"session"`
}

type Server struct {
	source   Source
	logger   *log.Logger
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader

	// done is closed on shutdown; hijacked websocket connections are not
	// tracked by http.Server
	done chan struct{}
}

func New(addr string, source Source, logger *log.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Server{
		source:   source,
		logger:   logger,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		close(s.done)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().
				Err(err).
				Msg("could not shut admin server down cleanly")
			s.http.Close()
		}
	}()

	s.logger.Info().Msgf("started admin server on %s", s.Addr())
	err := s.http.Serve(s.listener)
	wg.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.source.Stats())
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.source.Clients()

	out := make([]client, len(clients))
	for i, c := range clients {
		out[i] = client{
			ID:       c.ID,
			Name:     c.Name,
			Score:    c.Score,
			Position: [3]float32{c.Position.X, c.Position.Y, c.Position.Z},
			Session:  c.Session.String(),
		}
		if c.UDPAddr != nil {
			out[i].UDP = c.UDPAddr.String()
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().
			Err(err).
			Msg("could not write response")
	}
}

// handleWS streams every snapshot frame to the spectator as a binary
// message until either side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().
			Err(err).
			Msg("could not upgrade")
		return
	}
	defer ws.Close()

	frames, cancel := s.source.Subscribe(spectatorBuffer)
	defer cancel()

	logger := s.logger
	logger.Debug().
		Str("remote", r.RemoteAddr).
		Msg("spectator joined")

	// spectators never talk; reading is only there to notice them leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logger.Debug().
				Str("remote", r.RemoteAddr).
				Msg("spectator left")
			return
		case <-s.done:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Debug().
					Str("remote", r.RemoteAddr).
					Err(err).
					Msg("could not write to spectator")
				return
			}
		}
	}
}

package relayserver

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// session is one accepted tcp connection, from accept until close. It is
// admitted at most once; once closed it can never be admitted.
type session struct {
	id   uuid.UUID
	conn *net.TCPConn

	mu       sync.Mutex
	clientID byte
	admitted bool
	closed   bool
	// dropped is closed when the reader stops
	dropped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSession(conn *net.TCPConn) *session {
	return &session{
		id:      uuid.New(),
		conn:    conn,
		dropped: make(chan struct{}),
	}
}

// admit marks the session admitted under id if it is still open and
// commit succeeds. commit runs with the session locked, so a reader that
// stops concurrently either sees the session admitted or prevents it.
func (s *session) admit(id byte, commit func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.admitted {
		return false
	}
	if !commit() {
		return false
	}
	s.clientID = id
	s.admitted = true
	return true
}

func (s *session) admittedID() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clientID, s.admitted
}

// markClosed is called once by the reader when the stream ends.
func (s *session) markClosed() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.dropped)
	}
	return s.clientID, s.admitted
}

// close shuts the stream down in both directions and releases it.
func (s *session) close() error {
	s.closeOnce.Do(func() {
		var errs error
		for _, shutdown := range []func() error{s.conn.CloseRead, s.conn.CloseWrite, s.conn.Close} {
			if err := shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierror.Append(errs, err)
			}
		}
		s.closeErr = errs
	})
	return s.closeErr
}

func (rs *RelayServer) trackSession(s *session) {
	rs.sessionsMu.Lock()
	defer rs.sessionsMu.Unlock()

	rs.sessions[s.id] = s
}

func (rs *RelayServer) closeSession(s *session) {
	rs.sessionsMu.Lock()
	delete(rs.sessions, s.id)
	rs.sessionsMu.Unlock()

	if err := s.close(); err != nil {
		rs.logger.Debug().
			Str("session", s.id.String()).
			Err(err).
			Msg("could not close connection cleanly")
	}
}

func (rs *RelayServer) closeSessionByID(id uuid.UUID) {
	rs.sessionsMu.Lock()
	s, ok := rs.sessions[id]
	rs.sessionsMu.Unlock()

	if ok {
		rs.closeSession(s)
	}
}

// closeSessions closes every live connection, pending or admitted.
func (rs *RelayServer) closeSessions() {
	rs.sessionsMu.Lock()
	sessions := make([]*session, 0, len(rs.sessions))
	for id, s := range rs.sessions {
		sessions = append(sessions, s)
		delete(rs.sessions, id)
	}
	rs.sessionsMu.Unlock()

	for _, s := range sessions {
		if err := s.close(); err != nil {
			rs.logger.Debug().
				Str("session", s.id.String()).
				Err(err).
				Msg("could not close connection cleanly")
		}
	}
}

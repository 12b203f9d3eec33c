package relayserver

import (
	"context"
	"net"
	"time"

	"github.com/northmatt/tickrelay/internal/debug"
	"github.com/northmatt/tickrelay/internal/protocol"
)

// pendingHandshake is a client that got its id over tcp and has not yet
// been seen on udp.
type pendingHandshake struct {
	clientID byte
	session  *session
	found    chan *net.UDPAddr
}

func (rs *RelayServer) addPending(p *pendingHandshake) {
	rs.pendingMu.Lock()
	defer rs.pendingMu.Unlock()

	debug.Assertf(rs.pending[p.clientID] == nil, "id %d is already pending", p.clientID)
	rs.pending[p.clientID] = p
}

func (rs *RelayServer) removePending(id byte) {
	rs.pendingMu.Lock()
	defer rs.pendingMu.Unlock()

	delete(rs.pending, id)
}

// completeHandshake hands the discovered udp address to the handshake
// waiting for id. Discoveries for ids that are not pending, and repeats,
// are ignored.
func (rs *RelayServer) completeHandshake(id byte, addr *net.UDPAddr) bool {
	rs.pendingMu.Lock()
	defer rs.pendingMu.Unlock()

	p, ok := rs.pending[id]
	if !ok {
		return false
	}
	select {
	case p.found <- addr:
		return true
	default:
		return false
	}
}

// handshake walks a freshly accepted connection through
// accepted -> awaiting udp -> admitted, or fails it.
func (rs *RelayServer) handshake(ctx context.Context, s *session) {
	logger := rs.logger
	tcpAddr := s.conn.RemoteAddr().String()

	id, err := rs.registry.AllocateID()
	if err != nil {
		logger.Warn().
			Str("session", s.id.String()).
			Str("tcp", tcpAddr).
			Err(err).
			Msg("rejecting client")
		rs.metrics.Rejected.Add(1)
		rs.closeSession(s)
		return
	}

	p := &pendingHandshake{
		clientID: id,
		session:  s,
		found:    make(chan *net.UDPAddr, 1),
	}
	rs.addPending(p)
	defer rs.removePending(id)

	fail := func(reason string) {
		logger.Info().
			Int("id", int(id)).
			Str("session", s.id.String()).
			Str("tcp", tcpAddr).
			Msgf("client failed to connect: %s", reason)
		rs.closeSession(s)
		rs.registry.Release(id)
		rs.metrics.HandshakeFailed.Add(1)
	}

	assign, err := (&protocol.ClientConnection{ID: id}).MarshalBinary()
	debug.Assert(err == nil)
	if err := rs.writeTCP(s.conn, assign); err != nil {
		fail("could not send id: " + err.Error())
		return
	}

	logger.Debug().
		Int("id", int(id)).
		Str("session", s.id.String()).
		Str("tcp", tcpAddr).
		Msg("waiting for udp discovery")

	timer := time.NewTimer(rs.cfg.HandshakeTimeout)
	defer timer.Stop()

	var udpAddr *net.UDPAddr
	select {
	case udpAddr = <-p.found:
	case <-timer.C:
		fail("timed out waiting for udp discovery")
		return
	case <-s.dropped:
		fail("tcp connection dropped")
		return
	case <-ctx.Done():
		fail("server is shutting down")
		return
	}

	admitted := s.admit(id, func() bool {
		return rs.enqueue(ctx, admitEvent{
			session:  s,
			clientID: id,
			udpAddr:  udpAddr,
		})
	})
	if !admitted {
		fail("tcp connection dropped")
		return
	}
}

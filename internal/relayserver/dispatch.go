package relayserver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/northmatt/tickrelay/internal/debug"
	"github.com/northmatt/tickrelay/internal/protocol"
	"github.com/northmatt/tickrelay/internal/registry"
	"github.com/phuslu/log"
)

// event is anything the dispatcher acts on. Every registry mutation with
// outbound effects goes through here, in order.
type event interface {
	isEvent()
}

// frameEvent is a decoded tcp frame from an admitted client.
type frameEvent struct {
	clientID byte
	msg      protocol.Message
}

// datagramEvent is a decoded udp datagram; the sender is not trusted yet.
type datagramEvent struct {
	from *net.UDPAddr
	msg  protocol.Message
}

type admitEvent struct {
	session  *session
	clientID byte
	udpAddr  *net.UDPAddr
}

type disconnectEvent struct {
	session  *session
	clientID byte
	err      error
}

func (frameEvent) isEvent()      {}
func (datagramEvent) isEvent()   {}
func (admitEvent) isEvent()      {}
func (disconnectEvent) isEvent() {}

// enqueue hands ev to the dispatcher. It blocks while the queue is full and
// gives up (returning false) once ctx is done.
func (rs *RelayServer) enqueue(ctx context.Context, ev event) bool {
	select {
	case rs.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (rs *RelayServer) runDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rs.events:
			rs.dispatch(ev)
		}

		// keep going while there is work, but only up to a batch per pass;
		// whatever is left is picked up on the next one
		processed := 1
	pass:
		for processed < rs.cfg.DispatchBatch {
			select {
			case ev := <-rs.events:
				rs.dispatch(ev)
				processed++
			default:
				break pass
			}
		}

		if backlog := len(rs.events); processed == rs.cfg.DispatchBatch && backlog > 0 {
			rs.metrics.DispatchBacklog.Add(1)
			rs.logger.Warn().
				Int("processed", processed).
				Int("backlog", backlog).
				Msg("dispatch pass hit its cap")
		}
	}
}

func (rs *RelayServer) dispatch(ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		rs.handleFrame(ev.clientID, ev.msg)
	case datagramEvent:
		rs.handleDatagram(ev.from, ev.msg)
	case admitEvent:
		rs.handleAdmit(ev)
	case disconnectEvent:
		rs.handleDisconnect(ev)
	default:
		debug.Assert(false, fmt.Sprintf("unhandled event: %T", ev))
	}
}

func (rs *RelayServer) handleFrame(clientID byte, msg protocol.Message) {
	logger := rs.logger

	var err error
	switch msg := msg.(type) {
	case *protocol.Chat:
		msg.ID = clientID
		logger.Info().
			Int("id", int(clientID)).
			Msgf("C%d: %s", clientID, msg.Text)
		rs.metrics.ChatRelayed.Add(1)
		err = rs.broadcastMessage(msg)
	case *protocol.SetName:
		if err = rs.registry.SetName(clientID, msg.Name); err != nil {
			break
		}
		msg.ID = clientID
		logger.Info().
			Int("id", int(clientID)).
			Str("name", msg.Name).
			Msg("client renamed")
		err = rs.broadcastMessage(msg)
	case *protocol.Score:
		if err = rs.registry.SetScore(clientID, msg.Score); err != nil {
			break
		}
		msg.ID = clientID
		err = rs.broadcastMessage(msg)
		rs.checkLobby()
	default:
		debug.Assert(false, fmt.Sprintf("unhandled frame: %s", msg.Opcode()))
	}

	if err != nil {
		logger.Debug().
			Int("id", int(clientID)).
			Str("op", msg.Opcode().String()).
			Err(err).
			Msg("could not relay frame")
	}
}

func (rs *RelayServer) handleDatagram(from *net.UDPAddr, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.Discovery:
		if !rs.completeHandshake(msg.ID, from) {
			rs.logger.Debug().
				Int("id", int(msg.ID)).
				Str("addr", from.String()).
				Msg("ignoring discovery for id that is not pending")
		}
	case *protocol.Position:
		// positions always overwrite, udp may reorder or lose them
		err := rs.registry.UpdatePosition(msg.ID, from, msg.Position)
		if err != nil {
			rs.metrics.PositionDropped.Add(1)
			rs.logger.Debug().
				Int("id", int(msg.ID)).
				Str("addr", from.String()).
				Err(err).
				Msg("dropping position update")
			return
		}
		rs.metrics.PositionUpdates.Add(1)
		rs.dirty.Store(true)
	default:
		debug.Assert(false, fmt.Sprintf("unhandled datagram: %s", msg.Opcode()))
	}
}

// handleAdmit finishes a handshake: the newcomer learns who is there, the
// others learn about the newcomer, then the newcomer is registered and told
// it is in.
func (rs *RelayServer) handleAdmit(ev admitEvent) {
	s := ev.session
	newcomer := registry.Client{
		ID:      ev.clientID,
		Session: s.id,
		Conn:    s.conn,
		UDPAddr: ev.udpAddr,
	}

	existing := rs.registry.All()

	snapshot, err := (&protocol.Transforms{Entries: entries(existing)}).MarshalBinary()
	debug.Assert(err == nil)
	if err := rs.sendTo(newcomer, snapshot); err != nil {
		rs.logger.Warn().
			Int("id", int(newcomer.ID)).
			Err(err).
			Msg("could not send snapshot to new client")
		rs.closeSession(s)
	}

	joined, err := (&protocol.Transform{ID: newcomer.ID}).MarshalBinary()
	debug.Assert(err == nil)
	rs.broadcast(existing, joined)

	// a failed send above closed the connection; registering anyway is fine,
	// the reader's disconnect is queued behind this event and removes it

	if err := rs.registry.Insert(newcomer); err != nil {
		rs.logger.Error().
			Int("id", int(newcomer.ID)).
			Err(err).
			Msg("could not register client")
		rs.registry.Release(newcomer.ID)
		rs.closeSession(s)
		return
	}

	ack, err := (&protocol.ClientConnection{ID: newcomer.ID, Ack: true}).MarshalBinary()
	debug.Assert(err == nil)
	if err := rs.sendTo(newcomer, ack); err != nil {
		rs.logger.Warn().
			Int("id", int(newcomer.ID)).
			Err(err).
			Msg("could not send ack to new client")
		rs.closeSession(s)
	}

	rs.metrics.Admitted.Add(1)
	rs.logger.Info().
		Int("id", int(newcomer.ID)).
		Str("session", s.id.String()).
		Str("tcp", s.conn.RemoteAddr().String()).
		Str("udp", ev.udpAddr.String()).
		Msg("client connected")
}

func (rs *RelayServer) handleDisconnect(ev disconnectEvent) {
	rs.closeSession(ev.session)

	client, ok := rs.registry.Remove(ev.clientID)
	if !ok {
		return
	}

	var entry *log.Entry
	if ev.err != nil && !errors.Is(ev.err, net.ErrClosed) {
		entry = rs.logger.Warn().Err(ev.err)
	} else {
		entry = rs.logger.Info()
	}
	entry.
		Int("id", int(client.ID)).
		Str("session", client.Session.String()).
		Msg("client disconnected")
	rs.metrics.Disconnected.Add(1)

	frame, err := (&protocol.Disconnection{ID: client.ID}).MarshalBinary()
	debug.Assert(err == nil)
	rs.broadcastAll(frame)

	rs.checkLobby()
}

// checkLobby ends the lobby once enough clients are there and all of them
// are ready.
func (rs *RelayServer) checkLobby() {
	if !rs.lobby.Load() {
		return
	}

	clients := rs.registry.All()
	if len(clients) == 0 || len(clients) < rs.cfg.LobbyMinClients {
		return
	}
	for _, c := range clients {
		if c.Score != 1 {
			return
		}
	}

	rs.lobby.Store(false)
	rs.logger.Info().
		Int("clients", len(clients)).
		Msg("everyone is ready, leaving lobby")

	frame, err := (&protocol.Delobby{}).MarshalBinary()
	debug.Assert(err == nil)
	rs.broadcast(clients, frame)
}

func entries(clients []registry.Client) []protocol.Entry {
	entries := make([]protocol.Entry, len(clients))
	for i, c := range clients {
		entries[i] = protocol.Entry{
			ID:       c.ID,
			Score:    c.Score,
			Position: c.Position,
		}
	}
	return entries
}

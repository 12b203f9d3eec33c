package relayserver

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/northmatt/tickrelay/internal/protocol"
	"github.com/northmatt/tickrelay/internal/registry"
)

func (rs *RelayServer) writeTCP(conn net.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(rs.cfg.IOTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func (rs *RelayServer) writeUDP(addr *net.UDPAddr, frame []byte) error {
	if err := rs.udp.SetWriteDeadline(time.Now().Add(rs.cfg.IOTimeout)); err != nil {
		return err
	}
	_, err := rs.udp.WriteToUDP(frame, addr)
	return err
}

// sendTo picks the transport from the opcode's transport bit.
func (rs *RelayServer) sendTo(c registry.Client, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty frame")
	}

	if protocol.Opcode(frame[0]).Unreliable() {
		if err := rs.writeUDP(c.UDPAddr, frame); err != nil {
			return fmt.Errorf("could not send udp to %d: %w", c.ID, err)
		}
		return nil
	}

	if err := rs.writeTCP(c.Conn, frame); err != nil {
		return fmt.Errorf("could not send tcp to %d: %w", c.ID, err)
	}
	return nil
}

// broadcast sends frame to every client in clients. A failing client does
// not stop the others; a failed tcp write closes that client's connection,
// and its reader then reports the disconnect.
func (rs *RelayServer) broadcast(clients []registry.Client, frame []byte) error {
	var errs error
	for _, c := range clients {
		err := rs.sendTo(c, frame)
		if err == nil {
			continue
		}

		rs.metrics.SendErrors.Add(1)
		rs.logger.Warn().
			Int("id", int(c.ID)).
			Str("op", protocol.Opcode(frame[0]).String()).
			Err(err).
			Msg("could not send")

		if !protocol.Opcode(frame[0]).Unreliable() {
			rs.closeSessionByID(c.Session)
		}
		errs = multierror.Append(errs, err)
	}
	return errs
}

// broadcastAll sends frame to a snapshot of the registry.
func (rs *RelayServer) broadcastAll(frame []byte) error {
	return rs.broadcast(rs.registry.All(), frame)
}

func (rs *RelayServer) broadcastMessage(msg protocol.Message) error {
	frame, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal %s: %w", msg.Opcode(), err)
	}
	return rs.broadcastAll(frame)
}

package relayserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/northmatt/tickrelay/internal/protocol"
)

// runRecv reads the shared udp socket. The read deadline keeps the loop
// responsive to ctx.
func (rs *RelayServer) runRecv(ctx context.Context) {
	buf := make([]byte, protocol.MaxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := rs.udp.SetReadDeadline(time.Now().Add(rs.cfg.IOTimeout)); err != nil {
			rs.logger.Error().
				Err(err).
				Msg("could not set udp read deadline")
			return
		}

		n, addr, err := rs.udp.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			rs.logger.Error().
				Err(err).
				Msg("could not read from udp")
			continue
		}

		msg, err := protocol.ParseClientDatagram(buf[:n])
		if err != nil {
			// best effort transport, nothing is sent back
			rs.metrics.Malformed.Add(1)
			rs.logger.Debug().
				Str("addr", addr.String()).
				Str("bytes", fmt.Sprintf("%v", buf[:n])).
				Err(err).
				Msg("could not parse datagram")
			continue
		}

		if !rs.enqueue(ctx, datagramEvent{from: addr, msg: msg}) {
			return
		}
	}
}

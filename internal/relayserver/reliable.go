package relayserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/northmatt/tickrelay/internal/protocol"
)

func (rs *RelayServer) runAccept(ctx context.Context) {
	for {
		conn, err := rs.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			rs.logger.Error().
				Err(err).
				Msg("could not accept tcp connection")

			// re-arm after a short pause, whatever went wrong (e.g. EMFILE)
			// is unlikely to be gone immediately
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if ctx.Err() != nil {
			conn.Close()
			return
		}

		s := newSession(conn)
		rs.trackSession(s)
		rs.metrics.Accepted.Add(1)

		rs.logger.Debug().
			Str("session", s.id.String()).
			Str("tcp", conn.RemoteAddr().String()).
			Msg("accepted tcp connection")

		rs.conns.Add(2)
		go func() {
			defer rs.conns.Done()
			rs.runReader(ctx, s)
		}()
		go func() {
			defer rs.conns.Done()
			rs.handshake(ctx, s)
		}()
	}
}

// runReader decodes frames off one connection for its whole life. Frames
// arriving before admission are dropped; the end of the stream is reported
// to the handshake (before admission) or the dispatcher (after).
func (rs *RelayServer) runReader(ctx context.Context, s *session) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 256), rs.cfg.MaxFrameSize)
	scanner.Split(protocol.SplitFrames)

	for scanner.Scan() {
		frame := scanner.Bytes()

		clientID, admitted := s.admittedID()
		if !admitted {
			rs.metrics.EarlyFrames.Add(1)
			rs.logger.Debug().
				Str("session", s.id.String()).
				Int("len", len(frame)).
				Msg("dropping frame from unadmitted client")
			continue
		}

		msg, err := protocol.ParseClientFrame(frame)
		if err != nil {
			rs.metrics.Malformed.Add(1)
			rs.logger.Debug().
				Int("id", int(clientID)).
				Str("bytes", fmt.Sprintf("%v", frame)).
				Err(err).
				Msg("could not parse tcp frame")
			continue
		}

		if !rs.enqueue(ctx, frameEvent{clientID: clientID, msg: msg}) {
			break
		}
	}

	clientID, admitted := s.markClosed()
	if !admitted {
		// the handshake notices s.dropped and cleans up
		return
	}

	rs.enqueue(ctx, disconnectEvent{
		session:  s,
		clientID: clientID,
		err:      scanner.Err(),
	})
}

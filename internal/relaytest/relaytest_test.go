package relaytest_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/northmatt/tickrelay/internal/config"
	"github.com/northmatt/tickrelay/internal/protocol"
	"github.com/northmatt/tickrelay/internal/relayclient"
	"github.com/northmatt/tickrelay/internal/relayserver"
	"github.com/phuslu/log"
)

func testLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.WarnLevel
	if os.Getenv("RELAYTEST_VERBOSE") != "" {
		logger.Level = log.DebugLevel
	}
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func startServer(t *testing.T, logger *log.Logger) *relayserver.RelayServer {
	t.Helper()
	is := is.New(t)

	cfg := config.Default()
	cfg.Port = 0

	rs, err := relayserver.New(cfg, logger)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rs.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return rs
}

func dial(t *testing.T, rs *relayserver.RelayServer, logger *log.Logger) *relayclient.Client {
	t.Helper()
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := rs.TCPAddr()
	c, err := relayclient.Dial(ctx, addr.IP.String(), addr.Port, logger)
	is.NoErr(err)
	t.Cleanup(func() { c.Close() })

	return c
}

// NOTE: client receive loops run in the background, so assertions on what a
// client has seen are polled.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func drainAll(c *relayclient.Client) []protocol.Message {
	var msgs []protocol.Message
	for c.Drain(func(msg protocol.Message) { msgs = append(msgs, msg) }) > 0 {
	}
	return msgs
}

func TestTwoPlayers(t *testing.T) {
	is := is.New(t)
	logger := testLogger()
	rs := startServer(t, logger)

	one := dial(t, rs, logger)
	is.Equal(one.ID(), byte(1))
	is.Equal(len(one.Players()), 0)

	two := dial(t, rs, logger)
	is.Equal(two.ID(), byte(2))

	// two learned about one from the join snapshot, one about two from the
	// join broadcast
	is.Equal(len(two.Players()), 1)
	eventually(t, func() bool { return len(one.Players()) == 1 })

	t.Log("move player one")
	is.NoErr(one.SendPosition(protocol.Vec3{X: 24, Y: 13, Z: 2}))

	eventually(t, func() bool {
		players := two.Players()
		return len(players) == 1 && players[0].Position == protocol.Vec3{X: 24, Y: 13, Z: 2}
	})
	eventually(t, func() bool { return one.Self().Position == protocol.Vec3{X: 24, Y: 13, Z: 2} })
}

func TestChatNameAndScore(t *testing.T) {
	is := is.New(t)
	logger := testLogger()
	rs := startServer(t, logger)

	one := dial(t, rs, logger)
	two := dial(t, rs, logger)
	eventually(t, func() bool { return len(one.Players()) == 1 })
	drainAll(one)
	drainAll(two)

	is.NoErr(one.SetName("uno"))
	is.NoErr(one.SendChat("hello there"))
	is.NoErr(one.SetScore(7))

	eventually(t, func() bool {
		players := two.Players()
		return players[0].Name == "uno" && players[0].Score == 7
	})
	eventually(t, func() bool { return one.Self().Score == 7 })

	var chats []*protocol.Chat
	for _, msg := range drainAll(two) {
		if chat, ok := msg.(*protocol.Chat); ok {
			chats = append(chats, chat)
		}
	}
	is.Equal(len(chats), 1)
	is.Equal(chats[0].ID, one.ID())
	is.Equal(chats[0].Text, "hello there")
}

func TestLeaving(t *testing.T) {
	is := is.New(t)
	logger := testLogger()
	rs := startServer(t, logger)

	one := dial(t, rs, logger)
	two := dial(t, rs, logger)
	eventually(t, func() bool { return len(one.Players()) == 1 })

	is.NoErr(two.Close())

	eventually(t, func() bool { return len(one.Players()) == 0 })
	eventually(t, func() bool { return len(rs.Clients()) == 1 })

	var left []byte
	for _, msg := range drainAll(one) {
		if d, ok := msg.(*protocol.Disconnection); ok {
			left = append(left, d.ID)
		}
	}
	is.Equal(left, []byte{two.ID()})
}

func TestLobby(t *testing.T) {
	is := is.New(t)
	logger := testLogger()
	rs := startServer(t, logger)

	one := dial(t, rs, logger)
	two := dial(t, rs, logger)
	is.True(one.InLobby())

	is.NoErr(one.SetScore(1))
	eventually(t, func() bool { return two.Players()[0].Score == 1 })
	is.True(two.InLobby())

	is.NoErr(two.SetScore(1))
	eventually(t, func() bool { return !one.InLobby() && !two.InLobby() })
	is.True(!rs.InLobby())
}

func TestDrainIsBounded(t *testing.T) {
	is := is.New(t)
	logger := testLogger()
	rs := startServer(t, logger)

	one := dial(t, rs, logger)
	drainAll(one)

	const sent = relayclient.MaxEventsPerPass + 10
	for i := 0; i < sent; i++ {
		is.NoErr(one.SendChat("spam"))
	}
	eventually(t, func() bool { return rs.Metrics().ChatRelayed.Load() == sent })

	// the relayed chats may still be in flight to the client
	var total int
	eventually(t, func() bool {
		n := one.Drain(func(protocol.Message) {})
		is.True(n <= relayclient.MaxEventsPerPass)
		total += n
		return total == sent
	})
}

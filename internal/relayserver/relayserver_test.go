package relayserver_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/northmatt/tickrelay/internal/config"
	"github.com/northmatt/tickrelay/internal/protocol"
	"github.com/northmatt/tickrelay/internal/relayserver"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.HandshakeTimeout = time.Second
	cfg.LobbyMinClients = 2
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *relayserver.RelayServer {
	t.Helper()
	is := is.New(t)

	rs, err := relayserver.New(cfg, nil)
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

// rawClient speaks the wire protocol directly, without the client library.
type rawClient struct {
	id      byte
	tcp     net.Conn
	udp     *net.UDPConn
	scanner *bufio.Scanner
}

func dialRaw(t *testing.T, rs *relayserver.RelayServer) *rawClient {
	t.Helper()
	is := is.New(t)

	tcp, err := net.Dial("tcp4", rs.TCPAddr().String())
	is.NoErr(err)
	udp, err := net.DialUDP("udp4", nil, rs.UDPAddr())
	is.NoErr(err)

	c := &rawClient{
		tcp:     tcp,
		udp:     udp,
		scanner: bufio.NewScanner(tcp),
	}
	c.scanner.Buffer(make([]byte, 0, 1024), 8<<10)
	c.scanner.Split(protocol.SplitFrames)
	t.Cleanup(func() {
		c.tcp.Close()
		c.udp.Close()
	})

	assign, ok := c.read(t).(*protocol.ClientConnection)
	is.True(ok)
	is.True(!assign.Ack)
	c.id = assign.ID

	return c
}

// joinRaw dials and completes the handshake. It returns the client along
// with the snapshot it was sent on admission.
func joinRaw(t *testing.T, rs *relayserver.RelayServer) (*rawClient, *protocol.Transforms) {
	t.Helper()
	is := is.New(t)

	c := dialRaw(t, rs)
	c.sendUDP(t, &protocol.Discovery{ID: c.id})

	snapshot, ok := c.read(t).(*protocol.Transforms)
	is.True(ok)
	is.True(!snapshot.Unreliable)

	ack, ok := c.read(t).(*protocol.ClientConnection)
	is.True(ok)
	is.True(ack.Ack)
	is.Equal(ack.ID, c.id)

	return c, snapshot
}

func (c *rawClient) read(t *testing.T) protocol.Message {
	t.Helper()
	is := is.New(t)

	is.NoErr(c.tcp.SetReadDeadline(time.Now().Add(2 * time.Second)))
	is.True(c.scanner.Scan())
	msg, err := protocol.ParseServerFrame(c.scanner.Bytes())
	is.NoErr(err)
	return msg
}

func (c *rawClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	is := is.New(t)

	frame, err := msg.MarshalBinary()
	is.NoErr(err)
	is.NoErr(c.tcp.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err = c.tcp.Write(frame)
	is.NoErr(err)
}

func (c *rawClient) sendUDP(t *testing.T, msg protocol.Message) {
	t.Helper()
	is := is.New(t)

	datagram, err := msg.MarshalBinary()
	is.NoErr(err)
	_, err = c.udp.Write(datagram)
	is.NoErr(err)
}

// readUDP returns the next snapshot datagram, or nil if none arrives within
// timeout.
func (c *rawClient) readUDP(t *testing.T, timeout time.Duration) *protocol.Transforms {
	t.Helper()
	is := is.New(t)

	buf := make([]byte, protocol.MaxDatagramSize)
	is.NoErr(c.udp.SetReadDeadline(time.Now().Add(timeout)))
	n, err := c.udp.Read(buf)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil
	}
	is.NoErr(err)

	msg, err := protocol.ParseServerDatagram(buf[:n])
	is.NoErr(err)
	snapshot, ok := msg.(*protocol.Transforms)
	is.True(ok)
	return snapshot
}

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

func TestJoinAndReplicate(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, snapshot := joinRaw(t, rs)
	is.Equal(a.id, byte(1))
	is.Equal(len(snapshot.Entries), 0)

	// nothing moved yet, so nothing is replicated
	is.True(a.readUDP(t, 150*time.Millisecond) == nil)

	a.sendUDP(t, &protocol.Position{ID: a.id, Position: protocol.Vec3{X: 5, Y: 0, Z: 2}})

	got := a.readUDP(t, 2*time.Second)
	is.True(got != nil)
	is.True(got.Unreliable)
	is.Equal(len(got.Entries), 1)
	is.Equal(got.Entries[0].ID, a.id)
	is.Equal(got.Entries[0].Position, protocol.Vec3{X: 5, Y: 0, Z: 2})

	// one update, one snapshot
	is.True(a.readUDP(t, 150*time.Millisecond) == nil)
}

func TestJoinAnnouncesNewcomer(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)
	b, snapshot := joinRaw(t, rs)
	is.Equal(b.id, byte(2))

	// the newcomer hears about everyone already there
	is.Equal(len(snapshot.Entries), 1)
	is.Equal(snapshot.Entries[0].ID, a.id)

	// everyone already there hears about the newcomer
	joined, ok := a.read(t).(*protocol.Transform)
	is.True(ok)
	is.Equal(joined.ID, b.id)

	is.Equal(len(rs.Clients()), 2)
}

func TestHandshakeTimeoutReleasesID(t *testing.T) {
	is := is.New(t)
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	rs := startServer(t, cfg)

	silent := dialRaw(t, rs)
	is.Equal(silent.id, byte(1))

	// no discovery is ever sent, the server hangs up
	is.NoErr(silent.tcp.SetReadDeadline(time.Now().Add(2 * time.Second)))
	is.True(!silent.scanner.Scan())
	is.Equal(len(rs.Clients()), 0)
	eventually(t, func() bool { return rs.Metrics().HandshakeFailed.Load() == 1 })

	c, _ := joinRaw(t, rs)
	is.Equal(c.id, byte(1))
}

func TestConcurrentHandshakesAreIndependent(t *testing.T) {
	is := is.New(t)
	cfg := testConfig()
	cfg.HandshakeTimeout = 500 * time.Millisecond
	rs := startServer(t, cfg)

	// both handshakes are pending at the same time
	silent := dialRaw(t, rs)
	is.Equal(silent.id, byte(1))
	b := dialRaw(t, rs)
	is.Equal(b.id, byte(2))

	b.sendUDP(t, &protocol.Discovery{ID: b.id})
	snapshot, ok := b.read(t).(*protocol.Transforms)
	is.True(ok)
	is.Equal(len(snapshot.Entries), 0)
	ack, ok := b.read(t).(*protocol.ClientConnection)
	is.True(ok)
	is.True(ack.Ack)
	is.Equal(ack.ID, b.id)

	// the silent one still times out on its own
	is.NoErr(silent.tcp.SetReadDeadline(time.Now().Add(2 * time.Second)))
	is.True(!silent.scanner.Scan())
	eventually(t, func() bool { return rs.Metrics().HandshakeFailed.Load() == 1 })

	clients := rs.Clients()
	is.Equal(len(clients), 1)
	is.Equal(clients[0].ID, b.id)

	c, snapshot := joinRaw(t, rs)
	is.Equal(c.id, silent.id)
	is.Equal(len(snapshot.Entries), 1)
	is.Equal(snapshot.Entries[0].ID, b.id)

	joined, ok := b.read(t).(*protocol.Transform)
	is.True(ok)
	is.Equal(joined.ID, c.id)
	is.Equal(rs.Metrics().Admitted.Load(), int64(2))
}

func TestDroppedBeforeDiscovery(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	c := dialRaw(t, rs)
	is.NoErr(c.tcp.Close())

	eventually(t, func() bool { return rs.Metrics().HandshakeFailed.Load() == 1 })
	is.Equal(len(rs.Clients()), 0)

	// a late discovery for the dead handshake admits nobody
	c.sendUDP(t, &protocol.Discovery{ID: c.id})
	time.Sleep(50 * time.Millisecond)
	is.Equal(len(rs.Clients()), 0)
	is.Equal(rs.Metrics().Admitted.Load(), int64(0))
}

func TestFramesBeforeAdmissionAreDropped(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	c := dialRaw(t, rs)
	c.send(t, &protocol.Chat{ID: c.id, Text: "too early"})
	eventually(t, func() bool { return rs.Metrics().EarlyFrames.Load() == 1 })

	c.sendUDP(t, &protocol.Discovery{ID: c.id})
	_, ok := c.read(t).(*protocol.Transforms)
	is.True(ok)
	_, ok = c.read(t).(*protocol.ClientConnection)
	is.True(ok)

	is.Equal(rs.Metrics().ChatRelayed.Load(), int64(0))
}

func TestSpoofedPositionIsDropped(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)

	spoofer, err := net.DialUDP("udp4", nil, rs.UDPAddr())
	is.NoErr(err)
	defer spoofer.Close()

	datagram, err := (&protocol.Position{ID: a.id, Position: protocol.Vec3{X: 9}}).MarshalBinary()
	is.NoErr(err)
	_, err = spoofer.Write(datagram)
	is.NoErr(err)

	eventually(t, func() bool { return rs.Metrics().PositionDropped.Load() == 1 })
	is.True(a.readUDP(t, 150*time.Millisecond) == nil)

	clients := rs.Clients()
	is.Equal(len(clients), 1)
	is.Equal(clients[0].Position, protocol.Vec3{})
}

func TestMalformedDatagramIsIgnored(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)

	// a position one byte short
	_, err := a.udp.Write([]byte{0x11, a.id, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	is.NoErr(err)

	eventually(t, func() bool { return rs.Metrics().Malformed.Load() == 1 })
	is.Equal(rs.Metrics().PositionUpdates.Load(), int64(0))
}

func TestChatIsRelayedWithSenderID(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)
	b, _ := joinRaw(t, rs)
	_ = a.read(t) // b joining

	// the id a claims is replaced with the one it was assigned
	a.send(t, &protocol.Chat{ID: 200, Text: "hello"})

	for _, c := range []*rawClient{a, b} {
		chat, ok := c.read(t).(*protocol.Chat)
		is.True(ok)
		is.Equal(chat.ID, a.id)
		is.Equal(chat.Text, "hello")
	}
}

func TestLegacyChatIsRelayedAsIs(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)
	b, _ := joinRaw(t, rs)
	_ = a.read(t)

	// no text length, the text runs to the end of the frame
	is.NoErr(a.tcp.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := a.tcp.Write([]byte{0x04, 200, 0, 0, 'h', 'i'})
	is.NoErr(err)

	chat, ok := b.read(t).(*protocol.Chat)
	is.True(ok)
	is.Equal(*chat, protocol.Chat{ID: a.id, Text: "hi", Legacy: true})
	is.Equal(b.scanner.Bytes(), []byte{0x04, a.id, 0, 0, 'h', 'i'})
}

func TestSetNameIsRelayed(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)
	b, _ := joinRaw(t, rs)
	_ = a.read(t)

	b.send(t, &protocol.SetName{ID: b.id, Name: "bee"})

	name, ok := a.read(t).(*protocol.SetName)
	is.True(ok)
	is.Equal(name.ID, b.id)
	is.Equal(name.Name, "bee")

	eventually(t, func() bool {
		for _, c := range rs.Clients() {
			if c.ID == b.id {
				return c.Name == "bee"
			}
		}
		return false
	})
}

func TestDisconnectIsBroadcast(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)
	b, _ := joinRaw(t, rs)
	_ = a.read(t)

	is.NoErr(a.tcp.Close())

	left, ok := b.read(t).(*protocol.Disconnection)
	is.True(ok)
	is.Equal(left.ID, a.id)
	eventually(t, func() bool { return len(rs.Clients()) == 1 })

	// the freed id is handed out again
	c, snapshot := joinRaw(t, rs)
	is.Equal(c.id, a.id)
	is.Equal(len(snapshot.Entries), 1)
	is.Equal(snapshot.Entries[0].ID, b.id)
}

func TestLobbyEndsWhenEveryoneIsReady(t *testing.T) {
	is := is.New(t)
	rs := startServer(t, testConfig())

	a, _ := joinRaw(t, rs)
	is.True(rs.InLobby())

	// alone is not enough, even when ready
	a.send(t, &protocol.Score{ID: a.id, Score: 1})
	score, ok := a.read(t).(*protocol.Score)
	is.True(ok)
	is.Equal(score.ID, a.id)
	is.True(rs.InLobby())

	b, snapshot := joinRaw(t, rs)
	is.Equal(snapshot.Entries[0].Score, byte(1))
	_ = a.read(t)

	b.send(t, &protocol.Score{ID: b.id, Score: 1})
	for _, c := range []*rawClient{a, b} {
		score, ok := c.read(t).(*protocol.Score)
		is.True(ok)
		is.Equal(score.ID, b.id)

		_, ok = c.read(t).(*protocol.Delobby)
		is.True(ok)
	}
	is.True(!rs.InLobby())
}

func TestShutdownClosesConnections(t *testing.T) {
	is := is.New(t)

	rs, err := relayserver.New(testConfig(), nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- rs.Run(ctx)
	}()

	a, _ := joinRaw(t, rs)
	pending := dialRaw(t, rs)

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	for _, c := range []*rawClient{a, pending} {
		is.NoErr(c.tcp.SetReadDeadline(time.Now().Add(2 * time.Second)))
		is.True(!c.scanner.Scan())
	}
}

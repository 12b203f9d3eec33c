package relayclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/northmatt/tickrelay/internal/debug"
	"github.com/northmatt/tickrelay/internal/protocol"
	"github.com/phuslu/log"
)

const (
	// MaxEventsPerPass caps how many queued events Drain handles at once.
	MaxEventsPerPass = 50
	// busyPass is where Drain starts complaining.
	busyPass = 30

	discoveryInterval = 100 * time.Millisecond
	defaultTimeout    = 5 * time.Second
	ioTimeout         = 200 * time.Millisecond

	// a reliable snapshot of every possible client
	maxFrameSize = protocol.TransformsHeaderSize + 255*protocol.ReliableTransformsStride
)

var ErrClosed = errors.New("client is closed")

// Player is what the client knows about another client.
type Player struct {
	ID       byte
	Name     string
	Score    byte
	Position protocol.Vec3
}

// Client is one connection to the relay server, tcp and udp.
type Client struct {
	tcp *net.TCPConn
	udp *net.UDPConn

	logger *log.Logger

	id       byte
	assigned chan struct{}
	admitted chan struct{}
	// done is closed when the tcp stream ends
	done chan struct{}

	mu      sync.Mutex
	self    Player
	players map[byte]*Player
	events  []protocol.Message
	inLobby bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the server at host:port (tcp) and host:port+1 (udp) and
// completes the join handshake. ctx bounds the handshake; without a deadline
// it is given 5 seconds.
func Dial(ctx context.Context, host string, port int, logger *log.Logger) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("could not dial tcp: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port+1)))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}
	udp, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not dial udp: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		tcp: conn.(*net.TCPConn),
		udp: udp,

		logger: logger,

		assigned: make(chan struct{}),
		admitted: make(chan struct{}),
		done:     make(chan struct{}),

		players: make(map[byte]*Player),
		inLobby: true,

		cancel: cancel,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runRecvTCP(runCtx)
	}()

	if err := c.join(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runRecvUDP(runCtx)
	}()

	return c, nil
}

// join waits for the id over tcp, then announces the udp address until the
// server acknowledges.
func (c *Client) join(ctx context.Context) error {
	select {
	case <-c.assigned:
	case <-c.done:
		return fmt.Errorf("waiting for id: %w", io.ErrUnexpectedEOF)
	case <-ctx.Done():
		return fmt.Errorf("waiting for id: %w", ctx.Err())
	}

	discovery, err := (&protocol.Discovery{ID: c.id}).MarshalBinary()
	debug.Assert(err == nil)

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		// udp is lossy, keep trying until the ack shows up on tcp
		if err := c.writeUDP(discovery); err != nil {
			c.logger.Debug().
				Err(err).
				Msg("could not send discovery")
		}

		select {
		case <-c.admitted:
			c.logger.Debug().
				Int("id", int(c.id)).
				Msg("joined")
			return nil
		case <-c.done:
			return fmt.Errorf("waiting for ack: %w", io.ErrUnexpectedEOF)
		case <-ctx.Done():
			return fmt.Errorf("waiting for ack: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) runRecvTCP(ctx context.Context) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.tcp)
	scanner.Buffer(make([]byte, 0, 1024), maxFrameSize)
	scanner.Split(protocol.SplitFrames)

	for scanner.Scan() {
		msg, err := protocol.ParseServerFrame(scanner.Bytes())
		if err != nil {
			c.logger.Error().
				Str("bytes", fmt.Sprintf("%v", scanner.Bytes())).
				Err(err).
				Msg("could not parse frame")
			continue
		}

		c.logger.Debug().
			Str("op", msg.Opcode().String()).
			Msg("recv tcp")

		c.handleFrame(msg)
	}

	if ctx.Err() == nil {
		c.logger.Info().
			Err(scanner.Err()).
			Msg("server closed the connection")
	}
}

func (c *Client) handleFrame(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg := msg.(type) {
	case *protocol.ClientConnection:
		c.handleClientConnection(msg)
		return
	case *protocol.Disconnection:
		delete(c.players, msg.ID)
	case *protocol.Transform:
		if msg.ID != c.id {
			c.players[msg.ID] = &Player{ID: msg.ID, Position: msg.Position}
		}
	case *protocol.Transforms:
		for _, entry := range msg.Entries {
			if entry.ID == c.id {
				continue
			}
			c.players[entry.ID] = &Player{ID: entry.ID, Score: entry.Score, Position: entry.Position}
		}
	case *protocol.SetName:
		if p := c.player(msg.ID); p != nil {
			p.Name = msg.Name
		}
	case *protocol.Score:
		if p := c.player(msg.ID); p != nil {
			p.Score = msg.Score
		}
	case *protocol.Delobby:
		c.inLobby = false
	case *protocol.Chat:
	}

	c.events = append(c.events, msg)
}

// handleClientConnection is called with c.mu held.
func (c *Client) handleClientConnection(msg *protocol.ClientConnection) {
	if !msg.Ack {
		select {
		case <-c.assigned:
			c.logger.Warn().
				Int("id", int(msg.ID)).
				Msg("server assigned a second id, ignoring")
		default:
			c.id = msg.ID
			c.self.ID = msg.ID
			close(c.assigned)
		}
		return
	}

	if msg.ID != c.id {
		c.logger.Warn().
			Int("id", int(msg.ID)).
			Int("own", int(c.id)).
			Msg("ack for someone else")
		return
	}
	select {
	case <-c.admitted:
	default:
		close(c.admitted)
	}
}

// player is called with c.mu held.
func (c *Client) player(id byte) *Player {
	if id == c.id {
		return &c.self
	}
	return c.players[id]
}

func (c *Client) runRecvUDP(ctx context.Context) {
	buf := make([]byte, protocol.MaxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.udp.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
			return
		}
		n, err := c.udp.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			c.logger.Error().
				Err(err).
				Msg("could not read udp")
			continue
		}

		msg, err := protocol.ParseServerDatagram(buf[:n])
		if err != nil {
			c.logger.Debug().
				Err(err).
				Msg("could not parse datagram")
			continue
		}

		snapshot, ok := msg.(*protocol.Transforms)
		debug.Assert(ok)
		c.applySnapshot(snapshot)
	}
}

// applySnapshot takes positions for players we already know about; a player
// is only ever created from tcp, so a late datagram cannot bring back
// someone who left.
func (c *Client) applySnapshot(snapshot *protocol.Transforms) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range snapshot.Entries {
		if p := c.player(entry.ID); p != nil {
			p.Position = entry.Position
		}
	}
}

func (c *Client) writeTCP(msg protocol.Message) error {
	frame, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.tcp.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	_, err = c.tcp.Write(frame)
	return err
}

func (c *Client) writeUDP(frame []byte) error {
	if err := c.udp.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	_, err := c.udp.Write(frame)
	return err
}

// Done is closed once the server connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ID is the id the server assigned.
func (c *Client) ID() byte {
	return c.id
}

func (c *Client) SendChat(text string) error {
	return c.writeTCP(&protocol.Chat{ID: c.id, Text: text})
}

func (c *Client) SetName(name string) error {
	return c.writeTCP(&protocol.SetName{ID: c.id, Name: name})
}

func (c *Client) SetScore(score byte) error {
	return c.writeTCP(&protocol.Score{ID: c.id, Score: score})
}

// SendPosition is fire and forget, like everything on udp.
func (c *Client) SendPosition(pos protocol.Vec3) error {
	frame, err := (&protocol.Position{ID: c.id, Position: pos}).MarshalBinary()
	debug.Assert(err == nil)
	return c.writeUDP(frame)
}

// Self is this client as the server last described it.
func (c *Client) Self() Player {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.self
}

// Players returns everyone else, ordered by id.
func (c *Client) Players() []Player {
	c.mu.Lock()
	players := make([]Player, 0, len(c.players))
	for _, p := range c.players {
		players = append(players, *p)
	}
	c.mu.Unlock()

	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players
}

func (c *Client) InLobby() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inLobby
}

// Drain hands queued tcp events to fn, oldest first, at most
// MaxEventsPerPass per call. Anything beyond that stays queued for the next
// call. It returns how many events were handled.
func (c *Client) Drain(fn func(protocol.Message)) int {
	c.mu.Lock()
	n := len(c.events)
	if n > MaxEventsPerPass {
		n = MaxEventsPerPass
	}
	batch := make([]protocol.Message, n)
	copy(batch, c.events[:n])
	c.events = c.events[n:]
	left := len(c.events)
	c.mu.Unlock()

	for _, msg := range batch {
		fn(msg)
	}

	if n > busyPass {
		c.logger.Warn().
			Int("handled", n).
			Int("left", left).
			Msg("high event count")
	}
	return n
}

// Close tears down both transports and waits for the receive loops.
func (c *Client) Close() error {
	c.cancel()

	err := c.tcp.Close()
	if udpErr := c.udp.Close(); err == nil {
		err = udpErr
	}
	c.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

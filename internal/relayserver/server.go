package relayserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/northmatt/tickrelay/internal/config"
	"github.com/northmatt/tickrelay/internal/registry"
	"github.com/phuslu/log"
)

// RelayServer owns the tcp listener, the shared udp socket and everything
// that happens on them.
type RelayServer struct {
	cfg    *config.Config
	logger *log.Logger

	listener *net.TCPListener
	udp      *net.UDPConn

	registry *registry.Registry
	events   chan event

	// dirty is set by the dispatcher on every accepted position update and
	// cleared only by the tick loop.
	dirty atomic.Bool
	lobby atomic.Bool
	tick  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[byte]*pendingHandshake

	sessionsMu sync.Mutex
	sessions   map[uuid.UUID]*session
	// conns tracks per-connection goroutines (readers and handshakes)
	conns sync.WaitGroup

	metrics    *Metrics
	spectators *Spectators
}

func New(cfg *config.Config, logger *log.Logger) (*RelayServer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	listener, udp, err := listen(cfg.Addr, cfg.Port)
	if err != nil {
		return nil, err
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	rs := &RelayServer{
		cfg:    cfg,
		logger: logger,

		listener: listener,
		udp:      udp,

		registry: registry.New(),
		events:   make(chan event, cfg.EventQueue),

		pending:  make(map[byte]*pendingHandshake),
		sessions: make(map[uuid.UUID]*session),

		metrics:    new(Metrics),
		spectators: NewSpectators(),
	}
	rs.lobby.Store(cfg.LobbyMinClients > 0)

	return rs, nil
}

// listen binds tcp on port and udp on port+1. With port 0 the tcp port is
// picked by the kernel and the pair is retried until port+1 is free too.
func listen(host string, port int) (*net.TCPListener, *net.UDPConn, error) {
	attempts := 1
	if port == 0 {
		attempts = 16
	}

	var errs error
	for i := 0; i < attempts; i++ {
		tcpAddr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, nil, fmt.Errorf("could not resolve tcp addr: %w", err)
		}

		listener, err := net.ListenTCP("tcp4", tcpAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("could not listen tcp: %w", err)
		}

		udpAddr := &net.UDPAddr{
			IP:   tcpAddr.IP,
			Port: listener.Addr().(*net.TCPAddr).Port + 1,
		}
		udp, err := net.ListenUDP("udp4", udpAddr)
		if err == nil {
			return listener, udp, nil
		}

		listener.Close()
		errs = multierror.Append(errs, err)
	}

	return nil, nil, fmt.Errorf("could not listen udp: %w", errs)
}

// TCPAddr can be useful to retrieve the server's address when it was
// configured with port 0.
func (rs *RelayServer) TCPAddr() *net.TCPAddr {
	return rs.listener.Addr().(*net.TCPAddr)
}

func (rs *RelayServer) UDPAddr() *net.UDPAddr {
	return rs.udp.LocalAddr().(*net.UDPAddr)
}

// Clients returns a snapshot of every admitted client.
func (rs *RelayServer) Clients() []registry.Client {
	return rs.registry.All()
}

// InLobby reports whether the server still waits for everyone to be ready.
func (rs *RelayServer) InLobby() bool {
	return rs.lobby.Load()
}

func (rs *RelayServer) Metrics() *Metrics {
	return rs.metrics
}

// Subscribe streams every unreliable snapshot the tick loop sends.
func (rs *RelayServer) Subscribe(buffer int) (<-chan []byte, func()) {
	return rs.spectators.Subscribe(buffer)
}

// Stats is what the admin surface serves on /metrics.
func (rs *RelayServer) Stats() map[string]any {
	stats := rs.metrics.Snapshot()
	stats["clients"] = rs.registry.Len()
	stats["pending"] = rs.registry.Reserved()
	stats["tick"] = rs.tick.Load()
	stats["lobby"] = rs.lobby.Load()
	stats["spectators"] = rs.spectators.Len()
	stats["spectator_drops"] = rs.spectators.Dropped()
	return stats
}

// Run serves until ctx is cancelled, then closes every connection and
// returns.
func (rs *RelayServer) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runAccept(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runRecv(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runDispatch(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rs.runTick(ctx)
	}()

	<-ctx.Done()
	rs.logger.Info().Msg("shutting down")

	var errs error
	if err := rs.listener.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close tcp listener: %w", err))
	}
	wg.Wait()

	rs.closeSessions()
	rs.conns.Wait()

	if err := rs.udp.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close udp: %w", err))
	}

	rs.logger.Info().Msg("stopped server")
	return errs
}

package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/northmatt/tickrelay/internal/protocol"
)

var (
	ErrCapacity      = errors.New("all client ids are in use")
	ErrUnknownClient = errors.New("unknown client")
	ErrAddrMismatch  = errors.New("udp address does not match client")
	ErrDuplicateID   = errors.New("client id already registered")
	ErrReservedID    = errors.New("client id 0 is reserved")
)

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

// Client is one fully admitted client. Registry hands out copies; Conn is the
// only shared part and belongs to the client's session.
type Client struct {
	ID       byte
	Session  uuid.UUID
	Conn     net.Conn
	UDPAddr  *net.UDPAddr
	Position protocol.Vec3
	Name     string
	Score    byte

	udpKey addrKey
}

// Registry is the authoritative set of connected clients. Ids reserved by a
// pending handshake are invisible to lookups and snapshots but are never
// handed out twice.
type Registry struct {
	mu       sync.RWMutex
	clients  map[byte]*Client
	reserved map[byte]struct{}
}

func New() *Registry {
	return &Registry{
		clients:  make(map[byte]*Client),
		reserved: make(map[byte]struct{}),
	}
}

// AllocateID reserves and returns the lowest id that is neither registered
// nor reserved. id 0 is never returned.
func (r *Registry) AllocateID() (byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := 1; id <= protocol.MaxClients; id++ {
		if _, ok := r.clients[byte(id)]; ok {
			continue
		}
		if _, ok := r.reserved[byte(id)]; ok {
			continue
		}
		r.reserved[byte(id)] = struct{}{}
		return byte(id), nil
	}

	return 0, ErrCapacity
}

// Release drops a reservation made by AllocateID.
func (r *Registry) Release(id byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reserved, id)
}

// Insert admits c. A reservation for c.ID, if any, is consumed.
func (r *Registry) Insert(c Client) error {
	if c.ID == 0 {
		return ErrReservedID
	}
	if c.UDPAddr == nil {
		return fmt.Errorf("client %d: missing udp address", c.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, c.ID)
	}
	delete(r.reserved, c.ID)

	c.udpKey = makeAddrKey(c.UDPAddr)
	r.clients[c.ID] = &c
	return nil
}

// Remove deletes the client and returns what was stored. Removing an unknown
// id is a no-op.
func (r *Registry) Remove(id byte) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	delete(r.clients, id)
	return *c, true
}

func (r *Registry) Find(id byte) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// All returns a point-in-time copy of every registered client ordered by id.
func (r *Registry) All() []Client {
	r.mu.RLock()
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, *c)
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Reserved returns the number of ids held by pending handshakes.
func (r *Registry) Reserved() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.reserved)
}

// UpdatePosition overwrites the position of client id, provided from is the
// address the client was admitted with.
func (r *Registry) UpdatePosition(id byte, from *net.UDPAddr, pos protocol.Vec3) error {
	key := makeAddrKey(from)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	if c.udpKey != key {
		return fmt.Errorf("%w: %d from %s", ErrAddrMismatch, id, from)
	}
	c.Position = pos
	return nil
}

func (r *Registry) SetName(id byte, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	c.Name = name
	return nil
}

func (r *Registry) SetScore(id byte, score byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	c.Score = score
	return nil
}

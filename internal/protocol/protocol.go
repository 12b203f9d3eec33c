package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/northmatt/tickrelay/internal/byteorder"
	"github.com/northmatt/tickrelay/internal/debug"
)

const (
	// TransportUnreliable is set on every opcode that travels over udp.
	TransportUnreliable byte = 0x10

	// MaxFrameSize is the default cap for one inbound tcp frame. the game
	// client's receive buffer is 1024 bytes, nothing it sends is larger.
	MaxFrameSize = 1 << 10
	// MaxDatagramSize fits a full unreliable snapshot (8 + 255*40 bytes).
	MaxDatagramSize = 16 << 10

	// MaxClients is the number of assignable ids, 1 through 254. id 0 means
	// "the server" to the client.
	MaxClients = 254
)

const (
	ClientConnectionSize        = 4
	DisconnectionSize           = 4
	TransformSize               = 16
	TransformsHeaderSize        = 8 // opcode (1) + pad (3) + count (4)
	ReliableTransformsStride    = 16
	UnreliableTransformsStride  = 40
	TextHeaderSize              = 4 // opcode (1) + id (1) + text length (2)
	ScoreSize                   = 4
	DelobbySize                 = 4
	DiscoverySize               = 4
	PositionSize                = 16
	maxTextLen                  = 0xffff
	maxTransformsEntries        = MaxClients + 1
	vec3Size                    = 12
	transformsEntryPositionOffs = 4
)

type Opcode byte

const (
	OpClientConnection Opcode = 0x00
	OpDisconnection    Opcode = 0x01
	OpTransform        Opcode = 0x02
	OpTransforms       Opcode = 0x03
	OpChat             Opcode = 0x04
	OpSetName          Opcode = 0x05
	OpScore            Opcode = 0x06
	OpDelobby          Opcode = 0x07

	// NOTE: udp opcodes are only unique per direction.

	// client -> server
	OpDiscovery Opcode = 0x10
	OpPosition  Opcode = 0x11

	// server -> client
	OpUnreliableTransforms Opcode = 0x10
)

// Unreliable reports whether messages with this opcode go over udp.
func (op Opcode) Unreliable() bool {
	return byte(op)&TransportUnreliable != 0
}

func (op Opcode) String() string {
	switch op {
	case OpClientConnection:
		return "client-connection"
	case OpDisconnection:
		return "disconnection"
	case OpTransform:
		return "transform"
	case OpTransforms:
		return "transforms"
	case OpChat:
		return "chat"
	case OpSetName:
		return "set-name"
	case OpScore:
		return "score"
	case OpDelobby:
		return "delobby"
	case OpDiscovery:
		return "discovery/unreliable-transforms"
	case OpPosition:
		return "position"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(op))
	}
}

var (
	ErrShortBuffer   = errors.New("short buffer")
	ErrBadLength     = errors.New("bad length")
	ErrWrongOpcode   = errors.New("wrong opcode")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrTooLong       = errors.New("payload too long")
)

// Message is anything that can be put on the wire.
type Message interface {
	Opcode() Opcode

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// expect checks the opcode byte and the minimum length of data.
func expect(data []byte, op Opcode, min int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrShortBuffer)
	}
	if Opcode(data[0]) != op {
		return fmt.Errorf("%w (got %s; want %s)", ErrWrongOpcode, Opcode(data[0]), op)
	}
	if len(data) < min {
		return fmt.Errorf("%w: %s (got %d; want >= %d)", ErrShortBuffer, op, len(data), min)
	}
	return nil
}

// expectExact is expect for datagrams whose length is fixed.
func expectExact(data []byte, op Opcode, size int) error {
	if err := expect(data, op, size); err != nil {
		return err
	}
	if len(data) != size {
		return fmt.Errorf("%w: %s (got %d; want %d)", ErrBadLength, op, len(data), size)
	}
	return nil
}

type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) put(buf []byte) {
	debug.Assert(len(buf) >= vec3Size)
	byteorder.PutF32(buf[0:4], v.X)
	byteorder.PutF32(buf[4:8], v.Y)
	byteorder.PutF32(buf[8:12], v.Z)
}

func readVec3(buf []byte) Vec3 {
	debug.Assert(len(buf) >= vec3Size)
	return Vec3{
		X: byteorder.F32(buf[0:4]),
		Y: byteorder.F32(buf[4:8]),
		Z: byteorder.F32(buf[8:12]),
	}
}

// ClientConnection tells a client its id. Ack=false is sent right after
// accept (assignment), Ack=true once both transports are up.
type ClientConnection struct {
	ID  byte
	Ack bool
}

var _ Message = (*ClientConnection)(nil)

func (m *ClientConnection) Opcode() Opcode { return OpClientConnection }

func (m *ClientConnection) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ClientConnectionSize)
	buf[0] = byte(OpClientConnection)
	buf[1] = m.ID
	if m.Ack {
		buf[2] = 1
	}
	return buf, nil
}

func (m *ClientConnection) UnmarshalBinary(data []byte) error {
	if err := expect(data, OpClientConnection, ClientConnectionSize); err != nil {
		return err
	}
	if data[2] > 1 {
		return fmt.Errorf("%w: client-connection mode %d", ErrBadLength, data[2])
	}
	m.ID = data[1]
	m.Ack = data[2] == 1
	return nil
}

type Disconnection struct {
	ID byte
}

var _ Message = (*Disconnection)(nil)

func (m *Disconnection) Opcode() Opcode { return OpDisconnection }

func (m *Disconnection) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DisconnectionSize)
	buf[0] = byte(OpDisconnection)
	buf[1] = m.ID
	return buf, nil
}

func (m *Disconnection) UnmarshalBinary(data []byte) error {
	if err := expect(data, OpDisconnection, DisconnectionSize); err != nil {
		return err
	}
	m.ID = data[1]
	return nil
}

// Transform announces a single client, used for "joined" broadcasts.
type Transform struct {
	ID       byte
	Position Vec3
}

var _ Message = (*Transform)(nil)

func (m *Transform) Opcode() Opcode { return OpTransform }

func (m *Transform) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TransformSize)
	buf[0] = byte(OpTransform)
	buf[1] = m.ID
	m.Position.put(buf[4:])
	return buf, nil
}

func (m *Transform) UnmarshalBinary(data []byte) error {
	if err := expect(data, OpTransform, TransformSize); err != nil {
		return err
	}
	m.ID = data[1]
	m.Position = readVec3(data[4:])
	return nil
}

type Entry struct {
	ID       byte
	Score    byte
	Position Vec3
}

// Transforms is the multi-client snapshot. The reliable form (0x03) has a
// 16 byte stride and carries the score; the unreliable form (0x10) has a 40
// byte stride of which only id and position are meaningful, the remaining
// bytes are written as zero and ignored when reading.
type Transforms struct {
	Unreliable bool
	Entries    []Entry
}

var _ Message = (*Transforms)(nil)

func (m *Transforms) Opcode() Opcode {
	if m.Unreliable {
		return OpUnreliableTransforms
	}
	return OpTransforms
}

func (m *Transforms) stride() int {
	if m.Unreliable {
		return UnreliableTransformsStride
	}
	return ReliableTransformsStride
}

func (m *Transforms) MarshalBinary() ([]byte, error) {
	if len(m.Entries) > maxTransformsEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrTooLong, len(m.Entries))
	}

	stride := m.stride()
	buf := make([]byte, TransformsHeaderSize+len(m.Entries)*stride)
	buf[0] = byte(m.Opcode())
	byteorder.PutI32(buf[4:8], int32(len(m.Entries)))

	for i, entry := range m.Entries {
		record := buf[TransformsHeaderSize+i*stride:]
		record[0] = entry.ID
		if !m.Unreliable {
			record[1] = entry.Score
		}
		entry.Position.put(record[transformsEntryPositionOffs:])
	}

	return buf, nil
}

func (m *Transforms) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrShortBuffer)
	}
	switch Opcode(data[0]) {
	case OpTransforms:
		m.Unreliable = false
	case OpUnreliableTransforms:
		m.Unreliable = true
	default:
		return fmt.Errorf("%w (got %s; want transforms)", ErrWrongOpcode, Opcode(data[0]))
	}
	if err := expect(data, m.Opcode(), TransformsHeaderSize); err != nil {
		return err
	}

	count := byteorder.I32(data[4:8])
	if count < 0 || count > maxTransformsEntries {
		return fmt.Errorf("%w: transforms count %d", ErrBadLength, count)
	}
	stride := m.stride()
	if want := TransformsHeaderSize + int(count)*stride; len(data) < want {
		return fmt.Errorf("%w: %s (got %d; want >= %d)", ErrShortBuffer, m.Opcode(), len(data), want)
	}

	m.Entries = make([]Entry, count)
	for i := range m.Entries {
		record := data[TransformsHeaderSize+i*stride:]
		entry := Entry{
			ID:       record[0],
			Position: readVec3(record[transformsEntryPositionOffs:]),
		}
		if !m.Unreliable {
			entry.Score = record[1]
		}
		m.Entries[i] = entry
	}

	return nil
}

// marshalText writes the text length at [2..4), or leaves it zero in the
// legacy form.
func marshalText(op Opcode, id byte, text string, legacy bool) ([]byte, error) {
	if len(text) > maxTextLen {
		return nil, fmt.Errorf("%w: %s text of %d bytes", ErrTooLong, op, len(text))
	}
	buf := make([]byte, TextHeaderSize+len(text))
	buf[0] = byte(op)
	buf[1] = id
	if !legacy {
		byteorder.PutU16(buf[2:4], uint16(len(text)))
	}
	copy(buf[TextHeaderSize:], text)
	return buf, nil
}

func unmarshalText(data []byte, op Opcode) (id byte, text string, legacy bool, err error) {
	if err := expect(data, op, TextHeaderSize); err != nil {
		return 0, "", false, err
	}
	n := int(byteorder.U16(data[2:4]))
	// a zero length is what the legacy client writes, the text then runs to
	// the end of the frame.
	if n == 0 {
		return data[1], string(data[TextHeaderSize:]), true, nil
	}
	if len(data) < TextHeaderSize+n {
		return 0, "", false, fmt.Errorf("%w: %s text (got %d; want %d)", ErrShortBuffer, op, len(data)-TextHeaderSize, n)
	}
	return data[1], string(data[TextHeaderSize : TextHeaderSize+n]), false, nil
}

// Chat is relayed to everyone. ID is the sender; whatever a client puts
// there is overwritten by the server.
type Chat struct {
	ID   byte
	Text string
	// Legacy frames carry no text length and are relayed the same way.
	Legacy bool
}

var _ Message = (*Chat)(nil)

func (m *Chat) Opcode() Opcode { return OpChat }

func (m *Chat) MarshalBinary() ([]byte, error) {
	return marshalText(OpChat, m.ID, m.Text, m.Legacy)
}

func (m *Chat) UnmarshalBinary(data []byte) (err error) {
	m.ID, m.Text, m.Legacy, err = unmarshalText(data, OpChat)
	return err
}

type SetName struct {
	ID     byte
	Name   string
	Legacy bool
}

var _ Message = (*SetName)(nil)

func (m *SetName) Opcode() Opcode { return OpSetName }

func (m *SetName) MarshalBinary() ([]byte, error) {
	return marshalText(OpSetName, m.ID, m.Name, m.Legacy)
}

func (m *SetName) UnmarshalBinary(data []byte) (err error) {
	m.ID, m.Name, m.Legacy, err = unmarshalText(data, OpSetName)
	return err
}

type Score struct {
	ID    byte
	Score byte
}

var _ Message = (*Score)(nil)

func (m *Score) Opcode() Opcode { return OpScore }

func (m *Score) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ScoreSize)
	buf[0] = byte(OpScore)
	buf[1] = m.ID
	buf[2] = m.Score
	return buf, nil
}

func (m *Score) UnmarshalBinary(data []byte) error {
	if err := expect(data, OpScore, ScoreSize); err != nil {
		return err
	}
	m.ID = data[1]
	m.Score = data[2]
	return nil
}

// Delobby ends the lobby phase on every client.
type Delobby struct{}

var _ Message = (*Delobby)(nil)

func (m *Delobby) Opcode() Opcode { return OpDelobby }

func (m *Delobby) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DelobbySize)
	buf[0] = byte(OpDelobby)
	return buf, nil
}

func (m *Delobby) UnmarshalBinary(data []byte) error {
	return expect(data, OpDelobby, DelobbySize)
}

// Discovery is the client's first udp datagram; its source address becomes
// the client's udp address.
type Discovery struct {
	ID byte
}

var _ Message = (*Discovery)(nil)

func (m *Discovery) Opcode() Opcode { return OpDiscovery }

func (m *Discovery) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DiscoverySize)
	buf[0] = byte(OpDiscovery)
	buf[1] = m.ID
	return buf, nil
}

func (m *Discovery) UnmarshalBinary(data []byte) error {
	if err := expectExact(data, OpDiscovery, DiscoverySize); err != nil {
		return err
	}
	m.ID = data[1]
	return nil
}

type Position struct {
	ID       byte
	Position Vec3
}

var _ Message = (*Position)(nil)

func (m *Position) Opcode() Opcode { return OpPosition }

func (m *Position) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PositionSize)
	buf[0] = byte(OpPosition)
	buf[1] = m.ID
	m.Position.put(buf[4:])
	return buf, nil
}

func (m *Position) UnmarshalBinary(data []byte) error {
	if err := expectExact(data, OpPosition, PositionSize); err != nil {
		return err
	}
	m.ID = data[1]
	m.Position = readVec3(data[4:])
	return nil
}

type constructor func() Message

var (
	clientFrames = map[Opcode]constructor{
		OpChat:    func() Message { return &Chat{} },
		OpSetName: func() Message { return &SetName{} },
		OpScore:   func() Message { return &Score{} },
	}
	clientDatagrams = map[Opcode]constructor{
		OpDiscovery: func() Message { return &Discovery{} },
		OpPosition:  func() Message { return &Position{} },
	}
	serverFrames = map[Opcode]constructor{
		OpClientConnection: func() Message { return &ClientConnection{} },
		OpDisconnection:    func() Message { return &Disconnection{} },
		OpTransform:        func() Message { return &Transform{} },
		OpTransforms:       func() Message { return &Transforms{} },
		OpChat:             func() Message { return &Chat{} },
		OpSetName:          func() Message { return &SetName{} },
		OpScore:            func() Message { return &Score{} },
		OpDelobby:          func() Message { return &Delobby{} },
	}
	serverDatagrams = map[Opcode]constructor{
		OpUnreliableTransforms: func() Message { return &Transforms{Unreliable: true} },
	}
)

func parse(data []byte, table map[Opcode]constructor) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrShortBuffer)
	}
	newMessage, ok := table[Opcode(data[0])]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, data[0])
	}
	msg := newMessage()
	if err := msg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseClientFrame decodes one tcp frame sent by a client.
func ParseClientFrame(data []byte) (Message, error) {
	return parse(data, clientFrames)
}

// ParseClientDatagram decodes one udp datagram sent by a client.
func ParseClientDatagram(data []byte) (Message, error) {
	return parse(data, clientDatagrams)
}

// ParseServerFrame decodes one tcp frame sent by the server.
func ParseServerFrame(data []byte) (Message, error) {
	return parse(data, serverFrames)
}

// ParseServerDatagram decodes one udp datagram sent by the server.
func ParseServerDatagram(data []byte) (Message, error) {
	return parse(data, serverDatagrams)
}

package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/northmatt/tickrelay/internal/byteorder"
)

var _ bufio.SplitFunc = SplitFrames

// SplitFrames is a bufio.SplitFunc cutting a tcp stream into frames. The
// protocol has no length prefix, so the frame size is derived from the
// opcode:
//
//	fixed size   client-connection, disconnection, transform, score, delobby
//	count        transforms (8 + count*16)
//	text length  chat, set-name (4 + length, or the rest of the buffer when 0)
//
// unknown opcodes swallow whatever is buffered; the parser then rejects the
// frame.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	n, err := frameLen(data)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 || n > len(data) {
		if atEOF {
			return 0, nil, fmt.Errorf("truncated %s frame: %w", Opcode(data[0]), io.ErrUnexpectedEOF)
		}
		// request more data
		return 0, nil, nil
	}

	return n, data[:n], nil
}

// frameLen returns the length of the frame at the start of data, or 0 when
// more bytes are needed to tell.
func frameLen(data []byte) (int, error) {
	switch Opcode(data[0]) {
	case OpClientConnection:
		return ClientConnectionSize, nil
	case OpDisconnection:
		return DisconnectionSize, nil
	case OpTransform:
		return TransformSize, nil
	case OpScore:
		return ScoreSize, nil
	case OpDelobby:
		return DelobbySize, nil
	case OpTransforms:
		if len(data) < TransformsHeaderSize {
			return 0, nil
		}
		count := byteorder.I32(data[4:8])
		if count < 0 || count > maxTransformsEntries {
			return 0, fmt.Errorf("%w: transforms count %d", ErrBadLength, count)
		}
		return TransformsHeaderSize + int(count)*ReliableTransformsStride, nil
	case OpChat, OpSetName:
		if len(data) < TextHeaderSize {
			return 0, nil
		}
		textLen := int(byteorder.U16(data[2:4]))
		if textLen == 0 {
			return len(data), nil
		}
		return TextHeaderSize + textLen, nil
	default:
		return len(data), nil
	}
}

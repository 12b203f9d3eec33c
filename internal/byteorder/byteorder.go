package byteorder

import (
	"encoding/binary"
	"math"
)

// everything on the wire is little-endian, that is what the game client's
// BitConverter produces on every platform it ships on.

// decrypt names:
// u16 = uint16
// u32 = uint32
// i32 = int32
// f32 = float32 (ieee 754 bits)

func PutU16(buf []byte, val uint16) {
	binary.LittleEndian.PutUint16(buf, val)
}

func U16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func PutI32(buf []byte, val int32) {
	binary.LittleEndian.PutUint32(buf, uint32(val))
}

func I32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

func PutF32(buf []byte, val float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(val))
}

func F32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}

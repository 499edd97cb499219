package protocol

import "encoding/binary"

// ZipUint64 is the shortest little-endian form of v: 0, 1, 2, 4 or 8 bytes.
func ZipUint64(v uint64) []byte {
	var buf [8]byte
	switch {
	case v == 0:
		return buf[:0]
	case v <= 0xff:
		buf[0] = byte(v)
		return buf[:1]
	case v <= 0xffff:
		binary.LittleEndian.PutUint16(buf[:2], uint16(v))
		return buf[:2]
	case v <= 0xffffffff:
		binary.LittleEndian.PutUint32(buf[:4], uint32(v))
		return buf[:4]
	default:
		binary.LittleEndian.PutUint64(buf[:], v)
		return buf[:]
	}
}

// UnzipUint64 reverses ZipUint64. Returns ok=false on a length it never emits.
func UnzipUint64(zip []byte) (v uint64, ok bool) {
	switch len(zip) {
	case 0:
		return 0, true
	case 1:
		return uint64(zip[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(zip)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(zip)), true
	case 8:
		return binary.LittleEndian.Uint64(zip), true
	default:
		return 0, false
	}
}

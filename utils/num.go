package utils

import "encoding/binary"

// Uint64ToBytes encodes n as 8 big-endian bytes so that byte order of
// encoded values matches numeric order.
func Uint64ToBytes(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// BytesToUint64 decodes 8 big-endian bytes produced by Uint64ToBytes.
func BytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Uint16ToBytes encodes n as 2 big-endian bytes.
func Uint16ToBytes(n uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, n)
	return buf
}

// BytesToUint16 decodes 2 big-endian bytes produced by Uint16ToBytes.
func BytesToUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

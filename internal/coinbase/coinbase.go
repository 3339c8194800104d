// Package coinbase builds the coinbase transaction prefix and suffix a
// declared job commits to, and the segwit witness-commitment script that
// ties the chosen transaction set to it.
package coinbase

import (
	"encoding/binary"
)

// EncodeHeight encodes a block height as a Bitcoin script push: the
// smallest push-data length prefix followed by the height as a minimally
// sized little-endian integer.
func EncodeHeight(height int64) []byte {
	switch {
	case height == 0:
		return []byte{0x00}
	case height <= 0x7F:
		return []byte{0x01, byte(height)}
	case height <= 0x7FFF:
		buf := make([]byte, 3)
		buf[0] = 0x02
		binary.LittleEndian.PutUint16(buf[1:], uint16(height))
		return buf
	case height <= 0x7FFFFF:
		return []byte{0x03, byte(height), byte(height >> 8), byte(height >> 16)}
	default:
		buf := make([]byte, 5)
		buf[0] = 0x04
		binary.LittleEndian.PutUint32(buf[1:], uint32(height))
		return buf
	}
}

// compactSize encodes a script length the way build_cb_prefix wants it: a
// single byte if it fits, otherwise 0xFD followed by a 16-bit LE length.
func compactSize(n int) []byte {
	if n < 0xFD {
		return []byte{byte(n)}
	}
	buf := make([]byte, 3)
	buf[0] = 0xFD
	binary.LittleEndian.PutUint16(buf[1:], uint16(n))
	return buf
}

// BuildPrefix constructs the coinbase transaction bytes up to and
// including the miner-extra tag: version, segwit marker/flag, the single
// null coinbase input, and the script-length-prefixed height push plus
// tag. The miner's extranonce is inserted immediately after this prefix
// without reserializing it.
func BuildPrefix(version uint32, height int64, tag []byte) []byte {
	heightScript := EncodeHeight(height)
	scriptLen := len(heightScript) + len(tag)

	buf := make([]byte, 0, 4+2+1+32+4+3+scriptLen)

	var versionBuf [4]byte
	binary.LittleEndian.PutUint32(versionBuf[:], version)
	buf = append(buf, versionBuf[:]...)

	buf = append(buf, 0x00, 0x01) // segwit marker, flag
	buf = append(buf, 0x01)       // input count
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF)

	buf = append(buf, compactSize(scriptLen)...)
	buf = append(buf, heightScript...)
	buf = append(buf, tag...)

	return buf
}

// WitnessScript wraps a 32-byte witness commitment in the standard
// OP_RETURN marker Bitcoin Core recognizes:
// 0x6A 0x24 0xAA 0x21 0xA9 0xED || commitment.
func WitnessScript(commitment [32]byte) []byte {
	out := make([]byte, 0, 6+32)
	out = append(out, 0x6A, 0x24, 0xAA, 0x21, 0xA9, 0xED)
	out = append(out, commitment[:]...)
	return out
}

// BuildSuffix constructs the coinbase transaction bytes following the
// miner-extra field: sequence, outputs (the pool payout and, when
// witness is non-nil, the witness-commitment output), and locktime.
func BuildSuffix(value uint64, script []byte, witness []byte) []byte {
	outputCount := byte(1)
	if witness != nil {
		outputCount = 2
	}

	buf := make([]byte, 0, 4+1+8+1+len(script)+1+32+1+4)

	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF) // sequence
	buf = append(buf, outputCount)

	var valueBuf [8]byte
	binary.LittleEndian.PutUint64(valueBuf[:], value)
	buf = append(buf, valueBuf[:]...)
	buf = append(buf, compactSize(len(script))...)
	buf = append(buf, script...)

	if witness != nil {
		buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0) // witness output value: 0
		buf = append(buf, compactSize(len(witness))...)
		buf = append(buf, witness...)
	}

	buf = append(buf, 0x01)             // witness stack item count
	buf = append(buf, 0x20)             // witness nonce length
	buf = append(buf, make([]byte, 32)...) // witness nonce, zero

	buf = append(buf, 0x00, 0x00, 0x00, 0x00) // locktime

	return buf
}

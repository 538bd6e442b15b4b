package pow

import (
	"encoding/binary"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// PaddedHeaderSize is the header length once SHA-256 padding has been
	// applied, i.e. two message blocks.
	PaddedHeaderSize = 2 * 64

	// nonceOffset is the offset of the nonce within the header.
	nonceOffset = 76

	// nonceWord is the index of the nonce within the second message block.
	nonceWord = (nonceOffset - 64) / 4

	// headerBits is the message length appended by the padding rule.
	headerBits = mining.HeaderSize * 8
)

// Prepare splits a getwork header into the midstate reached after the first
// message block and the padded, nonce-bearing second block.
func Prepare(header *[mining.HeaderSize]byte, transform Transform) (State, Block) {
	var first Block
	for i := range first {
		first[i] = binary.LittleEndian.Uint32(header[4*i:])
	}
	midstate := IV
	transform(&midstate, &first)

	var tail Block
	for i := 0; i < nonceWord+1; i++ {
		tail[i] = binary.LittleEndian.Uint32(header[64+4*i:])
	}
	tail[nonceWord+1] = 0x80000000
	tail[15] = headerBits
	return midstate, tail
}

// PadHeader re-pads a getwork header to the full hash input it was issued
// as, keeping the getwork word order.
func PadHeader(header *[mining.HeaderSize]byte) [PaddedHeaderSize]byte {
	var padded [PaddedHeaderSize]byte
	copy(padded[:], header[:])
	binary.LittleEndian.PutUint32(padded[mining.HeaderSize:], 0x80000000)
	binary.LittleEndian.PutUint32(padded[PaddedHeaderSize-4:], headerBits)
	return padded
}

// SetNonce stores nonce in a getwork header.
func SetNonce(header *[mining.HeaderSize]byte, nonce uint32) {
	binary.BigEndian.PutUint32(header[nonceOffset:], nonce)
}

// Nonce returns the nonce stored in a getwork header.
func Nonce(header *[mining.HeaderSize]byte) uint32 {
	return binary.BigEndian.Uint32(header[nonceOffset:])
}

// Serialize converts a getwork header to the wire serialization of a block
// header by reversing the bytes of every 32-bit word.
func Serialize(header *[mining.HeaderSize]byte) [mining.HeaderSize]byte {
	var out [mining.HeaderSize]byte
	for i := 0; i < mining.HeaderSize; i += 4 {
		binary.BigEndian.PutUint32(out[i:],
			binary.LittleEndian.Uint32(header[i:]))
	}
	return out
}

// HeaderHash returns the proof-of-work hash of a getwork header.
func HeaderHash(header *[mining.HeaderSize]byte) chainhash.Hash {
	serialized := Serialize(header)
	return chainhash.DoubleHashH(serialized[:])
}

// HashMeetsTarget reports whether hash, read as a little-endian 256-bit
// number, does not exceed target in the same encoding.
func HashMeetsTarget(hash *chainhash.Hash, target *[mining.TargetSize]byte) bool {
	for i := chainhash.HashSize - 1; i >= 0; i-- {
		switch {
		case hash[i] < target[i]:
			return true
		case hash[i] > target[i]:
			return false
		}
	}
	return true
}

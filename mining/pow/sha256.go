package pow

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"errors"
	"hash"
	"math/bits"
)

// State is the SHA-256 chaining state.
type State [8]uint32

// Block is one 64-byte SHA-256 message block as big-endian words.
type Block [16]uint32

// Transform runs the SHA-256 compression function over b, updating s in
// place.  Implementations are not required to be safe for concurrent use.
type Transform func(s *State, b *Block)

// IV is the SHA-256 initial hash value.
var IV = State{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

var k256 = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5,
	0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3,
	0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc,
	0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7,
	0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13,
	0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3,
	0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5,
	0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208,
	0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// Compress is the portable SHA-256 compression function.
func Compress(s *State, b *Block) {
	var w [64]uint32
	copy(w[:16], b[:])
	for i := 16; i < 64; i++ {
		v1 := w[i-2]
		t1 := bits.RotateLeft32(v1, -17) ^ bits.RotateLeft32(v1, -19) ^ (v1 >> 10)
		v2 := w[i-15]
		t2 := bits.RotateLeft32(v2, -7) ^ bits.RotateLeft32(v2, -18) ^ (v2 >> 3)
		w[i] = t1 + w[i-7] + t2 + w[i-16]
	}

	a, b1, c, d, e, f, g, h := s[0], s[1], s[2], s[3], s[4], s[5], s[6], s[7]
	for i := 0; i < 64; i++ {
		t1 := h + (bits.RotateLeft32(e, -6) ^ bits.RotateLeft32(e, -11) ^
			bits.RotateLeft32(e, -25)) + ((e & f) ^ (^e & g)) + k256[i] + w[i]
		t2 := (bits.RotateLeft32(a, -2) ^ bits.RotateLeft32(a, -13) ^
			bits.RotateLeft32(a, -22)) + ((a & b1) ^ (a & c) ^ (b1 & c))

		h = g
		g = f
		f = e
		e = d + t1
		d = c
		c = b1
		b1 = a
		a = t1 + t2
	}

	s[0] += a
	s[1] += b1
	s[2] += c
	s[3] += d
	s[4] += e
	s[5] += f
	s[6] += g
	s[7] += h
}

// The crypto/sha256 digest state encoding: magic, eight state words, the
// pending block buffer and the message length.
const (
	sha256Magic         = "sha\x03"
	sha256MarshaledSize = len(sha256Magic) + 8*4 + sha256.BlockSize + 8
)

// ErrStdlibUnsupported is returned when the crypto/sha256 state encoding is
// not the one this package understands.
var ErrStdlibUnsupported = errors.New("crypto/sha256 state encoding unsupported")

// stdlibTransform runs single blocks through the crypto/sha256 block
// function, which uses the SHA instruction set extensions when the CPU has
// them.  A chaining state is injected by rewriting the digest's binary
// encoding before every block.
type stdlibTransform struct {
	d     hash.Hash
	state [sha256MarshaledSize]byte
	block [sha256.BlockSize]byte
}

// NewStdlibTransform returns a Transform backed by crypto/sha256.  The
// returned function keeps private buffers and must only be used by one
// goroutine.
func NewStdlibTransform() (Transform, error) {
	t := &stdlibTransform{d: sha256.New()}
	if _, ok := t.d.(encoding.BinaryUnmarshaler); !ok {
		return nil, ErrStdlibUnsupported
	}
	copy(t.state[:], sha256Magic)
	binary.BigEndian.PutUint64(t.state[sha256MarshaledSize-8:],
		sha256.BlockSize)

	// Verify the encoding against the portable implementation once so
	// the hot path never needs to handle errors.
	var b Block
	for i := range b {
		b[i] = uint32(i) * 0x01010101
	}
	want, got := IV, IV
	Compress(&want, &b)
	if err := t.compress(&got, &b); err != nil || got != want {
		return nil, ErrStdlibUnsupported
	}

	return func(s *State, b *Block) {
		if err := t.compress(s, b); err != nil {
			panic(err)
		}
	}, nil
}

func (t *stdlibTransform) compress(s *State, b *Block) error {
	for i, w := range s {
		binary.BigEndian.PutUint32(t.state[len(sha256Magic)+4*i:], w)
	}
	for i, w := range b {
		binary.BigEndian.PutUint32(t.block[4*i:], w)
	}
	err := t.d.(encoding.BinaryUnmarshaler).UnmarshalBinary(t.state[:])
	if err != nil {
		return err
	}
	t.d.Write(t.block[:])
	out, err := t.d.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return err
	}
	if len(out) != sha256MarshaledSize {
		return ErrStdlibUnsupported
	}
	for i := range s {
		s[i] = binary.BigEndian.Uint32(out[len(sha256Magic)+4*i:])
	}
	return nil
}

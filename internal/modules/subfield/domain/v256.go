package domain

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

const V256Size = 32

// V256 is a 256-bit value. Ordering is bytewise, big-endian.
type V256 [V256Size]byte

var hasherPool = sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

func V256FromBytes(raw []byte) (V256, error) {
	var v V256
	if len(raw) != V256Size {
		return v, fmt.Errorf("v256 requires %d bytes, got %d", V256Size, len(raw))
	}
	copy(v[:], raw)
	return v, nil
}

func RandomV256() (V256, error) {
	var v V256
	if _, err := rand.Read(v[:]); err != nil {
		return v, fmt.Errorf("random v256: %w", err)
	}
	return v, nil
}

// ParseV256 decodes a 64 character hex string.
func ParseV256(raw string) (V256, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return V256{}, fmt.Errorf("decode v256: %w", err)
	}
	return V256FromBytes(decoded)
}

// HashBytes is BLAKE3 over the concatenation of parts.
func HashBytes(parts ...[]byte) V256 {
	hasher := hasherPool.Get().(*blake3.Hasher)
	defer hasherPool.Put(hasher)
	hasher.Reset()
	for _, part := range parts {
		_, _ = hasher.Write(part)
	}
	var out V256
	copy(out[:], hasher.Sum(nil))
	return out
}

// HashConcat is BLAKE3 over the concatenation of the given values.
func HashConcat(values ...V256) V256 {
	parts := make([][]byte, len(values))
	for i := range values {
		parts[i] = values[i][:]
	}
	return HashBytes(parts...)
}

func (v V256) Bytes() []byte {
	out := make([]byte, V256Size)
	copy(out, v[:])
	return out
}

func (v V256) String() string {
	return hex.EncodeToString(v[:])
}

// Short is the first eight hex characters, for logs.
func (v V256) Short() string {
	return hex.EncodeToString(v[:4])
}

func (v V256) IsZero() bool {
	return v == V256{}
}

func (v V256) Xor(other V256) V256 {
	var out V256
	for i := range v {
		out[i] = v[i] ^ other[i]
	}
	return out
}

// Hamming is the number of differing bits between v and other.
func (v V256) Hamming(other V256) int {
	distance := 0
	for i := range v {
		distance += bits.OnesCount8(v[i] ^ other[i])
	}
	return distance
}

func (v V256) Compare(other V256) int {
	return bytes.Compare(v[:], other[:])
}

func (v V256) Less(other V256) bool {
	return v.Compare(other) < 0
}

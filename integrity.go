package pqvolume

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// MACSize is the length of a BLAKE3 MAC
const MACSize = 32

// BLAKE3 derive-key contexts for secrets taken from the KDF output.
const (
	contextHeaderTag  = "pqvolume v1 header tag"
	contextKEMSeed    = "pqvolume v1 kem seed"
	contextHeaderMask = "pqvolume v1 header mask"
)

// MAC computes a 256-bit BLAKE3 keyed hash of data
func MAC(key, data []byte) ([MACSize]byte, error) {
	var tag [MACSize]byte
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return tag, fmt.Errorf("failed to create MAC: %w", err)
	}
	h.Write(data)
	h.Sum(tag[:0])
	return tag, nil
}

// deriveSubkey derives n bytes for a fixed purpose from secret material.
func deriveSubkey(context string, material []byte, n int) []byte {
	out := make([]byte, n)
	blake3.DeriveKey(context, material, out)
	return out
}

// slotMAC is one slot's contribution to the volume MAC.
func slotMAC(macKey []byte, index uint64, nonce, tag []byte) ([MACSize]byte, error) {
	var sum [MACSize]byte
	h, err := blake3.NewKeyed(macKey)
	if err != nil {
		return sum, fmt.Errorf("failed to create MAC: %w", err)
	}
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	h.WriteString("slot")
	h.Write(idx[:])
	h.Write(nonce)
	h.Write(tag)
	h.Sum(sum[:0])
	return sum, nil
}

// volumeMAC is an XOR accumulator over slot MACs. XOR lets one slot's
// contribution be replaced without touching the others.
type volumeMAC [MACSize]byte

func (m *volumeMAC) xor(s [MACSize]byte) {
	for i := range m {
		m[i] ^= s[i]
	}
}

func (m *volumeMAC) equal(o volumeMAC) bool {
	return subtle.ConstantTimeCompare(m[:], o[:]) == 1
}

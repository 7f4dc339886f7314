package pqvolume

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the length of the volume master key (256 bits)
	MasterKeySize = 32

	// KeySize is the length of every derived symmetric key
	KeySize = 32
)

// HKDF labels for the session key set.
const (
	infoBlockKey = "pqvolume v1 block"
	infoMACKey   = "pqvolume v1 mac"
	infoNonceKey = "pqvolume v1 nonce"
)

// wipe zeroes every buffer it is given. Use it in a defer right after a
// secret is materialized.
func wipe(bufs ...[]byte) {
	for _, b := range bufs {
		memguard.WipeBytes(b)
	}
}

// newMasterKey generates a fresh master key sealed in an enclave.
func newMasterKey() *memguard.Enclave {
	return memguard.NewBufferRandom(MasterKeySize).Seal()
}

// keySet is the per-session VolumeKeySet. Keys live in locked buffers and
// are read-only after derivation.
type keySet struct {
	engine   CipherEngine
	blockKey *memguard.LockedBuffer
	macKey   *memguard.LockedBuffer
	nonceKey *memguard.LockedBuffer
}

// deriveKeySet expands the master key into block, MAC and nonce keys.
func deriveKeySet(master *memguard.Enclave, salt []byte) (*keySet, error) {
	mk, err := master.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer mk.Destroy()

	expand := func(info string) (*memguard.LockedBuffer, error) {
		out := make([]byte, KeySize)
		r := hkdf.New(sha256.New, mk.Bytes(), salt, []byte(info))
		if _, err := io.ReadFull(r, out); err != nil {
			wipe(out)
			return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
		}
		// NewBufferFromBytes wipes out.
		return memguard.NewBufferFromBytes(out), nil
	}

	ks := &keySet{}
	if ks.blockKey, err = expand(infoBlockKey); err != nil {
		ks.destroy()
		return nil, err
	}
	if ks.macKey, err = expand(infoMACKey); err != nil {
		ks.destroy()
		return nil, err
	}
	if ks.nonceKey, err = expand(infoNonceKey); err != nil {
		ks.destroy()
		return nil, err
	}
	ks.blockKey.Freeze()
	ks.macKey.Freeze()
	ks.nonceKey.Freeze()

	if ks.engine, err = NewCipherEngine(CipherChaCha20Poly1305, ks.blockKey.Bytes()); err != nil {
		ks.destroy()
		return nil, err
	}
	return ks, nil
}

// destroy releases every key. It is safe to call more than once.
func (ks *keySet) destroy() {
	if ks == nil {
		return
	}
	for _, b := range []*memguard.LockedBuffer{ks.blockKey, ks.macKey, ks.nonceKey} {
		if b != nil {
			b.Destroy()
		}
	}
	ks.engine = nil
}

// openedEqual reports whether an enclave holds exactly b, in constant time.
func openedEqual(e *memguard.Enclave, b []byte) (bool, error) {
	lb, err := e.Open()
	if err != nil {
		return false, fmt.Errorf("failed to open master key: %w", err)
	}
	defer lb.Destroy()
	return lb.EqualTo(b), nil
}

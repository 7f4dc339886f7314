package pqvolume

import (
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
)

// ML-KEM-1024 sizes. Kept as literals so the header layout does not move
// if the library changes its exported names.
const (
	KEMPublicKeySize    = 1568
	KEMCiphertextSize   = 1568
	KEMSharedSecretSize = 32
	KEMSeedSize         = 64
)

// KEMKeyPair is an ML-KEM-1024 key pair regenerated from a seed. The
// private half is never serialized.
type KEMKeyPair struct {
	public  *mlkem1024.PublicKey
	private *mlkem1024.PrivateKey
}

// KEMKeyGen deterministically derives a key pair from a 64-byte seed.
// The same seed always yields the same key pair.
func KEMKeyGen(seed []byte) (*KEMKeyPair, error) {
	if len(seed) != KEMSeedSize {
		return nil, &ValidationError{
			Field:   "seed",
			Value:   len(seed),
			Message: fmt.Sprintf("must be %d bytes", KEMSeedSize),
		}
	}
	pk, sk := mlkem1024.NewKeyFromSeed(seed)
	return &KEMKeyPair{public: pk, private: sk}, nil
}

// PublicKeyBytes returns the packed public key
func (kp *KEMKeyPair) PublicKeyBytes() []byte {
	buf := make([]byte, KEMPublicKeySize)
	kp.public.Pack(buf)
	return buf
}

// Decapsulate recovers the shared secret from a ciphertext. A key pair
// that does not match the ciphertext still yields a pseudo-random secret
// rather than an error; only malformed input fails.
func (kp *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if kp.private == nil {
		return nil, ErrInvalidKey
	}
	if len(ciphertext) != KEMCiphertextSize {
		return nil, &ValidationError{
			Field:   "ciphertext",
			Value:   len(ciphertext),
			Message: fmt.Sprintf("must be %d bytes", KEMCiphertextSize),
		}
	}
	ss := make([]byte, KEMSharedSecretSize)
	kp.private.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// Destroy drops the private key. The key pair cannot decapsulate
// afterwards.
func (kp *KEMKeyPair) Destroy() {
	if kp == nil || kp.private == nil {
		return
	}
	*kp.private = mlkem1024.PrivateKey{}
	kp.private = nil
}

// KEMEncapsulate generates a fresh shared secret for a packed public key
// and returns it with its ciphertext. The caller must wipe the secret.
func KEMEncapsulate(publicKey []byte) (sharedSecret, ciphertext []byte, err error) {
	if len(publicKey) != KEMPublicKeySize {
		return nil, nil, &ValidationError{
			Field:   "public_key",
			Value:   len(publicKey),
			Message: fmt.Sprintf("must be %d bytes", KEMPublicKeySize),
		}
	}

	var pk mlkem1024.PublicKey
	if err := pk.Unpack(publicKey); err != nil {
		return nil, nil, fmt.Errorf("failed to unpack KEM public key: %w", err)
	}

	sharedSecret = make([]byte, KEMSharedSecretSize)
	ciphertext = make([]byte, KEMCiphertextSize)
	// A nil seed draws from crypto/rand.
	pk.EncapsulateTo(ciphertext, sharedSecret, nil)
	return sharedSecret, ciphertext, nil
}

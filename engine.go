package pqvolume

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
)

// Engine creates, opens and erases volumes on a Storage backend
type Engine struct {
	storage Storage
	config  *Config
	log     *logrus.Logger
	metrics *Metrics
}

// NewEngine creates an engine over storage. A nil config uses
// DefaultConfig.
func NewEngine(storage Storage, config *Config) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		storage: storage,
		config:  config,
		log:     config.logger(),
		metrics: config.Metrics,
	}, nil
}

// Config returns the engine configuration
func (e *Engine) Config() *Config {
	return e.config
}

// Create formats a new volume of size bytes at path using a KDF profile
// and returns it open. An empty profile, or the configured one, takes the
// costs from Config.KDFParams, so a Config.KDF override applies.
func (e *Engine) Create(ctx context.Context, path string, size int64, passphrase []byte, profile Profile) (*Volume, error) {
	var params KDFParams
	var err error
	if profile == "" || profile == e.config.Profile {
		params, err = e.config.KDFParams()
	} else if params, err = ProfileParams(profile); err == nil {
		params = params.WithPIM(e.config.PIM)
	}
	if err != nil {
		return nil, err
	}
	return e.CreateWithParams(ctx, path, size, passphrase, params)
}

// CreateWithParams formats a new volume with explicit KDF parameters
func (e *Engine) CreateWithParams(ctx context.Context, path string, size int64, passphrase []byte, params KDFParams) (*Volume, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	geo, err := newGeometry(size)
	if err != nil {
		return nil, err
	}

	dev, err := openDevice(e.storage, path, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}

	v, err := e.format(ctx, dev, geo, path, passphrase, params, false)
	if err != nil {
		dev.Close()
		return nil, err
	}

	v.log.WithFields(logrus.Fields{
		"size":   size,
		"blocks": geo.userBlocks,
	}).Info("volume created")
	return v, nil
}

// Open unlocks the volume at path
func (e *Engine) Open(ctx context.Context, path string, passphrase []byte) (*Volume, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}

	dev, err := openDevice(e.storage, path, os.O_RDWR)
	if err != nil {
		return nil, err
	}

	geo, err := newGeometry(dev.Size())
	if err != nil {
		dev.Close()
		return nil, NewCorruptionError(path, "device too small to hold a volume", ErrHeaderCorrupt)
	}

	v, err := e.openVolume(ctx, dev, geo, path, passphrase, false, KDFParams{})
	if err != nil {
		dev.Close()
		return nil, err
	}
	v.log.Info("volume opened")
	return v, nil
}

// Info reads the unauthenticated header fields and geometry of a volume
func (e *Engine) Info(path string) (*VolumeInfo, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	dev, err := openDevice(e.storage, path, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	geo, err := newGeometry(dev.Size())
	if err != nil {
		return nil, NewCorruptionError(path, "device too small to hold a volume", ErrHeaderCorrupt)
	}
	raw := make([]byte, HeaderSize)
	if err := readFull(dev, raw, 0); err != nil {
		return nil, err
	}
	hi, err := PeekHeader(raw)
	if err != nil {
		return nil, err
	}

	return &VolumeInfo{
		Path:        path,
		DeviceSize:  dev.Size(),
		Header:      hi,
		BlockSize:   BlockSize,
		TotalBlocks: geo.userBlocks,
		MapBlocks:   geo.mapBlocks,
	}, nil
}

// unlocked is the result of a successful header unlock.
type unlocked struct {
	hdr    *VolumeHeader
	master *memguard.Enclave
}

// format writes a fresh volume onto dev and returns it open. Masked
// volumes get a header indistinguishable from random data.
func (e *Engine) format(ctx context.Context, dev Device, geo geometry, path string, passphrase []byte, params KDFParams, masked bool) (*Volume, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	master := newMasterKey()

	secret, err := e.deriveSecret(ctx, passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)

	raw, hdr, err := sealHeader(secret, salt, params, master, masked)
	if err != nil {
		return nil, err
	}

	v, err := e.newVolume(dev, geo, path, hdr, master, masked)
	if err != nil {
		return nil, err
	}
	if err := v.initialize(ctx, raw); err != nil {
		v.destroyKeys()
		return nil, err
	}

	v.state = StateOpen
	e.metrics.volumeOpened()
	return v, nil
}

// sealHeader builds and encodes a header that wraps master under a KEM
// key pair regenerated from secret.
func sealHeader(secret, salt []byte, params KDFParams, master *memguard.Enclave, masked bool) ([]byte, *VolumeHeader, error) {
	hdr := &VolumeHeader{
		Version: HeaderVersion,
		Cipher:  CipherChaCha20Poly1305,
		Params:  params,
	}
	copy(hdr.Salt[:], salt)

	seed := deriveSubkey(contextKEMSeed, secret, KEMSeedSize)
	defer wipe(seed)
	kp, err := KEMKeyGen(seed)
	if err != nil {
		return nil, nil, err
	}
	defer kp.Destroy()

	pk := kp.PublicKeyBytes()
	copy(hdr.PublicKey[:], pk)

	ss, ct, err := KEMEncapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(ss)
	copy(hdr.Ciphertext[:], ct)

	mk, err := master.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer mk.Destroy()

	wrapped, err := wrapMasterKey(ss, mk.Bytes(), hdr.wrapAD())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap master key: %w", err)
	}
	copy(hdr.WrappedKey[:], wrapped)

	tagKey := deriveSubkey(contextHeaderTag, secret, KeySize)
	defer wipe(tagKey)
	raw, err := EncodeHeader(hdr, tagKey)
	if err != nil {
		return nil, nil, err
	}

	if masked {
		maskKey := deriveSubkey(contextHeaderMask, secret, KeySize)
		defer wipe(maskKey)
		if err := maskHeader(raw, maskKey); err != nil {
			return nil, nil, err
		}
	}
	return raw, hdr, nil
}

// unlockHeader recovers the master key from raw header bytes. Every step
// runs whatever the outcome of the earlier ones, so a wrong passphrase
// and a corrupt header cost the same time. Masked headers take their KDF
// parameters from params.
func (e *Engine) unlockHeader(ctx context.Context, raw, passphrase []byte, masked bool, params KDFParams) (*unlocked, error) {
	buf := make([]byte, len(raw))
	copy(buf, raw)

	var salt []byte
	if masked {
		if len(buf) != HeaderSize {
			return nil, NewCorruptionError("", "short header", ErrHeaderCorrupt)
		}
		salt = buf[offSalt : offSalt+SaltSize]
	} else {
		info, err := PeekHeader(buf)
		if err != nil {
			return nil, err
		}
		salt = info.Salt[:]
		params = info.Params
	}

	secret, err := e.deriveSecret(ctx, passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)

	if masked {
		maskKey := deriveSubkey(contextHeaderMask, secret, KeySize)
		defer wipe(maskKey)
		if err := maskHeader(buf, maskKey); err != nil {
			return nil, err
		}
	}

	tagKey := deriveSubkey(contextHeaderTag, secret, KeySize)
	defer wipe(tagKey)
	seed := deriveSubkey(contextKEMSeed, secret, KEMSeedSize)
	defer wipe(seed)

	hdr, decodeErr := DecodeHeader(buf, tagKey)

	kp, err := KEMKeyGen(seed)
	if err != nil {
		return nil, err
	}
	defer kp.Destroy()
	pkMatch := subtle.ConstantTimeCompare(kp.PublicKeyBytes(), buf[offPublicKey:offPublicKey+KEMPublicKeySize]) == 1

	ss, err := kp.Decapsulate(buf[offCiphertext : offCiphertext+KEMCiphertextSize])
	if err != nil {
		return nil, err
	}
	defer wipe(ss)

	mk, unwrapErr := unwrapMasterKey(ss, buf[offWrappedKey:offWrappedKey+WrappedKeySize], buf[:offWrappedKey])
	defer wipe(mk)

	switch {
	case unwrapErr != nil:
		return nil, NewAuthenticationError("")
	case decodeErr != nil:
		return nil, decodeErr
	case !pkMatch:
		return nil, NewCorruptionError("", "KEM public key does not match", ErrHeaderCorrupt)
	case masked && hdr.Params != params:
		return nil, NewCorruptionError("", "KDF parameters do not match", ErrHeaderCorrupt)
	}

	// NewEnclave copies mk; the deferred wipe clears ours.
	return &unlocked{hdr: hdr, master: memguard.NewEnclave(mk)}, nil
}

// openVolume unlocks dev, falling back to the staging header left by an
// interrupted rotation.
func (e *Engine) openVolume(ctx context.Context, dev Device, geo geometry, path string, passphrase []byte, masked bool, params KDFParams) (*Volume, error) {
	raw := make([]byte, HeaderSize)
	if err := readFull(dev, raw, 0); err != nil {
		return nil, err
	}

	u, err := e.unlockHeader(ctx, raw, passphrase, masked, params)
	recovered := false
	if err != nil && ctx.Err() == nil && !IsIOError(err) {
		staged := make([]byte, HeaderSize)
		if serr := readFull(dev, staged, geo.stagingOffset()); serr != nil {
			return nil, serr
		}
		if su, serr := e.unlockHeader(ctx, staged, passphrase, masked, params); serr == nil {
			if werr := e.commitStaged(dev, geo, staged); werr != nil {
				return nil, werr
			}
			u, err, recovered = su, nil, true
		}
	}
	if err != nil {
		e.metrics.unlock(unlockResult(err))
		return nil, withPath(err, path)
	}

	v, err := e.newVolume(dev, geo, path, u.hdr, u.master, masked)
	if err != nil {
		return nil, err
	}
	if err := v.loadMetadata(); err != nil {
		v.destroyKeys()
		e.metrics.unlock("corrupt")
		return nil, err
	}
	if !recovered {
		if err := v.clearStaleStaging(); err != nil {
			v.destroyKeys()
			return nil, err
		}
	}
	if recovered {
		v.log.Warn("completed interrupted passphrase rotation from staging header")
	}
	if e.config.VerifyOnOpen {
		if err := v.verifyIntegrityLocked(); err != nil {
			v.destroyKeys()
			return nil, err
		}
	}

	v.state = StateOpen
	e.metrics.unlock("success")
	e.metrics.volumeOpened()
	return v, nil
}

// commitStaged copies a verified staging header over the primary.
func (e *Engine) commitStaged(dev Device, geo geometry, staged []byte) error {
	if err := writeFull(dev, staged, 0); err != nil {
		return err
	}
	if err := dev.Sync(); err != nil {
		return err
	}
	if err := overwriteRandom(context.Background(), dev, geo.stagingOffset(), HeaderSize); err != nil {
		return err
	}
	return dev.Sync()
}

// deriveSecret runs the KDF and records its duration.
func (e *Engine) deriveSecret(ctx context.Context, passphrase, salt []byte, params KDFParams) ([]byte, error) {
	start := time.Now()
	secret, err := DeriveSecretContext(ctx, passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	e.metrics.kdf(time.Since(start))
	return secret, nil
}

// Erase overwrites the whole file or device at path with random passes.
// It needs no passphrase. Cancelling ctx is honoured only during the first
// pass; later passes always run to completion.
func (e *Engine) Erase(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	dev, err := openDevice(e.storage, path, os.O_RDWR)
	if err != nil {
		return err
	}
	defer dev.Close()

	log := e.log.WithField("path", path)
	done, err := erasePasses(ctx, dev, e.config.ErasePasses, e.metrics)
	if err != nil {
		log.WithError(err).WithField("passes", done).Error("erase incomplete")
		return &EraseError{Path: path, PassesComplete: done, Err: err}
	}
	log.WithField("passes", done).Warn("volume erased")
	return nil
}

func unlockResult(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrWrongPassphrase):
		return "wrong_passphrase"
	case errors.Is(err, ErrHeaderCorrupt):
		return "corrupt"
	default:
		return "error"
	}
}

// withPath fills in the volume path on errors created before it was known.
func withPath(err error, path string) error {
	var ae *AuthenticationError
	if errors.As(err, &ae) && ae.Path == "" {
		ae.Path = path
	}
	var ce *CorruptionError
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}

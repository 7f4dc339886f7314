package pqvolume

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const (
	// SecretSize is the length of the KDF output
	SecretSize = 32

	// SaltSize is the length of the header salt (128 bits)
	SaltSize = 16

	maxKDFMemoryKiB   = 4 * 1024 * 1024 // 4 GiB
	maxKDFIterations  = 1000
	maxKDFParallelism = 255
)

// Profile names a preset KDF cost
type Profile string

const (
	ProfileLow      Profile = "low"
	ProfileMedium   Profile = "medium"
	ProfileHigh     Profile = "high"
	ProfileParanoid Profile = "paranoid"
)

// Profiles lists the presets from cheapest to most expensive
var Profiles = []Profile{ProfileLow, ProfileMedium, ProfileHigh, ProfileParanoid}

// KDFParams holds Argon2id cost parameters
type KDFParams struct {
	// MemoryKiB is the memory cost in KiB
	MemoryKiB uint32 `yaml:"memory_kib" validate:"required,min=8,max=4194304"`

	// Iterations is the time cost
	Iterations uint32 `yaml:"iterations" validate:"required,min=1,max=1000"`

	// Parallelism is the number of lanes
	Parallelism uint32 `yaml:"parallelism" validate:"required,min=1,max=255"`
}

// ProfileParams returns the cost parameters for a preset
func ProfileParams(p Profile) (KDFParams, error) {
	switch p {
	case ProfileLow:
		return KDFParams{MemoryKiB: 256 * 1024, Iterations: 3, Parallelism: 4}, nil
	case ProfileMedium:
		return KDFParams{MemoryKiB: 512 * 1024, Iterations: 5, Parallelism: 4}, nil
	case ProfileHigh:
		return KDFParams{MemoryKiB: 1024 * 1024, Iterations: 10, Parallelism: 4}, nil
	case ProfileParanoid:
		return KDFParams{MemoryKiB: 2048 * 1024, Iterations: 20, Parallelism: 4}, nil
	default:
		return KDFParams{}, NewValidationError("profile", p, "unknown KDF profile")
	}
}

// ProfileDescription returns a short human-readable summary of a preset
func ProfileDescription(p Profile) string {
	switch p {
	case ProfileLow:
		return "256 MiB, 3 passes: fast unlock for low-memory devices"
	case ProfileMedium:
		return "512 MiB, 5 passes: balanced default"
	case ProfileHigh:
		return "1 GiB, 10 passes: slow unlock, strong brute-force resistance"
	case ProfileParanoid:
		return "2 GiB, 20 passes: very slow unlock, maximum resistance"
	default:
		return "unknown profile"
	}
}

// Validate checks the parameters against the bounds accepted in headers
func (p KDFParams) Validate() error {
	if p.Iterations < 1 || p.Iterations > maxKDFIterations {
		return &ValidationError{
			Field:   "iterations",
			Value:   p.Iterations,
			Message: fmt.Sprintf("must be between 1 and %d", maxKDFIterations),
		}
	}
	if p.Parallelism < 1 || p.Parallelism > maxKDFParallelism {
		return &ValidationError{
			Field:   "parallelism",
			Value:   p.Parallelism,
			Message: fmt.Sprintf("must be between 1 and %d", maxKDFParallelism),
		}
	}
	if p.MemoryKiB < 8*p.Parallelism || p.MemoryKiB > maxKDFMemoryKiB {
		return &ValidationError{
			Field:   "memory_kib",
			Value:   p.MemoryKiB,
			Message: fmt.Sprintf("must be between %d and %d", 8*p.Parallelism, maxKDFMemoryKiB),
		}
	}
	return nil
}

// WithPIM scales the time cost by a personal iterations multiplier.
// A zero PIM leaves the parameters unchanged.
func (p KDFParams) WithPIM(pim uint32) KDFParams {
	if pim == 0 {
		return p
	}
	it := uint64(p.Iterations) * uint64(pim)
	if it > maxKDFIterations {
		it = maxKDFIterations
	}
	p.Iterations = uint32(it)
	return p
}

// DeriveSecret stretches a passphrase into a 256-bit secret with Argon2id.
// The caller owns the result and must wipe it.
func DeriveSecret(passphrase, salt []byte, params KDFParams) ([]byte, error) {
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}
	if len(salt) != SaltSize {
		return nil, &ValidationError{
			Field:   "salt",
			Value:   len(salt),
			Message: fmt.Sprintf("must be %d bytes", SaltSize),
		}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return argon2.IDKey(
		passphrase,
		salt,
		params.Iterations,
		params.MemoryKiB,
		uint8(params.Parallelism),
		SecretSize,
	), nil
}

// DeriveSecretContext runs DeriveSecret so that the caller can stop
// waiting when ctx ends. Argon2id cannot be interrupted; an abandoned
// result is wiped as soon as it is produced.
func DeriveSecretContext(ctx context.Context, passphrase, salt []byte, params KDFParams) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		secret []byte
		err    error
	}
	done := make(chan result, 1)
	abandoned := make(chan struct{})

	go func() {
		secret, err := DeriveSecret(passphrase, salt, params)
		select {
		case done <- result{secret, err}:
		case <-abandoned:
			memguard.WipeBytes(secret)
		}
	}()

	select {
	case r := <-done:
		return r.secret, r.err
	case <-ctx.Done():
		close(abandoned)
		// The worker may have finished in the same instant.
		select {
		case r := <-done:
			memguard.WipeBytes(r.secret)
		default:
		}
		return nil, ctx.Err()
	}
}

// MeasureKDF times a single derivation with a throwaway passphrase and
// salt, which estimates unlock latency on this machine.
func MeasureKDF(ctx context.Context, params KDFParams) (time.Duration, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return 0, fmt.Errorf("failed to generate salt: %w", err)
	}

	start := time.Now()
	secret, err := DeriveSecretContext(ctx, []byte("pqvolume-benchmark"), salt, params)
	if err != nil {
		return 0, err
	}
	memguard.WipeBytes(secret)
	return time.Since(start), nil
}

// newSalt returns a fresh random salt
func newSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

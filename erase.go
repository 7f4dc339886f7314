package pqvolume

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// eraseChunk is the write size for random overwrites
const eraseChunk = 1 << 20

// overwriteRandom fills [off, off+n) of dev with a ChaCha20 keystream
// under a throwaway random key. ctx is checked between chunks.
func overwriteRandom(ctx context.Context, dev Device, off, n int64) error {
	var key [chacha20.KeySize]byte
	var nonce [chacha20.NonceSize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("failed to generate erase key: %w", err)
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("failed to generate erase nonce: %w", err)
	}
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	wipe(key[:])
	if err != nil {
		return fmt.Errorf("failed to create erase stream: %w", err)
	}

	buf := make([]byte, min(n, eraseChunk))
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := buf[:min(n, int64(len(buf)))]
		clear(chunk)
		stream.XORKeyStream(chunk, chunk)
		if err := writeFull(dev, chunk, off); err != nil {
			return err
		}
		off += int64(len(chunk))
		n -= int64(len(chunk))
	}
	return nil
}

// erasePasses overwrites all of dev passes times, syncing after each pass.
// Cancellation is honoured during the first pass only; once the header and
// key material are gone the remaining passes always finish. It returns
// the number of completed passes.
func erasePasses(ctx context.Context, dev Device, passes int, metrics *Metrics) (int, error) {
	for pass := 0; pass < passes; pass++ {
		pctx := ctx
		if pass > 0 {
			pctx = context.WithoutCancel(ctx)
		}
		if err := overwriteRandom(pctx, dev, 0, dev.Size()); err != nil {
			return pass, err
		}
		if err := dev.Sync(); err != nil {
			return pass, err
		}
		metrics.erasePass()
	}
	return passes, nil
}

// SecureErase overwrites the whole device with random data, destroys all
// key material and leaves the volume Closed. Hidden volumes opened through
// this volume are closed first. A hidden volume erases only its own
// window.
//
// If ctx is cancelled during the first pass the volume returns to Open,
// keys intact, and an *EraseError is returned. Any other failure still
// destroys the keys and closes the volume.
func (v *Volume) SecureErase(ctx context.Context) error {
	v.closeChildren()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateOpen {
		return &StateError{Operation: "erase", State: v.state}
	}
	v.state = StateErasing
	v.log.WithField("passes", v.engine.config.ErasePasses).Warn("secure erase started")

	done, err := erasePasses(ctx, v.dev, v.engine.config.ErasePasses, v.metrics)
	if err != nil && done == 0 && ctx.Err() != nil {
		v.state = StateOpen
		v.log.WithError(err).Warn("secure erase cancelled")
		return &EraseError{Path: v.path, PassesComplete: done, Err: err}
	}

	v.destroyKeys()
	v.mapDirty, v.macDirty = false, false
	cerr := v.dev.Close()
	v.state = StateClosed
	v.metrics.volumeClosed()
	if v.parent != nil {
		v.parent.removeChild(v)
	}

	if err != nil {
		v.log.WithError(err).WithField("passes", done).Error("secure erase failed")
		return &EraseError{Path: v.path, PassesComplete: done, Err: err}
	}
	if cerr != nil {
		return cerr
	}
	v.log.WithField("passes", done).Warn("secure erase complete")
	return nil
}

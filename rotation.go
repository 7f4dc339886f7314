package pqvolume

import (
	"bytes"
	"context"
	"fmt"
)

// Rotate replaces the passphrase. The master key and all block data are
// unchanged; only the header is rewritten.
//
// The new header is first written to the staging slot, synced and read
// back, then copied over the primary, synced and read back, and finally
// the staging slot is randomized. A crash at any point leaves a header
// that opens with either the old or the new passphrase, and Open finishes
// an interrupted rotation from the staging slot.
func (v *Volume) Rotate(ctx context.Context, oldPassphrase, newPassphrase []byte) error {
	if err := ValidatePassphrase(oldPassphrase, "old_passphrase"); err != nil {
		return err
	}
	if err := ValidatePassphrase(newPassphrase, "new_passphrase"); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateOpen {
		return &StateError{Operation: "rotate", State: v.state}
	}
	v.state = StateRotating
	defer func() { v.state = StateOpen }()

	err := v.rotateLocked(ctx, oldPassphrase, newPassphrase)
	switch {
	case err == nil:
		v.metrics.rotation("success")
		v.log.Info("passphrase rotated")
	case IsAuthenticationError(err):
		v.metrics.rotation("wrong_passphrase")
		v.log.Warn("rotation refused: old passphrase did not unlock the volume")
	default:
		v.metrics.rotation("error")
		v.log.WithError(err).Error("rotation failed")
	}
	return err
}

func (v *Volume) rotateLocked(ctx context.Context, oldPassphrase, newPassphrase []byte) error {
	e := v.engine

	raw := make([]byte, HeaderSize)
	if err := readFull(v.dev, raw, 0); err != nil {
		return err
	}
	u, err := e.unlockHeader(ctx, raw, oldPassphrase, v.masked, v.hdr.Params)
	if err != nil {
		return withPath(err, v.path)
	}
	mk, err := u.master.Open()
	if err != nil {
		return fmt.Errorf("failed to open master key: %w", err)
	}
	same, err := openedEqual(v.master, mk.Bytes())
	mk.Destroy()
	if err != nil {
		return err
	}
	if !same {
		return NewAuthenticationError(v.path)
	}

	salt := v.hdr.Salt[:]
	params := v.hdr.Params
	secret, err := e.deriveSecret(ctx, newPassphrase, salt, params)
	if err != nil {
		return err
	}
	defer wipe(secret)

	fresh, hdr, err := sealHeader(secret, salt, params, v.master, v.masked)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staging := v.geo.stagingOffset()
	if err := v.commitHeader(fresh, staging, secret); err != nil {
		return fmt.Errorf("staging header: %w", err)
	}
	if err := v.commitHeader(fresh, 0, secret); err != nil {
		return fmt.Errorf("primary header: %w", err)
	}
	if err := overwriteRandom(context.Background(), v.dev, staging, HeaderSize); err != nil {
		return err
	}
	if err := v.dev.Sync(); err != nil {
		return err
	}

	v.hdr = hdr
	return nil
}

// commitHeader writes raw at off, syncs, and checks the copy on disk.
func (v *Volume) commitHeader(raw []byte, off int64, secret []byte) error {
	if err := writeFull(v.dev, raw, off); err != nil {
		return err
	}
	if err := v.dev.Sync(); err != nil {
		return err
	}
	return verifyHeaderBytes(v.dev, off, raw, secret, v.masked)
}

// verifyHeaderBytes reads a header back from dev and checks that it is
// byte-identical to want and authenticates under secret.
func verifyHeaderBytes(dev Device, off int64, want, secret []byte, masked bool) error {
	got := make([]byte, HeaderSize)
	if err := readFull(dev, got, off); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return NewCorruptionError("", fmt.Sprintf("header at %d did not read back", off), ErrHeaderCorrupt)
	}

	if masked {
		maskKey := deriveSubkey(contextHeaderMask, secret, KeySize)
		defer wipe(maskKey)
		if err := maskHeader(got, maskKey); err != nil {
			return err
		}
	}
	tagKey := deriveSubkey(contextHeaderTag, secret, KeySize)
	defer wipe(tagKey)
	_, err := DecodeHeader(got, tagKey)
	return err
}

package pqvolume

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const newPassphrase = "N3w-Passphrase-2024"

func TestRotatePreservesData(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	v := newTestVolume(t, e)
	ctx := context.Background()

	data := fillBlock(0x5A)
	if err := v.WriteBlock(12, data); err != nil {
		t.Fatal(err)
	}
	oldSalt := v.hdr.Salt

	if err := v.Rotate(ctx, []byte(testPassphrase), []byte(newPassphrase)); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if v.State() != StateOpen {
		t.Errorf("state after Rotate = %s", v.State())
	}
	if v.hdr.Salt != oldSalt {
		t.Error("Rotate changed the salt")
	}

	// The session keeps working on the same keys
	got, err := v.ReadBlock(12)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadBlock after Rotate: %v", err)
	}
	v.Close()

	if _, err := e.Open(ctx, testVolumePath, []byte(testPassphrase)); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("old passphrase: got %v, want ErrWrongPassphrase", err)
	}

	v2 := reopen(t, e, newPassphrase)
	got, err = v2.ReadBlock(12)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("data lost across rotation: %v", err)
	}
	if err := v2.VerifyIntegrity(); err != nil {
		t.Errorf("VerifyIntegrity after rotation: %v", err)
	}

	// Staging slot holds no readable header
	g := testGeometry(t)
	if _, err := PeekHeader(readRaw(t, fs, testVolumePath, g.stagingOffset(), HeaderSize)); err == nil {
		t.Error("staging slot still holds a header after rotation")
	}
}

func TestRotateWrongOldPassphrase(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	e := newTestEngine(t, setupTestFS(t), func(c *Config) { c.Metrics = metrics })
	v := newTestVolume(t, e)
	ctx := context.Background()

	err := v.Rotate(ctx, []byte("guess"), []byte(newPassphrase))
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("got %v, want ErrWrongPassphrase", err)
	}
	if v.State() != StateOpen {
		t.Errorf("state = %s, want open", v.State())
	}
	if got := testutil.ToFloat64(metrics.RotationsTotal.WithLabelValues("wrong_passphrase")); got != 1 {
		t.Errorf("wrong_passphrase rotations = %v, want 1", got)
	}

	if err := v.Rotate(ctx, []byte(testPassphrase), nil); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("empty new passphrase: got %v", err)
	}

	v.Close()
	// Original passphrase still works
	reopen(t, e, testPassphrase)
}

func TestRotateTwice(t *testing.T) {
	e := newTestEngine(t, setupTestFS(t))
	v := newTestVolume(t, e)
	ctx := context.Background()

	if err := v.Rotate(ctx, []byte(testPassphrase), []byte(newPassphrase)); err != nil {
		t.Fatal(err)
	}
	if err := v.Rotate(ctx, []byte(testPassphrase), []byte("third")); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("rotating from the replaced passphrase: got %v", err)
	}
	if err := v.Rotate(ctx, []byte(newPassphrase), []byte("third")); err != nil {
		t.Fatalf("second Rotate failed: %v", err)
	}
	v.Close()
	reopen(t, e, "third")
}

// stageHeader writes a header for passphrase into the staging slot, as a
// rotation interrupted after its first commit would leave it.
func stageHeader(t *testing.T, fs Storage, v *Volume, passphrase string) {
	t.Helper()
	secret, err := DeriveSecret([]byte(passphrase), v.hdr.Salt[:], v.hdr.Params)
	if err != nil {
		t.Fatal(err)
	}
	raw, _, err := sealHeader(secret, v.hdr.Salt[:], v.hdr.Params, v.master, false)
	if err != nil {
		t.Fatal(err)
	}
	v.Close()
	writeRaw(t, fs, testVolumePath, testGeometry(t).stagingOffset(), raw)
}

func TestInterruptedRotationRecovers(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	v := newTestVolume(t, e)

	data := fillBlock(0x77)
	v.WriteBlock(30, data)
	v.Sync()
	stageHeader(t, fs, v, newPassphrase)

	v2, err := e.Open(context.Background(), testVolumePath, []byte(newPassphrase))
	if err != nil {
		t.Fatalf("Open with the staged passphrase failed: %v", err)
	}
	got, err := v2.ReadBlock(30)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("data after recovery: %v", err)
	}
	v2.Close()

	g := testGeometry(t)
	if _, err := PeekHeader(readRaw(t, fs, testVolumePath, g.stagingOffset(), HeaderSize)); err == nil {
		t.Error("staging header was not cleared after recovery")
	}
	if _, err := e.Open(context.Background(), testVolumePath, []byte(testPassphrase)); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("old passphrase after recovery: got %v, want ErrWrongPassphrase", err)
	}
	reopen(t, e, newPassphrase)
}

func TestInterruptedRotationRollsBack(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	v := newTestVolume(t, e)
	stageHeader(t, fs, v, newPassphrase)

	// The primary still opens with the old passphrase, which discards the
	// staged header
	v2 := reopen(t, e, testPassphrase)
	v2.Close()

	if _, err := e.Open(context.Background(), testVolumePath, []byte(newPassphrase)); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("staged passphrase after rollback: got %v, want ErrWrongPassphrase", err)
	}
}

package pqvolume

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSecureErase(t *testing.T) {
	fs := setupTestFS(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	e := newTestEngine(t, fs, func(c *Config) { c.Metrics = metrics })
	v := newTestVolume(t, e)

	v.WriteBlock(0, fillBlock(0xEE))
	before := readRaw(t, fs, testVolumePath, 0, HeaderSize)

	if err := v.SecureErase(context.Background()); err != nil {
		t.Fatalf("SecureErase failed: %v", err)
	}
	if v.State() != StateClosed {
		t.Errorf("state = %s, want closed", v.State())
	}
	if v.keys != nil || v.master != nil {
		t.Error("key material survived erase")
	}
	if got := testutil.ToFloat64(metrics.ErasePasses); got != 2 {
		t.Errorf("erase passes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.OpenVolumes); got != 0 {
		t.Errorf("open volumes = %v, want 0", got)
	}

	after := readRaw(t, fs, testVolumePath, 0, HeaderSize)
	if bytes.Equal(before, after) {
		t.Error("header unchanged by erase")
	}
	if _, err := e.Open(context.Background(), testVolumePath, []byte(testPassphrase)); !errors.Is(err, ErrHeaderCorrupt) {
		t.Errorf("Open after erase: got %v, want ErrHeaderCorrupt", err)
	}

	if err := v.SecureErase(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second SecureErase: got %v, want ErrInvalidState", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("Close after erase: %v", err)
	}
}

func TestSecureEraseCancelled(t *testing.T) {
	e := newTestEngine(t, setupTestFS(t))
	v := newTestVolume(t, e)

	data := fillBlock(0x42)
	v.WriteBlock(1, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := v.SecureErase(ctx)
	if !errors.Is(err, ErrEraseIncomplete) {
		t.Fatalf("got %v, want ErrEraseIncomplete", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want it to wrap context.Canceled", err)
	}
	var ee *EraseError
	if !errors.As(err, &ee) || ee.PassesComplete != 0 {
		t.Errorf("EraseError = %+v", ee)
	}

	if v.State() != StateOpen {
		t.Fatalf("state = %s, want open", v.State())
	}
	got, err := v.ReadBlock(1)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("volume unusable after cancelled erase: %v", err)
	}
}

func TestEngineErase(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	v := newTestVolume(t, e)
	v.Close()

	if err := e.Erase(context.Background(), testVolumePath); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if _, err := e.Info(testVolumePath); !errors.Is(err, ErrHeaderCorrupt) {
		t.Errorf("Info after erase: got %v, want ErrHeaderCorrupt", err)
	}

	if err := e.Erase(context.Background(), "/nope.img"); !errors.Is(err, ErrIO) {
		t.Errorf("missing volume: got %v, want ErrIO", err)
	}
}

func TestOverwriteRandomRespectsBounds(t *testing.T) {
	fs := setupTestFS(t)
	dev, err := openDevice(fs, "/raw.bin", os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	zero := make([]byte, 3*eraseChunk)
	if err := writeFull(dev, zero, 0); err != nil {
		t.Fatal(err)
	}
	// Spans a chunk boundary
	off, n := int64(100), int64(eraseChunk+500)
	if err := overwriteRandom(context.Background(), dev, off, n); err != nil {
		t.Fatalf("overwriteRandom failed: %v", err)
	}

	got := make([]byte, len(zero))
	if err := readFull(dev, got, 0); err != nil {
		t.Fatal(err)
	}
	if !allZero(got[:off]) || !allZero(got[off+n:]) {
		t.Error("overwrite escaped its range")
	}
	if allZero(got[off : off+64]) {
		t.Error("range was not overwritten")
	}
}

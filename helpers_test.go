package pqvolume

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

const (
	testPassphrase = "Str0ngP@ssw0rd!"
	testVolumePath = "/vol.img"
	testVolumeSize = 1 << 20
)

// testParams keeps Argon2id cheap enough for unit tests
var testParams = KDFParams{MemoryKiB: 256, Iterations: 1, Parallelism: 1}

// osTestFS is a minimal storage rooted in a temporary directory
type osTestFS struct {
	root string
}

func setupTestFS(t testing.TB) *osTestFS {
	t.Helper()
	return &osTestFS{root: t.TempDir()}
}

func (fs *osTestFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	path := filepath.Join(fs.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

func (fs *osTestFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(filepath.Join(fs.root, name), perm)
}

func (fs *osTestFS) Remove(name string) error {
	return os.Remove(filepath.Join(fs.root, name))
}

func (fs *osTestFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(filepath.Join(fs.root, name))
}

// newTestEngine returns an engine with quiet logging and two erase passes.
// mutate may adjust the config before the engine is built.
func newTestEngine(t testing.TB, storage Storage, mutate ...func(*Config)) *Engine {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := DefaultConfig()
	cfg.ErasePasses = 2
	cfg.Logger = log
	for _, m := range mutate {
		m(cfg)
	}

	e, err := NewEngine(storage, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// newTestVolume creates a 1 MiB volume at testVolumePath. It is closed
// when the test ends.
func newTestVolume(t testing.TB, e *Engine) *Volume {
	t.Helper()

	v, err := e.CreateWithParams(context.Background(), testVolumePath, testVolumeSize, []byte(testPassphrase), testParams)
	if err != nil {
		t.Fatalf("CreateWithParams failed: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func fillBlock(b byte) []byte {
	return bytes.Repeat([]byte{b}, BlockSize)
}

func readRaw(t testing.TB, storage Storage, path string, off int64, n int) []byte {
	t.Helper()
	f, err := storage.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		t.Fatalf("read %s at %d: %v", path, off, err)
	}
	return buf
}

func writeRaw(t testing.TB, storage Storage, path string, off int64, p []byte) {
	t.Helper()
	f, err := storage.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(p, off); err != nil {
		t.Fatalf("write %s at %d: %v", path, off, err)
	}
}

// flipBit inverts one bit of the file at byte offset off.
func flipBit(t testing.TB, storage Storage, path string, off int64, bit uint) {
	t.Helper()
	b := readRaw(t, storage, path, off, 1)
	b[0] ^= 1 << bit
	writeRaw(t, storage, path, off, b)
}

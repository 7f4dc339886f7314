package pqvolume

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// Storage is the part of absfs.FileSystem the engine needs. Any absfs
// filesystem (memfs, osfs, ...) satisfies it.
type Storage interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

// Device is raw random-access storage for one volume: a file, a block
// device, or a window inside another volume.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() int64
	Close() error
}

// fileDevice adapts an absfs.File. Hidden volumes share their outer
// volume's fileDevice, so access is serialized here.
type fileDevice struct {
	mu   sync.Mutex
	file absfs.File
	path string
	size int64
}

// openDevice opens path on storage and measures it. Block devices report
// a zero Stat size, so the size comes from seeking to the end.
func openDevice(storage Storage, path string, flag int) (*fileDevice, error) {
	f, err := storage.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, NewIOError("open", path, -1, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, NewIOError("seek", path, -1, err)
	}
	return &fileDevice{file: f, path: path, size: size}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.file.ReadAt(p, off)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return n, NewIOError("read", d.path, off, err)
	}
	return n, nil
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.file.WriteAt(p, off)
	if err != nil {
		return n, NewIOError("write", d.path, off, err)
	}
	if end := off + int64(n); end > d.size {
		d.size = end
	}
	return n, nil
}

func (d *fileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return NewIOError("sync", d.path, -1, err)
	}
	return nil
}

func (d *fileDevice) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *fileDevice) Close() error {
	if err := d.file.Close(); err != nil {
		return NewIOError("close", d.path, -1, err)
	}
	return nil
}

// sectionDevice exposes [base, base+size) of a parent device. Closing it
// leaves the parent open.
type sectionDevice struct {
	parent Device
	base   int64
	size   int64
}

func newSectionDevice(parent Device, base, size int64) *sectionDevice {
	return &sectionDevice{parent: parent, base: base, size: size}
}

func (s *sectionDevice) check(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > s.size {
		return NewIOError("access", "", off, fmt.Errorf("[%d, %d) outside section of %d bytes: %w",
			off, off+int64(len(p)), s.size, io.ErrUnexpectedEOF))
	}
	return nil
}

func (s *sectionDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := s.check(p, off); err != nil {
		return 0, err
	}
	return s.parent.ReadAt(p, s.base+off)
}

func (s *sectionDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := s.check(p, off); err != nil {
		return 0, err
	}
	return s.parent.WriteAt(p, s.base+off)
}

func (s *sectionDevice) Sync() error  { return s.parent.Sync() }
func (s *sectionDevice) Size() int64  { return s.size }
func (s *sectionDevice) Close() error { return nil }

// readFull reads exactly len(p) bytes at off.
func readFull(d Device, p []byte, off int64) error {
	n, err := d.ReadAt(p, off)
	if err != nil {
		return err
	}
	if n != len(p) {
		return NewIOError("read", "", off, io.ErrUnexpectedEOF)
	}
	return nil
}

// writeFull writes all of p at off.
func writeFull(d Device, p []byte, off int64) error {
	n, err := d.WriteAt(p, off)
	if err != nil {
		return err
	}
	if n != len(p) {
		return NewIOError("write", "", off, io.ErrShortWrite)
	}
	return nil
}

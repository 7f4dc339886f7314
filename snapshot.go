package pqvolume

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const snapshotIndexName = "index.json"

// SnapshotInfo describes one stored snapshot
type SnapshotInfo struct {
	ID          string    `json:"id"`
	VolumePath  string    `json:"volume_path"`
	Description string    `json:"description,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"` // BLAKE3, hex
	CreatedAt   time.Time `json:"created_at"`
}

// SnapshotManager copies closed volumes byte for byte. Snapshots are the
// raw ciphertext, so they need the volume passphrase to be useful and can
// be stored anywhere.
type SnapshotManager struct {
	mu      sync.Mutex
	storage Storage
	dir     string
	log     *logrus.Entry
	metrics *Metrics
}

// NewSnapshotManager keeps snapshots under dir on storage
func NewSnapshotManager(storage Storage, dir string, config *Config) *SnapshotManager {
	if config == nil {
		config = DefaultConfig()
	}
	return &SnapshotManager{
		storage: storage,
		dir:     dir,
		log:     config.logger().WithField("snapshot_dir", dir),
		metrics: config.Metrics,
	}
}

// Snapshots returns a manager over the engine's storage and configured
// snapshot directory
func (e *Engine) Snapshots() *SnapshotManager {
	return NewSnapshotManager(e.storage, e.config.SnapshotDir, e.config)
}

// Create copies the volume at volumePath into a new snapshot. The volume
// should not be open for writing.
func (m *SnapshotManager) Create(ctx context.Context, volumePath, description string) (*SnapshotInfo, error) {
	if err := ValidatePath(volumePath); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.storage.MkdirAll(m.dir, 0700); err != nil {
		return nil, NewIOError("mkdir", m.dir, -1, err)
	}
	index, err := m.loadIndex()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	dst := m.snapshotPath(id)
	size, sum, err := m.copyFile(ctx, volumePath, dst)
	if err != nil {
		m.storage.Remove(dst)
		return nil, err
	}

	info := SnapshotInfo{
		ID:          id,
		VolumePath:  volumePath,
		Description: description,
		Size:        size,
		Checksum:    sum,
		CreatedAt:   time.Now().UTC(),
	}
	index = append(index, info)
	if err := m.saveIndex(index); err != nil {
		m.storage.Remove(dst)
		return nil, err
	}

	m.metrics.snapshot("create")
	m.log.WithFields(logrus.Fields{"id": id, "volume": volumePath, "size": size}).Info("snapshot created")
	return &info, nil
}

// Restore verifies snapshot id and copies it over target. The copy is
// checked again after it is written.
func (m *SnapshotManager) Restore(ctx context.Context, id, target string) error {
	if err := ValidatePath(target); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.find(id)
	if err != nil {
		return err
	}

	src := m.snapshotPath(id)
	if _, sum, err := m.hashFile(ctx, src); err != nil {
		return err
	} else if sum != info.Checksum {
		return NewCorruptionError(src, "snapshot checksum mismatch", ErrIntegrityMismatch)
	}

	if _, _, err := m.copyFile(ctx, src, target); err != nil {
		return err
	}
	if _, sum, err := m.hashFile(ctx, target); err != nil {
		return err
	} else if sum != info.Checksum {
		return NewCorruptionError(target, "restored volume checksum mismatch", ErrIntegrityMismatch)
	}

	m.metrics.snapshot("restore")
	m.log.WithFields(logrus.Fields{"id": id, "target": target}).Info("snapshot restored")
	return nil
}

// List returns all snapshots, oldest first
func (m *SnapshotManager) List() ([]SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(index, func(i, j int) bool {
		return index[i].CreatedAt.Before(index[j].CreatedAt)
	})
	return index, nil
}

// Delete overwrites snapshot id with random data and removes it
func (m *SnapshotManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.find(id); err != nil {
		return err
	}

	p := m.snapshotPath(id)
	dev, err := openDevice(m.storage, p, os.O_RDWR)
	if err != nil {
		return err
	}
	err = overwriteRandom(ctx, dev, 0, dev.Size())
	if err == nil {
		err = dev.Sync()
	}
	dev.Close()
	if err != nil {
		return err
	}
	if err := m.storage.Remove(p); err != nil {
		return NewIOError("remove", p, -1, err)
	}

	index, err := m.loadIndex()
	if err != nil {
		return err
	}
	kept := index[:0]
	for _, s := range index {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	if err := m.saveIndex(kept); err != nil {
		return err
	}

	m.metrics.snapshot("delete")
	m.log.WithField("id", id).Info("snapshot deleted")
	return nil
}

func (m *SnapshotManager) snapshotPath(id string) string {
	return path.Join(m.dir, id+".snap")
}

func (m *SnapshotManager) find(id string) (*SnapshotInfo, error) {
	index, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	for i := range index {
		if index[i].ID == id {
			return &index[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
}

func (m *SnapshotManager) loadIndex() ([]SnapshotInfo, error) {
	p := path.Join(m.dir, snapshotIndexName)
	f, err := m.storage.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, NewIOError("open", p, -1, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, NewIOError("read", p, -1, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var index []SnapshotInfo
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, NewCorruptionError(p, "snapshot index unreadable", err)
	}
	return index, nil
}

func (m *SnapshotManager) saveIndex(index []SnapshotInfo) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot index: %w", err)
	}
	p := path.Join(m.dir, snapshotIndexName)
	f, err := m.storage.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("open", p, -1, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return NewIOError("write", p, 0, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return NewIOError("sync", p, -1, err)
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", p, -1, err)
	}
	return nil
}

// copyFile streams src to dst and returns the size and BLAKE3 checksum of
// what was copied.
func (m *SnapshotManager) copyFile(ctx context.Context, src, dst string) (int64, string, error) {
	in, err := openDevice(m.storage, src, os.O_RDONLY)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := openDevice(m.storage, dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, "", err
	}

	h := blake3.New()
	size := in.Size()
	buf := make([]byte, min(size, eraseChunk))
	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			out.Close()
			return 0, "", err
		}
		chunk := buf[:min(size-off, int64(len(buf)))]
		if err := readFull(in, chunk, off); err != nil {
			out.Close()
			return 0, "", err
		}
		h.Write(chunk)
		if err := writeFull(out, chunk, off); err != nil {
			out.Close()
			return 0, "", err
		}
		off += int64(len(chunk))
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// hashFile returns the size and BLAKE3 checksum of a file.
func (m *SnapshotManager) hashFile(ctx context.Context, p string) (int64, string, error) {
	dev, err := openDevice(m.storage, p, os.O_RDONLY)
	if err != nil {
		return 0, "", err
	}
	defer dev.Close()

	h := blake3.New()
	size := dev.Size()
	buf := make([]byte, min(size, eraseChunk))
	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}
		chunk := buf[:min(size-off, int64(len(buf)))]
		if err := readFull(dev, chunk, off); err != nil {
			return 0, "", err
		}
		h.Write(chunk)
		off += int64(len(chunk))
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

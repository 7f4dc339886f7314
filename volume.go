package pqvolume

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// initBatch is how many slots are sealed per write during formatting.
const initBatch = 256

// Volume is an open session on a volume. It implements io.ReaderAt and
// io.WriterAt over the plaintext so callers can treat it as a block
// device.
//
// Reads may run concurrently. Writes, Sync, Close, Rotate and SecureErase
// are exclusive.
type Volume struct {
	mu    sync.RWMutex
	state State

	engine *Engine
	dev    Device
	geo    geometry
	path   string
	masked bool

	hdr    *VolumeHeader
	master *memguard.Enclave
	keys   *keySet

	sessionID uuid.UUID
	base      [sessionBaseSize]byte
	seq       uint64

	alloc    *AllocationMap
	mac      volumeMAC
	mapDirty bool
	macDirty bool

	reads  atomic.Uint64
	writes atomic.Uint64

	parent   *Volume
	childMu  sync.Mutex
	children map[*Volume]struct{}

	log     *logrus.Entry
	metrics *Metrics
}

// newVolume builds a session around an unlocked master key. The volume
// starts in StateUnlocking.
func (e *Engine) newVolume(dev Device, geo geometry, path string, hdr *VolumeHeader, master *memguard.Enclave, masked bool) (*Volume, error) {
	keys, err := deriveKeySet(master, hdr.Salt[:])
	if err != nil {
		return nil, err
	}

	v := &Volume{
		state:     StateUnlocking,
		engine:    e,
		dev:       dev,
		geo:       geo,
		path:      path,
		masked:    masked,
		hdr:       hdr,
		master:    master,
		keys:      keys,
		sessionID: uuid.New(),
		children:  make(map[*Volume]struct{}),
		metrics:   e.metrics,
	}
	if _, err := rand.Read(v.base[:]); err != nil {
		keys.destroy()
		return nil, fmt.Errorf("failed to generate session nonce base: %w", err)
	}
	v.log = e.log.WithFields(logrus.Fields{
		"path":    path,
		"session": v.sessionID.String()[:8],
		"hidden":  masked,
	})
	return v, nil
}

// initialize writes the header, every slot as a sealed zero block (map
// slots carry the empty allocation map), the nonce table, the MAC trailer
// and random fill for the staging header and slack. Regions are written
// in ascending offset order.
func (v *Volume) initialize(ctx context.Context, header []byte) error {
	v.alloc = NewAllocationMap(v.geo.slots)
	for j := uint64(0); j < v.geo.mapBlocks; j++ {
		v.alloc.Set(v.geo.mapSlot(j), BlockUsed)
	}
	mapBytes, err := v.encodeMap()
	if err != nil {
		return err
	}

	if err := writeFull(v.dev, header, 0); err != nil {
		return err
	}

	// During formatting the write sequence equals the slot index, so the
	// nonce table below can be regenerated rather than buffered.
	zero := make([]byte, BlockSize)
	nonceKey := v.keys.nonceKey.Bytes()
	for start := uint64(0); start < v.geo.slots; start += initBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+initBatch, v.geo.slots)

		jobs := make([]blockJob, 0, end-start)
		for s := start; s < end; s++ {
			nonce, err := DeriveBlockNonce(nonceKey, v.base, s, s)
			if err != nil {
				return err
			}
			pt := zero
			if s >= v.geo.userBlocks {
				j := s - v.geo.userBlocks
				pt = mapBytes[j*BlockSize : (j+1)*BlockSize]
			}
			jobs = append(jobs, blockJob{slot: s, nonce: nonce[:], plaintext: pt})
		}
		if err := sealBlocks(v.keys.engine, v.engine.config.Parallel, jobs); err != nil {
			return err
		}

		buf := make([]byte, 0, len(jobs)*SlotSize)
		for i := range jobs {
			buf = append(buf, jobs[i].sealed...)
			contrib, err := slotMAC(v.keys.macKey.Bytes(), jobs[i].slot, jobs[i].nonce, jobs[i].sealed[BlockSize:])
			if err != nil {
				return err
			}
			v.mac.xor(contrib)
		}
		if err := writeFull(v.dev, buf, v.geo.slotOffset(start)); err != nil {
			return err
		}
	}

	table := make([]byte, 0, initBatch*NonceSize)
	for start := uint64(0); start < v.geo.slots; start += initBatch {
		end := min(start+initBatch, v.geo.slots)
		table = table[:0]
		for s := start; s < end; s++ {
			nonce, err := DeriveBlockNonce(nonceKey, v.base, s, s)
			if err != nil {
				return err
			}
			table = append(table, nonce[:]...)
		}
		if err := writeFull(v.dev, table, v.geo.nonceOffset(start)); err != nil {
			return err
		}
	}
	v.seq = v.geo.slots

	if err := writeFull(v.dev, v.mac[:], v.geo.trailerOffset()); err != nil {
		return err
	}
	if err := overwriteRandom(ctx, v.dev, v.geo.stagingOffset(), v.geo.deviceSize-v.geo.stagingOffset()); err != nil {
		return err
	}
	return v.dev.Sync()
}

// loadMetadata reads the allocation map and the stored volume MAC.
func (v *Volume) loadMetadata() error {
	buf := make([]byte, 0, v.geo.mapBlocks*BlockSize)
	for j := uint64(0); j < v.geo.mapBlocks; j++ {
		pt, err := v.readSlot(v.geo.mapSlot(j))
		if err != nil {
			return NewCorruptionError(v.path, "allocation map unreadable", err)
		}
		buf = append(buf, pt...)
	}

	alloc := &AllocationMap{}
	if err := alloc.UnmarshalBinary(buf); err != nil {
		return NewCorruptionError(v.path, err.Error(), ErrHeaderCorrupt)
	}
	if alloc.Count() != v.geo.slots {
		return NewCorruptionError(v.path,
			fmt.Sprintf("allocation map covers %d slots, device has %d", alloc.Count(), v.geo.slots), ErrHeaderCorrupt)
	}
	v.alloc = alloc

	if err := readFull(v.dev, v.mac[:], v.geo.trailerOffset()); err != nil {
		return err
	}
	return nil
}

// clearStaleStaging randomizes a staging slot that may still hold a
// header from a rotation that never committed its primary.
func (v *Volume) clearStaleStaging() error {
	// A masked header cannot be told apart from the random fill, so hidden
	// volumes re-randomize staging unconditionally.
	if !v.masked {
		staged := make([]byte, HeaderSize)
		if err := readFull(v.dev, staged, v.geo.stagingOffset()); err != nil {
			return err
		}
		if _, err := PeekHeader(staged); err != nil {
			return nil
		}
		v.log.Debug("clearing stale staging header")
	}
	if err := overwriteRandom(context.Background(), v.dev, v.geo.stagingOffset(), HeaderSize); err != nil {
		return err
	}
	return v.dev.Sync()
}

func (v *Volume) encodeMap() ([]byte, error) {
	data, err := v.alloc.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, v.geo.mapBlocks*BlockSize)
	copy(buf, data)
	return buf, nil
}

// nextNonce returns a fresh nonce for slot. Callers hold the write lock.
func (v *Volume) nextNonce(slot uint64) ([NonceSize]byte, error) {
	seq := v.seq
	v.seq++
	return DeriveBlockNonce(v.keys.nonceKey.Bytes(), v.base, slot, seq)
}

// slotContribution recomputes a slot's share of the volume MAC from disk.
func (v *Volume) slotContribution(slot uint64) ([MACSize]byte, error) {
	var nonce [NonceSize]byte
	var tag [TagSize]byte
	if err := readFull(v.dev, nonce[:], v.geo.nonceOffset(slot)); err != nil {
		return [MACSize]byte{}, err
	}
	if err := readFull(v.dev, tag[:], v.geo.slotOffset(slot)+BlockSize); err != nil {
		return [MACSize]byte{}, err
	}
	return slotMAC(v.keys.macKey.Bytes(), slot, nonce[:], tag[:])
}

// readSlot authenticates and decrypts one slot.
func (v *Volume) readSlot(slot uint64) ([]byte, error) {
	sealed := make([]byte, SlotSize)
	if err := readFull(v.dev, sealed, v.geo.slotOffset(slot)); err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	if err := readFull(v.dev, nonce[:], v.geo.nonceOffset(slot)); err != nil {
		return nil, err
	}

	pt, err := v.keys.engine.Open(nonce[:], sealed, blockAD(slot))
	if err != nil {
		v.metrics.tagMismatch()
		v.log.WithField("block", slot).Warn("block failed authentication")
		return nil, &BlockError{Operation: "read", Path: v.path, Index: slot, Err: err}
	}
	v.reads.Add(1)
	v.metrics.blockRead()
	return pt, nil
}

// sealSlot encrypts data into slot and updates the volume MAC. counted
// reports whether the slot's current contents are part of the MAC.
// Callers hold the write lock.
func (v *Volume) sealSlot(slot uint64, data []byte, counted bool) error {
	var old [MACSize]byte
	if counted {
		var err error
		if old, err = v.slotContribution(slot); err != nil {
			return err
		}
	}

	nonce, err := v.nextNonce(slot)
	if err != nil {
		return err
	}
	sealed, err := v.keys.engine.Seal(nonce[:], data, blockAD(slot))
	if err != nil {
		return &BlockError{Operation: "write", Path: v.path, Index: slot, Err: err}
	}
	contrib, err := slotMAC(v.keys.macKey.Bytes(), slot, nonce[:], sealed[BlockSize:])
	if err != nil {
		return err
	}

	if err := writeFull(v.dev, sealed, v.geo.slotOffset(slot)); err != nil {
		return err
	}
	if err := writeFull(v.dev, nonce[:], v.geo.nonceOffset(slot)); err != nil {
		return err
	}

	if counted {
		v.mac.xor(old)
	}
	v.mac.xor(contrib)
	v.macDirty = true
	v.writes.Add(1)
	v.metrics.blockWritten()
	return nil
}

// checkBlock validates a caller block index for op.
func (v *Volume) checkBlock(op string, index uint64) error {
	if v.state != StateOpen {
		return &StateError{Operation: op, State: v.state}
	}
	if err := ValidateBlockIndex(index, v.geo.userBlocks); err != nil {
		return &BlockError{Operation: op, Path: v.path, Index: index, Err: err}
	}
	if v.alloc.State(index) == BlockReserved {
		return &BlockError{Operation: op, Path: v.path, Index: index, Err: ErrBlockReserved}
	}
	return nil
}

// checkRange runs checkBlock over count blocks from start. The bounds are
// checked first so start+count cannot wrap.
func (v *Volume) checkRange(op string, start, count uint64) error {
	if v.state != StateOpen {
		return &StateError{Operation: op, State: v.state}
	}
	if count > v.geo.userBlocks || start > v.geo.userBlocks-count {
		return &BlockError{
			Operation: op,
			Path:      v.path,
			Index:     start,
			Err:       fmt.Errorf("%w: %d blocks from %d, volume has %d", ErrBlockOutOfRange, count, start, v.geo.userBlocks),
		}
	}
	for i := start; i < start+count; i++ {
		if err := v.checkBlock(op, i); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock decrypts block index. A tampered block returns a *BlockError
// wrapping ErrTagMismatch; other blocks stay readable.
func (v *Volume) ReadBlock(index uint64) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkBlock("read", index); err != nil {
		return nil, err
	}
	return v.readSlot(index)
}

// WriteBlock encrypts data (exactly BlockSize bytes) into block index
func (v *Volume) WriteBlock(index uint64, data []byte) error {
	if err := ValidateBlockData(data); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.writeBlockLocked(index, data)
}

func (v *Volume) writeBlockLocked(index uint64, data []byte) error {
	if err := v.checkBlock("write", index); err != nil {
		return err
	}
	if err := v.sealSlot(index, data, true); err != nil {
		return err
	}
	if v.alloc.State(index) == BlockFree {
		v.alloc.Set(index, BlockUsed)
		v.mapDirty = true
	}
	return nil
}

// ReadBlocks decrypts count consecutive blocks starting at start
func (v *Volume) ReadBlocks(start, count uint64) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if count == 0 {
		return []byte{}, nil
	}
	if err := v.checkRange("read", start, count); err != nil {
		return nil, err
	}

	sealed := make([]byte, count*SlotSize)
	if err := readFull(v.dev, sealed, v.geo.slotOffset(start)); err != nil {
		return nil, err
	}
	nonces := make([]byte, count*NonceSize)
	if err := readFull(v.dev, nonces, v.geo.nonceOffset(start)); err != nil {
		return nil, err
	}

	jobs := make([]blockJob, count)
	for i := range jobs {
		jobs[i] = blockJob{
			slot:   start + uint64(i),
			nonce:  nonces[i*NonceSize : (i+1)*NonceSize],
			sealed: sealed[i*SlotSize : (i+1)*SlotSize],
		}
	}
	if err := openBlocks(v.keys.engine, v.engine.config.Parallel, jobs); err != nil {
		if be, ok := err.(*BlockError); ok {
			be.Path = v.path
			v.metrics.tagMismatch()
		}
		return nil, err
	}

	out := make([]byte, 0, count*BlockSize)
	for i := range jobs {
		out = append(out, jobs[i].plaintext...)
		v.metrics.blockRead()
	}
	v.reads.Add(count)
	return out, nil
}

// WriteBlocks encrypts data, a whole number of blocks, into consecutive
// blocks starting at start
func (v *Volume) WriteBlocks(start uint64, data []byte) error {
	if data == nil || len(data)%BlockSize != 0 {
		return NewValidationError("data", len(data), fmt.Sprintf("length must be a multiple of %d", BlockSize))
	}
	count := uint64(len(data) / BlockSize)

	v.mu.Lock()
	defer v.mu.Unlock()

	if count == 0 {
		return nil
	}
	if err := v.checkRange("write", start, count); err != nil {
		return err
	}

	var old volumeMAC
	jobs := make([]blockJob, count)
	for i := range jobs {
		slot := start + uint64(i)
		contrib, err := v.slotContribution(slot)
		if err != nil {
			return err
		}
		old.xor(contrib)
		nonce, err := v.nextNonce(slot)
		if err != nil {
			return err
		}
		jobs[i] = blockJob{
			slot:      slot,
			nonce:     nonce[:],
			plaintext: data[i*BlockSize : (i+1)*BlockSize],
		}
	}
	if err := sealBlocks(v.keys.engine, v.engine.config.Parallel, jobs); err != nil {
		return err
	}

	sealed := make([]byte, 0, count*SlotSize)
	nonces := make([]byte, 0, count*NonceSize)
	var fresh volumeMAC
	for i := range jobs {
		sealed = append(sealed, jobs[i].sealed...)
		nonces = append(nonces, jobs[i].nonce...)
		contrib, err := slotMAC(v.keys.macKey.Bytes(), jobs[i].slot, jobs[i].nonce, jobs[i].sealed[BlockSize:])
		if err != nil {
			return err
		}
		fresh.xor(contrib)
	}
	if err := writeFull(v.dev, sealed, v.geo.slotOffset(start)); err != nil {
		return err
	}
	if err := writeFull(v.dev, nonces, v.geo.nonceOffset(start)); err != nil {
		return err
	}

	v.mac.xor(old)
	v.mac.xor(fresh)
	v.macDirty = true
	for i := start; i < start+count; i++ {
		if v.alloc.State(i) == BlockFree {
			v.alloc.Set(i, BlockUsed)
			v.mapDirty = true
		}
		v.metrics.blockWritten()
	}
	v.writes.Add(count)
	return nil
}

// ReadAt reads plaintext at a byte offset
func (v *Volume) ReadAt(p []byte, off int64) (int, error) {
	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	size := v.geo.capacity()
	if off >= size {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && off < size {
		index := uint64(off / BlockSize)
		if err := v.checkBlock("read", index); err != nil {
			return n, err
		}
		block, err := v.readSlot(index)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], block[off%BlockSize:])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes plaintext at a byte offset. Partial blocks are
// read, modified and rewritten.
func (v *Volume) WriteAt(p []byte, off int64) (int, error) {
	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	size := v.geo.capacity()
	if off > size || int64(len(p)) > size-off {
		return 0, &ValidationError{
			Field:   "offset",
			Value:   off,
			Message: fmt.Sprintf("write of %d bytes at %d exceeds volume size %d", len(p), off, size),
			Err:     ErrBlockOutOfRange,
		}
	}

	n := 0
	for n < len(p) {
		index := uint64(off / BlockSize)
		within := int(off % BlockSize)

		var block []byte
		if within == 0 && len(p)-n >= BlockSize {
			block = p[n : n+BlockSize]
		} else {
			if err := v.checkBlock("write", index); err != nil {
				return n, err
			}
			var err error
			if block, err = v.readSlot(index); err != nil {
				return n, err
			}
			copy(block[within:], p[n:])
		}
		if err := v.writeBlockLocked(index, block); err != nil {
			return n, err
		}
		c := min(BlockSize-within, len(p)-n)
		n += c
		off += int64(c)
	}
	return n, nil
}

// flushLocked persists the allocation map and the MAC trailer if they
// changed.
func (v *Volume) flushLocked() error {
	if v.mapDirty {
		buf, err := v.encodeMap()
		if err != nil {
			return err
		}
		for j := uint64(0); j < v.geo.mapBlocks; j++ {
			if err := v.sealSlot(v.geo.mapSlot(j), buf[j*BlockSize:(j+1)*BlockSize], true); err != nil {
				return err
			}
		}
		v.mapDirty = false
	}
	if v.macDirty {
		if err := writeFull(v.dev, v.mac[:], v.geo.trailerOffset()); err != nil {
			return err
		}
		v.macDirty = false
	}
	return nil
}

// Sync persists metadata and flushes the device
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateOpen {
		return &StateError{Operation: "sync", State: v.state}
	}
	if err := v.flushLocked(); err != nil {
		return err
	}
	return v.dev.Sync()
}

// Close flushes metadata, destroys all key material and closes the
// device. Hidden volumes opened through this volume are closed first.
// Closing a closed volume is a no-op.
func (v *Volume) Close() error {
	v.closeChildren()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateClosed {
		return nil
	}
	if v.state != StateOpen {
		return &StateError{Operation: "close", State: v.state}
	}
	v.state = StateClosing

	err := v.flushLocked()
	if err == nil {
		err = v.dev.Sync()
	}
	v.destroyKeys()
	if cerr := v.dev.Close(); err == nil {
		err = cerr
	}
	v.state = StateClosed
	v.metrics.volumeClosed()
	if v.parent != nil {
		v.parent.removeChild(v)
	}
	v.log.Info("volume closed")
	return err
}

// destroyKeys drops the master key and the session key set.
func (v *Volume) destroyKeys() {
	v.keys.destroy()
	v.keys = nil
	v.master = nil
}

func (v *Volume) addChild(c *Volume) {
	v.childMu.Lock()
	defer v.childMu.Unlock()
	c.parent = v
	v.children[c] = struct{}{}
}

func (v *Volume) removeChild(c *Volume) {
	v.childMu.Lock()
	defer v.childMu.Unlock()
	delete(v.children, c)
}

func (v *Volume) closeChildren() {
	v.childMu.Lock()
	children := make([]*Volume, 0, len(v.children))
	for c := range v.children {
		children = append(children, c)
	}
	v.childMu.Unlock()

	for _, c := range children {
		if err := c.Close(); err != nil {
			v.log.WithError(err).Warn("failed to close hidden volume")
		}
	}
}

// State returns the session state
func (v *Volume) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Path returns the path the volume was opened from
func (v *Volume) Path() string { return v.path }

// SessionID identifies this open session in logs
func (v *Volume) SessionID() string { return v.sessionID.String() }

// BlockCount returns the number of addressable blocks
func (v *Volume) BlockCount() uint64 { return v.geo.userBlocks }

// Size returns the plaintext capacity in bytes
func (v *Volume) Size() int64 { return v.geo.capacity() }

// Hidden reports whether this is a hidden volume
func (v *Volume) Hidden() bool { return v.masked }

// Stats returns a snapshot of the session's counters and allocation
func (v *Volume) Stats() VolumeStats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := VolumeStats{
		SessionID:     v.sessionID.String(),
		State:         v.state,
		Hidden:        v.masked,
		Size:          v.geo.capacity(),
		DeviceSize:    v.geo.deviceSize,
		TotalBlocks:   v.geo.userBlocks,
		BlocksRead:    v.reads.Load(),
		BlocksWritten: v.writes.Load(),
	}
	if v.alloc != nil {
		s.UsedBlocks = v.alloc.CountState(BlockUsed, v.geo.userBlocks)
		s.FreeBlocks = v.alloc.CountState(BlockFree, v.geo.userBlocks)
		s.ReservedBlocks = v.alloc.CountState(BlockReserved, v.geo.userBlocks)
		s.HiddenVolumes = len(v.alloc.ReservedRuns())
	}
	return s
}

// VerifyIntegrity recomputes the whole-volume MAC from the nonce table
// and block tags. A block restored from an older copy passes its own AEAD
// check but fails here.
func (v *Volume) VerifyIntegrity() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.state != StateOpen {
		return &StateError{Operation: "verify", State: v.state}
	}
	return v.verifyIntegrityLocked()
}

func (v *Volume) verifyIntegrityLocked() error {
	var got volumeMAC
	for s := uint64(0); s < v.geo.slots; s++ {
		if v.alloc.State(s) == BlockReserved {
			continue
		}
		contrib, err := v.slotContribution(s)
		if err != nil {
			return err
		}
		got.xor(contrib)
	}
	if !got.equal(v.mac) {
		v.metrics.integrity("mismatch")
		v.log.Warn("volume MAC mismatch")
		return NewCorruptionError(v.path, "volume MAC mismatch", ErrIntegrityMismatch)
	}
	v.metrics.integrity("ok")
	return nil
}

package pqvolume

// Device layout
//
// ┌─────────────────────────────────────┐ 0
// │ Primary header (4096)               │
// ├─────────────────────────────────────┤ dataOffset
// │ Slot 0    ciphertext ‖ tag (4112)   │
// │ Slot 1                              │
// │ ...                                 │
// │ Slot N-1                            │ <- trailing slots hold the allocation map
// ├─────────────────────────────────────┤ nonceOffset
// │ Nonce table (N × 12)                │
// ├─────────────────────────────────────┤ trailerOffset
// │ Volume MAC (32)                     │
// ├─────────────────────────────────────┤ stagingOffset
// │ Staging header (4096)               │ <- random unless a rotation is in flight
// ├─────────────────────────────────────┤ end
// │ Random slack                        │
// └─────────────────────────────────────┘

const (
	// BlockSize is the plaintext size of a data block
	BlockSize = 4096

	// SlotSize is a sealed block on disk
	SlotSize = BlockSize + TagSize

	// TrailerSize holds the volume MAC
	TrailerSize = MACSize

	// fixedOverhead is everything outside the slots and nonce table
	fixedOverhead = 2*HeaderSize + TrailerSize

	// perSlotBytes is one slot plus its nonce table entry
	perSlotBytes = SlotSize + NonceSize

	// minSlots is one map block plus one user block
	minSlots = 2

	// maxWindowBlocks bounds nested volume requests (4 PiB)
	maxWindowBlocks = 1 << 40
)

// geometry locates every region of a volume of a given raw size.
type geometry struct {
	deviceSize int64
	slots      uint64 // Total slots including map slots
	mapBlocks  uint64 // Trailing slots that hold the allocation map
	userBlocks uint64 // Slots addressable by callers
}

// newGeometry computes the layout for deviceSize raw bytes.
func newGeometry(deviceSize int64) (geometry, error) {
	if deviceSize < fixedOverhead+minSlots*perSlotBytes {
		return geometry{}, &ValidationError{
			Field:   "size",
			Value:   deviceSize,
			Message: "volume too small",
			Err:     ErrVolumeTooSmall,
		}
	}

	slots := uint64(deviceSize-fixedOverhead) / perSlotBytes
	mapBlocks := mapBlocksFor(slots)
	if slots <= mapBlocks {
		return geometry{}, &ValidationError{
			Field:   "size",
			Value:   deviceSize,
			Message: "volume too small for its allocation map",
			Err:     ErrVolumeTooSmall,
		}
	}

	return geometry{
		deviceSize: deviceSize,
		slots:      slots,
		mapBlocks:  mapBlocks,
		userBlocks: slots - mapBlocks,
	}, nil
}

// mapBlocksFor returns how many blocks an allocation map over slots needs.
func mapBlocksFor(slots uint64) uint64 {
	size := uint64(allocMapHeaderSize) + (slots+3)/4
	return (size + BlockSize - 1) / BlockSize
}

func (g geometry) dataOffset() int64 { return HeaderSize }

func (g geometry) slotOffset(slot uint64) int64 {
	return g.dataOffset() + int64(slot)*SlotSize
}

func (g geometry) nonceOffset(slot uint64) int64 {
	return g.slotOffset(g.slots) + int64(slot)*NonceSize
}

func (g geometry) trailerOffset() int64 {
	return g.nonceOffset(g.slots)
}

func (g geometry) stagingOffset() int64 {
	return g.trailerOffset() + TrailerSize
}

func (g geometry) end() int64 {
	return g.stagingOffset() + HeaderSize
}

// mapSlot returns the slot holding the i-th allocation map block.
func (g geometry) mapSlot(i uint64) uint64 {
	return g.userBlocks + i
}

// capacity is the plaintext bytes available to callers.
func (g geometry) capacity() int64 {
	return int64(g.userBlocks) * BlockSize
}

// windowSlotsFor returns how many outer slots a nested volume needs to
// offer at least size bytes of capacity.
func windowSlotsFor(size int64) (uint64, error) {
	if size <= 0 {
		return 0, NewValidationError("size", size, "size must be positive")
	}
	need := uint64(size / BlockSize)
	if size%BlockSize != 0 {
		need++
	}
	if need > maxWindowBlocks {
		return 0, NewValidationError("size", size, "size exceeds the largest nested volume")
	}

	// Smallest slot count whose map still leaves need user blocks. A map
	// block covers ~16K slots, so the loop runs a handful of times at most.
	slots := need + mapBlocksFor(need)
	for slots-mapBlocksFor(slots) < need {
		slots++
	}
	k := (uint64(fixedOverhead) + slots*perSlotBytes + SlotSize - 1) / SlotSize
	if _, err := newGeometry(int64(k) * SlotSize); err != nil {
		return 0, err
	}
	return k, nil
}

package pqvolume

import (
	"errors"
	"math"
	"testing"
)

func TestGeometry1MiB(t *testing.T) {
	g, err := newGeometry(1 << 20)
	if err != nil {
		t.Fatalf("newGeometry failed: %v", err)
	}

	if g.slots != 252 {
		t.Errorf("slots = %d, want 252", g.slots)
	}
	if g.mapBlocks != 1 {
		t.Errorf("mapBlocks = %d, want 1", g.mapBlocks)
	}
	if g.userBlocks != 251 {
		t.Errorf("userBlocks = %d, want 251", g.userBlocks)
	}
	if g.mapSlot(0) != 251 {
		t.Errorf("mapSlot(0) = %d, want 251", g.mapSlot(0))
	}
	if g.capacity() != 251*BlockSize {
		t.Errorf("capacity = %d", g.capacity())
	}
}

func TestGeometryRegions(t *testing.T) {
	sizes := []int64{
		fixedOverhead + minSlots*perSlotBytes,
		1 << 20,
		3*1<<20 + 12345,
		64 << 20,
	}

	for _, size := range sizes {
		g, err := newGeometry(size)
		if err != nil {
			t.Fatalf("newGeometry(%d) failed: %v", size, err)
		}

		if g.dataOffset() != HeaderSize {
			t.Errorf("size %d: data starts at %d", size, g.dataOffset())
		}
		if g.nonceOffset(0) != g.slotOffset(g.slots) {
			t.Errorf("size %d: nonce table overlaps slots", size)
		}
		if g.stagingOffset() != g.trailerOffset()+TrailerSize {
			t.Errorf("size %d: staging does not follow the trailer", size)
		}
		if g.end() > size {
			t.Errorf("size %d: layout ends at %d, past the device", size, g.end())
		}
		if size-g.end() >= perSlotBytes {
			t.Errorf("size %d: %d bytes of slack could hold another slot", size, size-g.end())
		}

		data, err := (&AllocationMap{count: g.slots, bits: make([]byte, (g.slots+3)/4)}).MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if uint64(len(data)) > g.mapBlocks*BlockSize {
			t.Errorf("size %d: map of %d bytes does not fit %d map blocks", size, len(data), g.mapBlocks)
		}
	}
}

func TestGeometryTooSmall(t *testing.T) {
	for _, size := range []int64{0, HeaderSize, fixedOverhead + perSlotBytes} {
		if _, err := newGeometry(size); !errors.Is(err, ErrVolumeTooSmall) {
			t.Errorf("newGeometry(%d): got %v, want ErrVolumeTooSmall", size, err)
		}
	}
}

func TestWindowSlotsFor(t *testing.T) {
	for _, size := range []int64{1, BlockSize, 100 * 1024, 1 << 20, 3 << 30, 1 << 40, 1<<40 + 1} {
		k, err := windowSlotsFor(size)
		if err != nil {
			t.Fatalf("windowSlotsFor(%d) failed: %v", size, err)
		}
		g, err := newGeometry(int64(k) * SlotSize)
		if err != nil {
			t.Fatalf("window of %d slots is not a valid volume: %v", k, err)
		}
		if g.capacity() < size {
			t.Errorf("windowSlotsFor(%d) = %d slots with only %d bytes of capacity", size, k, g.capacity())
		}
		if k > 1 {
			if smaller, err := newGeometry(int64(k-1) * SlotSize); err == nil && smaller.capacity() >= size {
				t.Errorf("windowSlotsFor(%d) = %d, but %d slots suffice", size, k, k-1)
			}
		}
	}

	if _, err := windowSlotsFor(0); !IsValidationError(err) {
		t.Errorf("zero size: got %v, want ValidationError", err)
	}
	for _, size := range []int64{math.MaxInt64, 1 << 62} {
		if _, err := windowSlotsFor(size); !IsValidationError(err) {
			t.Errorf("windowSlotsFor(%d): got %v, want ValidationError", size, err)
		}
	}
}

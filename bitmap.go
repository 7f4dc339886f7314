package pqvolume

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BlockState is the allocation state of one outer slot
type BlockState uint8

const (
	// BlockFree has never been written by the caller
	BlockFree BlockState = iota
	// BlockUsed holds caller data or volume metadata
	BlockUsed
	// BlockReserved belongs to a hidden volume
	BlockReserved
	// blockReservedHead is the first slot of a hidden volume's window.
	// It reads back as BlockReserved.
	blockReservedHead
)

func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "free"
	case BlockUsed:
		return "used"
	case BlockReserved, blockReservedHead:
		return "reserved"
	default:
		return "unknown"
	}
}

const (
	allocMapMagic      = "PQVALLOC"
	allocMapHeaderSize = 16
)

// BlockRange is a contiguous run of slots
type BlockRange struct {
	Start uint64
	Count uint64
}

// AllocationMap tracks 2 bits of state per slot
type AllocationMap struct {
	count uint64
	bits  []byte
}

// NewAllocationMap returns a map with every slot free
func NewAllocationMap(count uint64) *AllocationMap {
	return &AllocationMap{
		count: count,
		bits:  make([]byte, (count+3)/4),
	}
}

// Count returns the number of slots tracked
func (m *AllocationMap) Count() uint64 { return m.count }

func (m *AllocationMap) raw(i uint64) BlockState {
	return BlockState(m.bits[i/4]>>((i%4)*2)) & 0x3
}

// State returns the state of slot i
func (m *AllocationMap) State(i uint64) BlockState {
	s := m.raw(i)
	if s == blockReservedHead {
		return BlockReserved
	}
	return s
}

// Set changes the state of slot i
func (m *AllocationMap) Set(i uint64, s BlockState) {
	shift := (i % 4) * 2
	m.bits[i/4] = m.bits[i/4]&^(0x3<<shift) | byte(s&0x3)<<shift
}

// Reserve marks [start, start+n) as one hidden volume window
func (m *AllocationMap) Reserve(start, n uint64) {
	for i := start; i < start+n; i++ {
		m.Set(i, BlockReserved)
	}
	m.Set(start, blockReservedHead)
}

// CountState counts slots in [0, limit) with state s
func (m *AllocationMap) CountState(s BlockState, limit uint64) uint64 {
	var n uint64
	for i := uint64(0); i < limit && i < m.count; i++ {
		if m.State(i) == s {
			n++
		}
	}
	return n
}

// FindFreeRun returns the start of the highest run of n free slots below
// limit. It also reports the largest free run seen, which callers use to
// suggest a smaller size.
func (m *AllocationMap) FindFreeRun(n, limit uint64) (start uint64, ok bool, largest uint64) {
	if limit > m.count {
		limit = m.count
	}
	var run uint64
	for i := limit; i > 0; i-- {
		if m.State(i-1) != BlockFree {
			run = 0
			continue
		}
		run++
		if run > largest {
			largest = run
		}
		if run == n {
			return i - 1, true, largest
		}
	}
	return 0, false, largest
}

// ReservedRuns lists every hidden volume window in ascending order
func (m *AllocationMap) ReservedRuns() []BlockRange {
	var runs []BlockRange
	for i := uint64(0); i < m.count; i++ {
		if m.raw(i) != blockReservedHead {
			continue
		}
		r := BlockRange{Start: i, Count: 1}
		for j := i + 1; j < m.count && m.raw(j) == BlockReserved; j++ {
			r.Count++
		}
		runs = append(runs, r)
		i += r.Count - 1
	}
	return runs
}

// MarshalBinary encodes the map as magic, LE64 slot count, then the packed
// states
func (m *AllocationMap) MarshalBinary() ([]byte, error) {
	buf := make([]byte, allocMapHeaderSize+len(m.bits))
	copy(buf, allocMapMagic)
	binary.LittleEndian.PutUint64(buf[8:], m.count)
	copy(buf[allocMapHeaderSize:], m.bits)
	return buf, nil
}

// UnmarshalBinary decodes a map written by MarshalBinary. Trailing bytes
// are ignored.
func (m *AllocationMap) UnmarshalBinary(data []byte) error {
	if len(data) < allocMapHeaderSize || !bytes.Equal(data[:8], []byte(allocMapMagic)) {
		return fmt.Errorf("allocation map: bad magic")
	}
	count := binary.LittleEndian.Uint64(data[8:])
	need := (count + 3) / 4
	if uint64(len(data)-allocMapHeaderSize) < need {
		return fmt.Errorf("allocation map: truncated, %d slots need %d bytes", count, need)
	}
	m.count = count
	m.bits = make([]byte, need)
	copy(m.bits, data[allocMapHeaderSize:])
	return nil
}

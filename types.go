package pqvolume

// CipherSuite identifies the block cipher recorded in a volume header
type CipherSuite uint8

const (
	// CipherChaCha20Poly1305 uses ChaCha20-Poly1305 with 256-bit keys
	CipherChaCha20Poly1305 CipherSuite = iota + 1
)

// String returns the identifier stored in the header's cipher field
func (c CipherSuite) String() string {
	switch c {
	case CipherChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// parseCipherSuite maps a header identifier back to a CipherSuite.
func parseCipherSuite(id string) (CipherSuite, error) {
	switch id {
	case CipherChaCha20Poly1305.String():
		return CipherChaCha20Poly1305, nil
	default:
		return 0, ErrUnsupportedCipher
	}
}

// KDFName is the identifier stored in the header's KDF field
const KDFName = "Argon2id"

// State is the lifecycle state of a volume session
type State uint8

const (
	StateClosed State = iota
	StateUnlocking
	StateOpen
	StateClosing
	StateRotating
	StateErasing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateUnlocking:
		return "unlocking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateRotating:
		return "rotating"
	case StateErasing:
		return "erasing"
	default:
		return "unknown"
	}
}

// VolumeStats summarizes a session's view of its volume.
type VolumeStats struct {
	SessionID      string
	State          State
	Hidden         bool
	Size           int64  // Usable plaintext bytes
	DeviceSize     int64  // Raw bytes on the device
	TotalBlocks    uint64 // User-addressable blocks
	UsedBlocks     uint64
	FreeBlocks     uint64
	ReservedBlocks uint64
	BlocksRead     uint64 // Reads in this session
	BlocksWritten  uint64 // Writes in this session
	HiddenVolumes  int    // Reserved runs in the allocation map
}

// VolumeInfo is what can be learned about a volume without its
// passphrase. None of it is authenticated.
type VolumeInfo struct {
	Path        string
	DeviceSize  int64
	Header      *HeaderInfo
	BlockSize   int
	TotalBlocks uint64
	MapBlocks   uint64
}

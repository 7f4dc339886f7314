package pqvolume

import (
	"fmt"
)

// Input validation helpers

// ValidateBuffer checks if a buffer is valid (non-nil and has expected size)
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ValidationError{
			Field:   name,
			Message: "buffer cannot be nil",
			Err:     ErrNilBuffer,
		}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ValidationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
		}
	}
	return nil
}

// ValidateBlockData checks that a write carries exactly one block
func ValidateBlockData(data []byte) error {
	if data == nil {
		return &ValidationError{
			Field:   "data",
			Message: "buffer cannot be nil",
			Err:     ErrNilBuffer,
		}
	}
	if len(data) != BlockSize {
		return &ValidationError{
			Field:   "data",
			Value:   len(data),
			Message: fmt.Sprintf("block data must be %d bytes, got %d", BlockSize, len(data)),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateBlockIndex checks if a block index is within the user range
func ValidateBlockIndex(index, count uint64) error {
	if index >= count {
		return &ValidationError{
			Field:   "block_index",
			Value:   index,
			Message: fmt.Sprintf("block index %d exceeds maximum %d", index, count-1),
			Err:     ErrBlockOutOfRange,
		}
	}
	return nil
}

// ValidateOffset checks if a byte offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
		}
	}
	return nil
}

// ValidatePath checks if a volume path is valid (not empty)
func ValidatePath(path string) error {
	if path == "" {
		return &ValidationError{
			Field:   "path",
			Message: "volume path cannot be empty",
		}
	}
	return nil
}

// ValidatePassphrase rejects empty passphrases
func ValidatePassphrase(passphrase []byte, name string) error {
	if len(passphrase) == 0 {
		return &ValidationError{
			Field:   name,
			Message: "passphrase cannot be empty",
			Err:     ErrEmptyPassphrase,
		}
	}
	return nil
}

package pqvolume

import (
	"errors"
	"testing"
)

func TestValidateBuffer(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		minSize int
		wantErr bool
	}{
		{"nil buffer", nil, 0, true},
		{"empty buffer ok", []byte{}, 0, false},
		{"meets minimum", make([]byte, 16), 16, false},
		{"too small", make([]byte, 15), 16, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBuffer(tt.buf, "buf", tt.minSize)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBuffer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidationError(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}

	if err := ValidateBuffer(nil, "buf", 0); !errors.Is(err, ErrNilBuffer) {
		t.Errorf("nil buffer: got %v, want ErrNilBuffer", err)
	}
}

func TestValidateBlockData(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"nil", nil, true},
		{"short", make([]byte, BlockSize-1), true},
		{"long", make([]byte, BlockSize+1), true},
		{"exact", make([]byte, BlockSize), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateBlockData(tt.data); (err != nil) != tt.wantErr {
				t.Errorf("ValidateBlockData() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"nil", nil, true},
		{"short", make([]byte, 16), true},
		{"long", make([]byte, 64), true},
		{"valid", make([]byte, KeySize), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key, KeySize)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestValidateBlockIndex(t *testing.T) {
	tests := []struct {
		index, count uint64
		wantErr      bool
	}{
		{0, 1, false},
		{250, 251, false},
		{251, 251, true},
		{0, 0, true},
	}

	for _, tt := range tests {
		err := ValidateBlockIndex(tt.index, tt.count)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBlockIndex(%d, %d) error = %v, wantErr %v", tt.index, tt.count, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrBlockOutOfRange) {
			t.Errorf("expected ErrBlockOutOfRange, got %v", err)
		}
	}
}

func TestValidateOffsetPathPassphrase(t *testing.T) {
	if err := ValidateOffset(-1, "off"); !IsValidationError(err) {
		t.Errorf("negative offset: got %v", err)
	}
	if err := ValidateOffset(0, "off"); err != nil {
		t.Errorf("zero offset: got %v", err)
	}
	if err := ValidatePath(""); !IsValidationError(err) {
		t.Errorf("empty path: got %v", err)
	}
	if err := ValidatePath("/dev/sdb"); err != nil {
		t.Errorf("valid path: got %v", err)
	}
	if err := ValidatePassphrase(nil, "passphrase"); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("nil passphrase: got %v", err)
	}
	if err := ValidatePassphrase([]byte{}, "passphrase"); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("empty passphrase: got %v", err)
	}
	if err := ValidatePassphrase([]byte("x"), "passphrase"); err != nil {
		t.Errorf("one-byte passphrase: got %v", err)
	}
}

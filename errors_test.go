package pqvolume

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestValidationError(t *testing.T) {
	tests := []struct {
		name    string
		err     *ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &ValidationError{
				Field:   "erase_passes",
				Value:   0,
				Message: "must be at least 1",
			},
			wantMsg: "validation error: erase_passes: must be at least 1",
		},
		{
			name: "without field",
			err: &ValidationError{
				Message: "invalid configuration",
			},
			wantMsg: "validation error: invalid configuration",
		},
		{
			name: "with wrapped error",
			err: &ValidationError{
				Field:   "key",
				Message: "invalid key",
				Err:     ErrInvalidKey,
			},
			wantMsg: "validation error: key: invalid key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.Err != nil {
				if unwrapped := tt.err.Unwrap(); unwrapped != tt.err.Err {
					t.Errorf("ValidationError.Unwrap() = %v, want %v", unwrapped, tt.err.Err)
				}
			}
		})
	}
}

func TestBlockError(t *testing.T) {
	tests := []struct {
		name    string
		err     *BlockError
		wantMsg string
	}{
		{
			name:    "with path",
			err:     &BlockError{Operation: "read", Path: "/vol.img", Index: 5, Err: ErrTagMismatch},
			wantMsg: "read error: /vol.img (block 5): " + ErrTagMismatch.Error(),
		},
		{
			name:    "without path",
			err:     &BlockError{Operation: "write", Index: 9, Err: ErrBlockReserved},
			wantMsg: "write error: block 9: " + ErrBlockReserved.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("BlockError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Error("BlockError does not unwrap to its cause")
			}
		})
	}
}

func TestIOError(t *testing.T) {
	baseErr := errors.New("disk full")

	tests := []struct {
		name    string
		err     *IOError
		wantMsg string
	}{
		{
			name:    "with path and offset",
			err:     &IOError{Operation: "write", Path: "/vol.img", Offset: 4096, Err: baseErr},
			wantMsg: "io error: write /vol.img at offset 4096: disk full",
		},
		{
			name:    "with path only",
			err:     &IOError{Operation: "open", Path: "/vol.img", Offset: -1, Err: baseErr},
			wantMsg: "io error: open /vol.img: disk full",
		},
		{
			name:    "bare",
			err:     &IOError{Operation: "sync", Offset: -1, Err: baseErr},
			wantMsg: "io error: sync: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("IOError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if !errors.Is(tt.err, ErrIO) {
				t.Error("IOError does not match ErrIO")
			}
			if !errors.Is(tt.err, baseErr) {
				t.Error("IOError does not unwrap to the storage error")
			}
		})
	}
}

func TestStateError(t *testing.T) {
	err := &StateError{Operation: "write", State: StateClosed}
	if got := err.Error(); got != "cannot write: volume is closed" {
		t.Errorf("StateError.Error() = %q", got)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Error("StateError does not match ErrInvalidState")
	}
}

func TestInsufficientSpaceError(t *testing.T) {
	err := fmt.Errorf("create hidden: %w", &InsufficientSpaceError{Requested: 40, Largest: 12})
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Error("does not match ErrInsufficientSpace")
	}
	var ise *InsufficientSpaceError
	if !errors.As(err, &ise) || ise.Largest != 12 {
		t.Errorf("errors.As = %+v", ise)
	}
}

func TestEraseError(t *testing.T) {
	err := &EraseError{Path: "/vol.img", PassesComplete: 1, Err: context.Canceled}
	if !errors.Is(err, ErrEraseIncomplete) {
		t.Error("does not match ErrEraseIncomplete")
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("does not match its cause")
	}
}

func TestAuthenticationError(t *testing.T) {
	err := NewAuthenticationError("/vol.img")
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Error("does not match ErrWrongPassphrase")
	}
	if got := err.Error(); got != "authentication error: /vol.img: wrong passphrase" {
		t.Errorf("Error() = %q", got)
	}
	if !IsAuthenticationError(err) || IsCorruptionError(err) {
		t.Error("type helpers disagree")
	}
}

func TestVersionErrorMatchesBoth(t *testing.T) {
	err := NewCorruptionError("/vol.img", "unknown format version", &versionError{version: 9})
	if !errors.Is(err, ErrHeaderCorrupt) || !errors.Is(err, ErrVersionUnsupported) {
		t.Errorf("%v should match both ErrHeaderCorrupt and ErrVersionUnsupported", err)
	}
}

func TestErrorTypeCheckers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"validation", NewValidationError("f", 1, "bad"), IsValidationError, true},
		{"validation wrapped", fmt.Errorf("ctx: %w", NewValidationError("f", 1, "bad")), IsValidationError, true},
		{"block", &BlockError{Err: ErrTagMismatch}, IsBlockError, true},
		{"io", NewIOError("read", "", 0, errors.New("x")), IsIOError, true},
		{"corruption", NewCorruptionError("", "m", ErrHeaderCorrupt), IsCorruptionError, true},
		{"auth", NewAuthenticationError(""), IsAuthenticationError, true},
		{"state", &StateError{}, IsStateError, true},
		{"plain error", errors.New("x"), IsIOError, false},
		{"nil", nil, IsValidationError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

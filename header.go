package pqvolume

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"
)

// VolumeHeader layout (version 1, little-endian, 4096 bytes):
//
//	0x0000   8  magic "PQVOLHDR"
//	0x0008   4  format version
//	0x000C  32  cipher identifier, zero padded
//	0x0030  32  KDF identifier, zero padded
//	0x0050  16  salt
//	0x0060  12  KDF params: memory KiB, iterations, parallelism
//	0x00A0 1568 KEM public key
//	0x06E0 1568 KEM ciphertext
//	0x0D00  48  wrapped master key (ciphertext + tag)
//	0x0D30  32  header tag
//	0x0D50      reserved, zero to 0x1000
//
// Every byte not covered by a field must be zero.
const (
	// HeaderSize is the fixed size of a version 1 header
	HeaderSize = 4096

	// HeaderMagic identifies a volume header
	HeaderMagic = "PQVOLHDR"

	// HeaderVersion is the current format version
	HeaderVersion = uint32(1)

	offMagic      = 0x0000
	offVersion    = 0x0008
	offCipher     = 0x000C
	offKDF        = 0x0030
	offSalt       = 0x0050
	offParams     = 0x0060
	offPublicKey  = 0x00A0
	offCiphertext = 0x06E0
	offWrappedKey = 0x0D00
	offTag        = 0x0D30
	offReserved   = 0x0D50

	identifierSize = 32
	paramsSize     = 12
)

// zeroRanges are the byte ranges of a header that must be zero.
var zeroRanges = [][2]int{
	{offParams + paramsSize, offPublicKey},
	{offPublicKey + KEMPublicKeySize, offCiphertext},
	{offReserved, HeaderSize},
}

// VolumeHeader is a decoded, authenticated volume header
type VolumeHeader struct {
	Version    uint32
	Cipher     CipherSuite
	Salt       [SaltSize]byte
	Params     KDFParams
	PublicKey  [KEMPublicKeySize]byte
	Ciphertext [KEMCiphertextSize]byte
	WrappedKey [WrappedKeySize]byte
	Tag        [MACSize]byte
}

// HeaderInfo holds the header fields that can be read without the
// passphrase. They are not authenticated.
type HeaderInfo struct {
	Version uint32
	Cipher  CipherSuite
	KDF     string
	Salt    [SaltSize]byte
	Params  KDFParams
}

// marshal lays out every field, including the current Tag, without
// computing anything.
func (h *VolumeHeader) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offMagic:], HeaderMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	copy(buf[offCipher:offCipher+identifierSize], h.Cipher.String())
	copy(buf[offKDF:offKDF+identifierSize], KDFName)
	copy(buf[offSalt:], h.Salt[:])
	binary.LittleEndian.PutUint32(buf[offParams:], h.Params.MemoryKiB)
	binary.LittleEndian.PutUint32(buf[offParams+4:], h.Params.Iterations)
	binary.LittleEndian.PutUint32(buf[offParams+8:], h.Params.Parallelism)
	copy(buf[offPublicKey:], h.PublicKey[:])
	copy(buf[offCiphertext:], h.Ciphertext[:])
	copy(buf[offWrappedKey:], h.WrappedKey[:])
	copy(buf[offTag:], h.Tag[:])
	return buf
}

// wrapAD returns the associated data that binds the wrapped master key to
// every field in front of it.
func (h *VolumeHeader) wrapAD() []byte {
	return h.marshal()[:offWrappedKey]
}

// EncodeHeader serializes h, computes its tag under tagKey and stores the
// tag both in the output and in h.Tag.
func EncodeHeader(h *VolumeHeader, tagKey []byte) ([]byte, error) {
	if h == nil {
		return nil, NewValidationError("header", nil, "header cannot be nil")
	}
	if h.Version != HeaderVersion {
		return nil, &versionError{version: h.Version}
	}
	if _, err := parseCipherSuite(h.Cipher.String()); err != nil {
		return nil, err
	}
	if err := h.Params.Validate(); err != nil {
		return nil, err
	}

	buf := h.marshal()
	tag, err := headerTag(tagKey, buf)
	if err != nil {
		return nil, err
	}
	copy(buf[offTag:], tag[:])
	h.Tag = tag
	return buf, nil
}

// PeekHeader checks magic, version and identifiers and returns the public
// fields. It does not authenticate anything.
func PeekHeader(buf []byte) (*HeaderInfo, error) {
	if err := checkHeaderLen(buf); err != nil {
		return nil, NewCorruptionError("", "wrong header length", fmt.Errorf("%w: %w", ErrHeaderCorrupt, err))
	}
	if !bytes.Equal(buf[offMagic:offMagic+len(HeaderMagic)], []byte(HeaderMagic)) {
		return nil, NewCorruptionError("", "bad magic", ErrHeaderCorrupt)
	}

	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != HeaderVersion {
		return nil, NewCorruptionError("", "unknown format version", &versionError{version: version})
	}

	cipherID, err := parseIdentifier(buf[offCipher : offCipher+identifierSize])
	if err != nil {
		return nil, NewCorruptionError("", "malformed cipher identifier", ErrHeaderCorrupt)
	}
	suite, err := parseCipherSuite(cipherID)
	if err != nil {
		return nil, NewCorruptionError("", fmt.Sprintf("cipher %q", cipherID), fmt.Errorf("%w: %w", ErrHeaderCorrupt, err))
	}

	kdfID, err := parseIdentifier(buf[offKDF : offKDF+identifierSize])
	if err != nil {
		return nil, NewCorruptionError("", "malformed KDF identifier", ErrHeaderCorrupt)
	}
	if kdfID != KDFName {
		return nil, NewCorruptionError("", fmt.Sprintf("kdf %q", kdfID), fmt.Errorf("%w: %w", ErrHeaderCorrupt, ErrUnsupportedKDF))
	}

	info := &HeaderInfo{
		Version: version,
		Cipher:  suite,
		KDF:     kdfID,
		Params: KDFParams{
			MemoryKiB:   binary.LittleEndian.Uint32(buf[offParams:]),
			Iterations:  binary.LittleEndian.Uint32(buf[offParams+4:]),
			Parallelism: binary.LittleEndian.Uint32(buf[offParams+8:]),
		},
	}
	copy(info.Salt[:], buf[offSalt:offSalt+SaltSize])

	if err := info.Params.Validate(); err != nil {
		return nil, NewCorruptionError("", "KDF parameters out of range", fmt.Errorf("%w: %w", ErrHeaderCorrupt, err))
	}
	return info, nil
}

// DecodeHeader verifies and parses a header. Magic, version, identifiers
// and the tag are all checked before any field is returned; any mismatch
// yields an error matching ErrHeaderCorrupt.
func DecodeHeader(buf []byte, tagKey []byte) (*VolumeHeader, error) {
	info, err := PeekHeader(buf)
	if err != nil {
		return nil, err
	}

	want, err := headerTag(tagKey, buf)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(want[:], buf[offTag:offTag+MACSize]) != 1 {
		return nil, NewCorruptionError("", "header tag mismatch", ErrHeaderCorrupt)
	}
	for _, r := range zeroRanges {
		if !allZero(buf[r[0]:r[1]]) {
			return nil, NewCorruptionError("", "reserved bytes not zero", ErrHeaderCorrupt)
		}
	}

	h := &VolumeHeader{
		Version: info.Version,
		Cipher:  info.Cipher,
		Salt:    info.Salt,
		Params:  info.Params,
	}
	copy(h.PublicKey[:], buf[offPublicKey:])
	copy(h.Ciphertext[:], buf[offCiphertext:])
	copy(h.WrappedKey[:], buf[offWrappedKey:])
	copy(h.Tag[:], buf[offTag:])
	return h, nil
}

// headerTag computes the BLAKE3 keyed tag over every header byte except
// the tag field.
func headerTag(tagKey, buf []byte) ([MACSize]byte, error) {
	var tag [MACSize]byte
	h, err := blake3.NewKeyed(tagKey)
	if err != nil {
		return tag, fmt.Errorf("failed to create header MAC: %w", err)
	}
	h.Write(buf[:offTag])
	h.Write(buf[offTag+MACSize:])
	h.Sum(tag[:0])
	return tag, nil
}

// checkHeaderLen requires exactly HeaderSize bytes
func checkHeaderLen(buf []byte) error {
	if err := ValidateBuffer(buf, "header", HeaderSize); err != nil {
		return err
	}
	if len(buf) > HeaderSize {
		return NewValidationError("header", len(buf), fmt.Sprintf("header must be %d bytes, got %d", HeaderSize, len(buf)))
	}
	return nil
}

// maskHeader XORs every byte except the salt with a keystream derived from
// maskKey. Applying it twice restores the input. Masked headers look like
// random data to anyone without the passphrase.
func maskHeader(buf, maskKey []byte) error {
	if err := checkHeaderLen(buf); err != nil {
		return err
	}
	stream, err := chacha20.NewUnauthenticatedCipher(maskKey, buf[offSalt:offSalt+chacha20.NonceSize])
	if err != nil {
		return fmt.Errorf("failed to create header mask: %w", err)
	}
	stream.XORKeyStream(buf[:offSalt], buf[:offSalt])
	stream.XORKeyStream(buf[offSalt+SaltSize:], buf[offSalt+SaltSize:])
	return nil
}

// parseIdentifier reads a zero-padded ASCII identifier.
func parseIdentifier(field []byte) (string, error) {
	n := bytes.IndexByte(field, 0)
	if n < 0 {
		n = len(field)
	}
	if n == 0 || !allZero(field[n:]) {
		return "", ErrHeaderCorrupt
	}
	return string(field[:n]), nil
}

func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}

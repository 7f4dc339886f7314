// Package pqvolume provides a post-quantum encrypted volume engine for
// disk images and vault containers, with an optional hidden volume layer
// for plausible deniability.
//
// # Overview
//
// A volume is a single file or block device. It starts with a fixed 4 KiB
// header followed by sealed data blocks. Callers get a block-device-like
// interface: ReadBlock/WriteBlock by index, or ReadAt/WriteAt by byte
// offset through io.ReaderAt and io.WriterAt.
//
// # Key Hierarchy
//
//	passphrase ──Argon2id(salt, params)──▶ secret (32 bytes)
//	secret ──BLAKE3 DeriveKey──▶ header tag key, ML-KEM-1024 seed, header mask key
//	ML-KEM-1024 shared secret ──ChaCha20-Poly1305──▶ wraps the master key
//	master key ──HKDF-SHA256──▶ block key, MAC key, nonce key
//
// The KEM secret key is never stored. It is regenerated from the passphrase
// at every unlock. Changing the passphrase rewrites only the header; the
// master key and every data block stay the same.
//
// # Basic Usage
//
//	fs, _ := memfs.NewFS()
//	engine, err := pqvolume.NewEngine(fs, nil)
//	if err != nil {
//	    panic(err)
//	}
//
//	vol, err := engine.Create(ctx, "/vault.img", 64<<20, []byte("passphrase"), pqvolume.ProfileMedium)
//	if err != nil {
//	    panic(err)
//	}
//	defer vol.Close()
//
//	block := make([]byte, pqvolume.BlockSize)
//	copy(block, "hello")
//	vol.WriteBlock(0, block)
//
// # Hidden Volumes
//
// HiddenLayer reserves a window of free outer blocks and formats a second
// volume inside it. Its header is masked with a keystream derived from its
// own passphrase, so without that passphrase the window reads as random
// ciphertext. The outer allocation map marks the window reserved and the
// outer volume refuses to read or write it.
//
// # Security Considerations
//
// Protected Against:
//   - Offline access to the volume without the passphrase
//   - Tampering with any block (per-block AEAD tag)
//   - Moving or rolling back blocks (whole-volume MAC, see VerifyIntegrity)
//   - Harvest-now-decrypt-later attacks on the key wrap (ML-KEM-1024)
//
// Not Protected Against:
//   - Memory dumps of a running process with an open volume
//   - An observer who can compare snapshots of the device over time
//   - Anyone holding the outer passphrase learning that a hidden window exists
//
// # Errors
//
// Wrong passphrases return an *AuthenticationError matching
// ErrWrongPassphrase. Headers that fail to parse or authenticate match
// ErrHeaderCorrupt. A tampered block returns a *BlockError matching
// ErrTagMismatch and leaves the rest of the volume readable.
package pqvolume

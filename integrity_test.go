package pqvolume

import (
	"bytes"
	"testing"
)

func TestMAC(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)

	a, err := MAC(key, []byte("data"))
	if err != nil {
		t.Fatalf("MAC failed: %v", err)
	}
	b, _ := MAC(key, []byte("data"))
	if a != b {
		t.Error("MAC is not deterministic")
	}
	if c, _ := MAC(key, []byte("Data")); c == a {
		t.Error("different data gave the same MAC")
	}
	if d, _ := MAC(bytes.Repeat([]byte{0x12}, KeySize), []byte("data")); d == a {
		t.Error("different key gave the same MAC")
	}

	if _, err := MAC([]byte("short"), []byte("data")); err == nil {
		t.Error("MAC accepted a short key")
	}
}

func TestDeriveSubkeySeparation(t *testing.T) {
	secret := bytes.Repeat([]byte{0x33}, SecretSize)

	tag := deriveSubkey(contextHeaderTag, secret, KeySize)
	mask := deriveSubkey(contextHeaderMask, secret, KeySize)
	seed := deriveSubkey(contextKEMSeed, secret, KEMSeedSize)

	if bytes.Equal(tag, mask) || bytes.Equal(tag, seed[:KeySize]) || bytes.Equal(mask, seed[:KeySize]) {
		t.Error("subkeys for different purposes collide")
	}
	if len(seed) != KEMSeedSize {
		t.Errorf("seed length = %d, want %d", len(seed), KEMSeedSize)
	}
	if !bytes.Equal(tag, deriveSubkey(contextHeaderTag, secret, KeySize)) {
		t.Error("deriveSubkey is not deterministic")
	}
}

func TestVolumeMACXor(t *testing.T) {
	key := bytes.Repeat([]byte{0x44}, KeySize)
	nonce := make([]byte, NonceSize)
	tag := make([]byte, TagSize)

	var m volumeMAC
	contribs := make([][MACSize]byte, 4)
	for i := range contribs {
		c, err := slotMAC(key, uint64(i), nonce, tag)
		if err != nil {
			t.Fatalf("slotMAC failed: %v", err)
		}
		contribs[i] = c
		m.xor(c)
	}

	// Removing and re-adding a slot restores the accumulator
	snapshot := m
	m.xor(contribs[2])
	if m.equal(snapshot) {
		t.Error("removing a slot did not change the MAC")
	}
	m.xor(contribs[2])
	if !m.equal(snapshot) {
		t.Error("re-adding a slot did not restore the MAC")
	}

	// Slot index is bound into the contribution
	if contribs[0] == contribs[1] {
		t.Error("identical nonce and tag in different slots gave the same contribution")
	}
}

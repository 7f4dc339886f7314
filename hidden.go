package pqvolume

import (
	"context"
	"crypto/rand"

	"github.com/sirupsen/logrus"
)

// HiddenLayer places independently keyed volumes inside free blocks of an
// outer volume. Each hidden volume occupies one contiguous window of outer
// slots that the outer allocation map marks reserved, so outer writes can
// never land on it.
//
// A hidden header is masked: without its passphrase the window is
// indistinguishable from the random-looking ciphertext around it.
type HiddenLayer struct {
	outer *Volume
}

// NewHiddenLayer returns a hidden-volume layer over an open outer volume
func NewHiddenLayer(outer *Volume) *HiddenLayer {
	return &HiddenLayer{outer: outer}
}

// CreateHidden reserves the highest free run of outer blocks large enough
// for size bytes of hidden capacity and formats a hidden volume there. The
// hidden volume uses the outer volume's KDF parameters with its own salt
// and master key. It is returned open and is closed with the outer volume.
func (h *HiddenLayer) CreateHidden(ctx context.Context, passphrase []byte, size int64) (*Volume, error) {
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}
	o := h.outer
	if size > o.Size() {
		blocks := uint64(size / BlockSize)
		if size%BlockSize != 0 {
			blocks++
		}
		return nil, &InsufficientSpaceError{Requested: blocks, Largest: o.largestFreeRun()}
	}
	k, err := windowSlotsFor(size)
	if err != nil {
		return nil, err
	}

	start, params, err := o.reserveWindow(k)
	if err != nil {
		return nil, err
	}

	dev := newSectionDevice(o.dev, o.geo.slotOffset(start), int64(k)*SlotSize)
	geo, err := newGeometry(dev.Size())
	if err != nil {
		o.releaseWindow(start, k)
		return nil, err
	}

	hv, err := o.engine.format(ctx, dev, geo, o.path, passphrase, params, true)
	if err != nil {
		if rerr := o.releaseWindow(start, k); rerr != nil {
			o.log.WithError(rerr).Error("failed to release hidden window")
		}
		return nil, err
	}

	o.addChild(hv)
	o.metrics.hiddenCreated()
	hv.log.WithFields(logrus.Fields{
		"blocks": geo.userBlocks,
		"window": k,
	}).Info("hidden volume created")
	return hv, nil
}

// UnlockHidden tries passphrase against every reserved window. A window
// without a hidden volume and a hidden volume under a different
// passphrase both fail the same way, with ErrWrongPassphrase.
func (h *HiddenLayer) UnlockHidden(ctx context.Context, passphrase []byte) (*Volume, error) {
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}

	o := h.outer
	o.mu.RLock()
	if o.state != StateOpen {
		st := o.state
		o.mu.RUnlock()
		return nil, &StateError{Operation: "unlock hidden", State: st}
	}
	runs := o.alloc.ReservedRuns()
	params := o.hdr.Params
	o.mu.RUnlock()

	if len(runs) == 0 {
		// Pay for a primary and a staging attempt, as a real window would.
		if err := o.decoyUnlock(ctx, passphrase, params); err != nil {
			return nil, err
		}
		return nil, NewAuthenticationError(o.path)
	}

	for _, r := range runs {
		dev := newSectionDevice(o.dev, o.geo.slotOffset(r.Start), int64(r.Count)*SlotSize)
		geo, err := newGeometry(dev.Size())
		if err != nil {
			continue
		}
		hv, err := o.engine.openVolume(ctx, dev, geo, o.path, passphrase, true, params)
		if err == nil {
			o.addChild(hv)
			hv.log.Info("hidden volume opened")
			return hv, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsAuthenticationError(err) {
			return nil, err
		}
	}
	return nil, NewAuthenticationError(o.path)
}

// ReservedRanges lists the outer block ranges held by hidden volumes
func (h *HiddenLayer) ReservedRanges() []BlockRange {
	o := h.outer
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.alloc == nil {
		return nil
	}
	return o.alloc.ReservedRuns()
}

// FreeBlocks returns the number of outer blocks neither used nor reserved
func (h *HiddenLayer) FreeBlocks() uint64 {
	o := h.outer
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.alloc == nil {
		return 0
	}
	return o.alloc.CountState(BlockFree, o.geo.userBlocks)
}

// reserveWindow marks the highest free run of k user slots reserved,
// removes them from the volume MAC and persists the map. It returns the
// run start and the KDF parameters nested volumes must use.
func (v *Volume) reserveWindow(k uint64) (uint64, KDFParams, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateOpen {
		return 0, KDFParams{}, &StateError{Operation: "create hidden", State: v.state}
	}
	start, ok, largest := v.alloc.FindFreeRun(k, v.geo.userBlocks)
	if !ok {
		return 0, KDFParams{}, &InsufficientSpaceError{Requested: k, Largest: largest}
	}

	for s := start; s < start+k; s++ {
		contrib, err := v.slotContribution(s)
		if err != nil {
			return 0, KDFParams{}, err
		}
		v.mac.xor(contrib)
	}
	v.macDirty = true
	v.alloc.Reserve(start, k)
	v.mapDirty = true

	if err := v.flushLocked(); err != nil {
		return 0, KDFParams{}, err
	}
	if err := v.dev.Sync(); err != nil {
		return 0, KDFParams{}, err
	}
	v.log.WithFields(logrus.Fields{"start": start, "count": k}).Debug("reserved hidden window")
	return start, v.hdr.Params, nil
}

// largestFreeRun returns the longest run of free user blocks.
func (v *Volume) largestFreeRun() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.alloc == nil {
		return 0
	}
	_, _, largest := v.alloc.FindFreeRun(v.geo.userBlocks+1, v.geo.userBlocks)
	return largest
}

// releaseWindow returns a reserved window to the free pool after a failed
// hidden format. Each slot is resealed as a zero block and counted back
// into the volume MAC.
func (v *Volume) releaseWindow(start, k uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateOpen {
		return &StateError{Operation: "release hidden window", State: v.state}
	}
	zero := make([]byte, BlockSize)
	for s := start; s < start+k; s++ {
		if err := v.sealSlot(s, zero, false); err != nil {
			return err
		}
		v.alloc.Set(s, BlockFree)
	}
	v.mapDirty = true
	if err := v.flushLocked(); err != nil {
		return err
	}
	return v.dev.Sync()
}

// decoyUnlock spends the KDF cost of one window that fails to open.
func (v *Volume) decoyUnlock(ctx context.Context, passphrase []byte, params KDFParams) error {
	salt := make([]byte, SaltSize)
	for i := 0; i < 2; i++ {
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		secret, err := v.engine.deriveSecret(ctx, passphrase, salt, params)
		if err != nil {
			return err
		}
		wipe(secret)
	}
	return nil
}

package pqvolume

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCreateRestore(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	ctx := context.Background()

	v := newTestVolume(t, e)
	original := fillBlock(0x0F)
	require.NoError(t, v.WriteBlock(7, original))
	require.NoError(t, v.Close())

	snaps := e.Snapshots()
	info, err := snaps.Create(ctx, testVolumePath, "before upgrade")
	require.NoError(t, err)
	assert.Equal(t, int64(testVolumeSize), info.Size)
	assert.Equal(t, testVolumePath, info.VolumePath)
	assert.Equal(t, "before upgrade", info.Description)
	assert.Len(t, info.Checksum, 64)

	v = reopen(t, e, testPassphrase)
	require.NoError(t, v.WriteBlock(7, fillBlock(0xF0)))
	require.NoError(t, v.Close())

	require.NoError(t, snaps.Restore(ctx, info.ID, testVolumePath))

	v = reopen(t, e, testPassphrase)
	got, err := v.ReadBlock(7)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, original), "restore did not bring back the old block")
	assert.NoError(t, v.VerifyIntegrity())
}

func TestSnapshotList(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	ctx := context.Background()
	newTestVolume(t, e).Close()

	snaps := NewSnapshotManager(fs, "/backups", e.Config())
	list, err := snaps.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	first, err := snaps.Create(ctx, testVolumePath, "first")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := snaps.Create(ctx, testVolumePath, "second")
	require.NoError(t, err)

	list, err = snaps.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, first.Checksum, second.Checksum, "an unchanged volume has a stable checksum")
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	ctx := context.Background()
	newTestVolume(t, e).Close()

	snaps := e.Snapshots()
	info, err := snaps.Create(ctx, testVolumePath, "")
	require.NoError(t, err)

	before := readRaw(t, fs, testVolumePath, 0, HeaderSize)
	flipBit(t, fs, snaps.snapshotPath(info.ID), 5000, 2)

	err = snaps.Restore(ctx, info.ID, testVolumePath)
	require.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.True(t, IsCorruptionError(err))

	// The target was not touched
	assert.Equal(t, before, readRaw(t, fs, testVolumePath, 0, HeaderSize))
}

func TestSnapshotDelete(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)
	ctx := context.Background()
	newTestVolume(t, e).Close()

	snaps := e.Snapshots()
	info, err := snaps.Create(ctx, testVolumePath, "")
	require.NoError(t, err)
	require.NoError(t, snaps.Delete(ctx, info.ID))

	list, err := snaps.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = fs.Stat(snaps.snapshotPath(info.ID))
	assert.Error(t, err, "snapshot file still exists")

	assert.ErrorIs(t, snaps.Delete(ctx, info.ID), ErrSnapshotNotFound)
	assert.ErrorIs(t, snaps.Restore(ctx, "no-such-id", testVolumePath), ErrSnapshotNotFound)
}

func TestSnapshotMissingVolume(t *testing.T) {
	fs := setupTestFS(t)
	e := newTestEngine(t, fs)

	_, err := e.Snapshots().Create(context.Background(), "/absent.img", "")
	assert.ErrorIs(t, err, ErrIO)

	list, err := e.Snapshots().List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/purevisor/purevisor/storage"
)

// TestBlockRoundTrip is spec.md's S2 scenario: a 16 MiB pool on a RAM-backed
// device, a 4 MiB thin volume, a write/read round trip.
func TestBlockRoundTrip(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(16*1024*1024)))

	vol, err := pool.CreateVolume("v0", 4*1024*1024, storage.ReplicationNone, true)
	require.NoError(t, err)

	freeBefore, _, _ := pool.Counts()

	msg := []byte("PureVisor Storage Test!\x00")
	n, err := vol.WriteAt(msg, 0)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	n, err = vol.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, buf)

	require.Equal(t, 1, vol.AllocatedExtents())

	freeAfter, allocated, _ := pool.Counts()
	require.Equal(t, freeBefore-1, freeAfter)
	require.Equal(t, 1, allocated)
}

// TestPoolExtentAccounting is spec.md §8 property 4: free+allocated+reserved
// equals the total extent count, for every pool in Online state.
func TestPoolExtentAccounting(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(32*1024*1024)))
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(32*1024*1024)))

	vol, err := pool.CreateVolume("v0", 12*1024*1024, storage.ReplicationNone, false)
	require.NoError(t, err)
	require.Equal(t, 3, vol.AllocatedExtents())

	free, allocated, reserved := pool.Counts()
	require.Equal(t, pool.Total(), free+allocated+reserved)
	require.Equal(t, 3, allocated)
}

func TestThickVolumeAllocatesEagerly(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(16*1024*1024)))

	vol, err := pool.CreateVolume("thick", 8*1024*1024, storage.ReplicationNone, false)
	require.NoError(t, err)
	require.Equal(t, 2, vol.AllocatedExtents())
}

func TestReplicatedAllocationUsesDistinctDevices(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(8*1024*1024)))
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(8*1024*1024)))

	vol, err := pool.CreateVolume("mirrored", 4*1024*1024, storage.ReplicationMirror, false)
	require.NoError(t, err)

	// One primary + one replica per extent; pool has 2 extents per device
	// (8 MiB / 4 MiB), so the single data extent plus its single replica
	// take one extent on each device, leaving 2 of the 4 free.
	free, allocated, _ := pool.Counts()
	require.Equal(t, 2, allocated)
	require.Equal(t, pool.Total()-2, free)
	_ = vol
}

func TestReplicationImpossibleWhenNotEnoughDevices(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(8*1024*1024)))

	_, err := pool.CreateVolume("mirrored", 4*1024*1024, storage.ReplicationMirror, false)
	require.Error(t, err)
}

func TestSnapshotCopyOnWrite(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	require.NoError(t, pool.AddDevice(storage.NewRAMDevice(16*1024*1024)))

	vol, err := pool.CreateVolume("v0", 4*1024*1024, storage.ReplicationNone, true)
	require.NoError(t, err)

	original := []byte("original contents")
	_, err = vol.WriteAt(original, 0)
	require.NoError(t, err)

	snap, err := vol.Snapshot("v0-snap")
	require.NoError(t, err)

	// Writing to the source after the snapshot must not mutate the
	// snapshot's view (copy-on-write, not shared mutation).
	_, err = vol.WriteAt([]byte("mutated contents!!"), 0)
	require.NoError(t, err)

	buf := make([]byte, len(original))
	_, err = snap.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, original, buf)
}

func TestCreateVolumeOnOfflinePoolFails(t *testing.T) {
	t.Parallel()

	pool := storage.NewPool("pool0", storage.DefaultExtentSize)
	_, err := pool.CreateVolume("v0", 4*1024*1024, storage.ReplicationNone, true)
	require.Error(t, err)
}

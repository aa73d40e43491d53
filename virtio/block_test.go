package virtio_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/virtio"
	"github.com/purevisor/purevisor/virtqueue"
)

type mockInjector struct {
	mu     sync.Mutex
	called int
	vcpu   int
	vector uint8
}

func (m *mockInjector) Inject(vcpu int, vector uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.called++
	m.vcpu = vcpu
	m.vector = vector
}

type ramBackend struct {
	mu    sync.Mutex
	bytes []byte
}

func newRAMBackend(size int) *ramBackend { return &ramBackend{bytes: make([]byte, size)} }

func (r *ramBackend) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return copy(p, r.bytes[off:]), nil
}

func (r *ramBackend) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return copy(r.bytes[off:], p), nil
}

func (r *ramBackend) Flush() error { return nil }
func (r *ramBackend) Size() int64  { return int64(len(r.bytes)) }

// writeDescriptor encodes one descriptor table entry directly into mem,
// standing in for what a guest driver would write.
func writeDescriptor(mem []byte, descOff uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := descOff + uint64(idx)*virtqueue.DescriptorSize
	binary.LittleEndian.PutUint64(mem[off:off+8], addr)
	binary.LittleEndian.PutUint32(mem[off+8:off+12], length)
	binary.LittleEndian.PutUint16(mem[off+12:off+14], flags)
	binary.LittleEndian.PutUint16(mem[off+14:off+16], next)
}

func postAvail(mem []byte, availOff uint64, slot uint16, head uint16) {
	ringOff := availOff + 4 + uint64(slot)*2
	binary.LittleEndian.PutUint16(mem[ringOff:ringOff+2], head)
	binary.LittleEndian.PutUint16(mem[availOff+2:availOff+4], slot+1)
}

// setupQueue negotiates queue sel onto a fresh page of mem at pageAddr and
// returns the {desc, avail, used} offsets a test can write descriptors
// into, driving the device exactly the way a guest would: select, then
// queue-PFN.
func setupQueue(dev interface {
	IOOutHandler(addr uint64, data []byte) error
}, mem []byte, sel uint16, pageAddr uint64, size uint16) (descOff, availOff, usedOff uint64) {
	selBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(selBuf, sel)
	_ = dev.IOOutHandler(14, selBuf)

	pfnBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(pfnBuf, uint32(pageAddr/4096))
	_ = dev.IOOutHandler(8, pfnBuf)

	return virtqueue.Layout(pageAddr, size)
}

func blkHeaderBytes(reqType uint32, sector uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], reqType)
	binary.LittleEndian.PutUint64(b[8:16], sector)

	return b
}

func TestBlockWriteThenRead(t *testing.T) {
	t.Parallel()

	const pageAddr = 4096

	mem := make([]byte, 1<<20)
	inj := &mockInjector{}
	backend := newRAMBackend(1 << 16)

	dev := virtio.NewBlock(mem, inj, 0, 5, backend, "disk0")

	descOff, availOff, _ := setupQueue(dev, mem, 0, pageAddr, 256)

	// Chain: [hdr (RO)] -> [data (RO), 512 bytes] -> [status (WO), 1 byte].
	const hdrAddr = 0x20000
	const dataAddr = 0x21000
	const statusAddr = 0x22000

	copy(mem[hdrAddr:], blkHeaderBytes(virtio.BlkOut, 0))
	copy(mem[dataAddr:], []byte("hello, block device"))

	writeDescriptor(mem, descOff, 0, hdrAddr, 16, virtqueue.FlagNext, 1)
	writeDescriptor(mem, descOff, 1, dataAddr, 512, virtqueue.FlagNext, 2)
	writeDescriptor(mem, descOff, 2, statusAddr, 1, virtqueue.FlagWrite, 0)
	postAvail(mem, availOff, 0, 0)

	notifyBuf := make([]byte, 2)
	require.NoError(t, dev.IOOutHandler(16, notifyBuf)) // queue-notify, sel 0

	require.Equal(t, byte(0), mem[statusAddr], "status should be OK")
	require.Equal(t, 1, inj.called)

	// Now issue a BlkIn reading the same sector back into a second buffer.
	const hdrAddr2 = 0x23000
	const dataAddr2 = 0x24000
	const statusAddr2 = 0x25000

	copy(mem[hdrAddr2:], blkHeaderBytes(virtio.BlkIn, 0))

	writeDescriptor(mem, descOff, 3, hdrAddr2, 16, virtqueue.FlagNext, 4)
	writeDescriptor(mem, descOff, 4, dataAddr2, 512, virtqueue.FlagNext|virtqueue.FlagWrite, 5)
	writeDescriptor(mem, descOff, 5, statusAddr2, 1, virtqueue.FlagWrite, 0)
	postAvail(mem, availOff, 1, 3)

	require.NoError(t, dev.IOOutHandler(16, notifyBuf))

	require.Equal(t, byte(0), mem[statusAddr2])
	require.Equal(t, "hello, block device", string(mem[dataAddr2:dataAddr2+len("hello, block device")]))
}

func TestBlockGetID(t *testing.T) {
	t.Parallel()

	const pageAddr = 4096

	mem := make([]byte, 1<<20)
	inj := &mockInjector{}
	backend := newRAMBackend(1 << 16)

	dev := virtio.NewBlock(mem, inj, 0, 5, backend, "my-volume")

	descOff, availOff, _ := setupQueue(dev, mem, 0, pageAddr, 256)

	const hdrAddr = 0x20000
	const dataAddr = 0x21000
	const statusAddr = 0x22000

	copy(mem[hdrAddr:], blkHeaderBytes(virtio.BlkGetID, 0))

	writeDescriptor(mem, descOff, 0, hdrAddr, 16, virtqueue.FlagNext, 1)
	writeDescriptor(mem, descOff, 1, dataAddr, 20, virtqueue.FlagNext|virtqueue.FlagWrite, 2)
	writeDescriptor(mem, descOff, 2, statusAddr, 1, virtqueue.FlagWrite, 0)
	postAvail(mem, availOff, 0, 0)

	notifyBuf := make([]byte, 2)
	require.NoError(t, dev.IOOutHandler(16, notifyBuf))

	require.Equal(t, byte(0), mem[statusAddr])

	got := string(mem[dataAddr:dataAddr+9])
	require.Equal(t, "my-volume", got)
}

func TestBlockConfigReportsCapacityInSectors(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 1<<16)
	backend := newRAMBackend(512 * 100)
	dev := virtio.NewBlock(mem, &mockInjector{}, 0, 5, backend, "x")

	buf := make([]byte, 8)
	require.NoError(t, dev.IOInHandler(20, buf)) // device-config offset 0

	require.Equal(t, uint64(100), binary.LittleEndian.Uint64(buf))
}

func TestBlockStatusNegotiationRejectsSkippedStep(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	dev := virtio.NewBlock(mem, &mockInjector{}, 0, 5, newRAMBackend(4096), "x")

	// Skipping straight to FeaturesOK without Acknowledge/Driver first.
	err := dev.IOOutHandler(18, []byte{virtio.StatusAcknowledge | virtio.StatusDriver | virtio.StatusFeaturesOK})
	require.Error(t, err)
}

func TestBlockCyclicChainMarksNeedsReset(t *testing.T) {
	t.Parallel()

	const pageAddr = 4096

	mem := make([]byte, 1<<20)
	dev := virtio.NewBlock(mem, &mockInjector{}, 0, 5, newRAMBackend(1<<16), "disk0")

	descOff, availOff, _ := setupQueue(dev, mem, 0, pageAddr, 256)

	// Descriptor 0 points back to itself: a cyclic chain.
	writeDescriptor(mem, descOff, 0, 0, 16, virtqueue.FlagNext, 0)
	postAvail(mem, availOff, 0, 0)

	notifyBuf := make([]byte, 2)
	require.NoError(t, dev.IOOutHandler(16, notifyBuf))

	require.True(t, dev.Status()&virtio.StatusNeedsReset != 0, "status should carry the reset bit")

	// Further kicks are ignored while isolated.
	postAvail(mem, availOff, 1, 0)
	require.NoError(t, dev.IOOutHandler(16, notifyBuf))
	require.True(t, dev.Status()&virtio.StatusNeedsReset != 0)

	// Only a reset-to-zero status write clears isolation.
	require.NoError(t, dev.IOOutHandler(18, []byte{0}))
	require.Equal(t, uint8(0), dev.Status())
}

var _ hostctx.InterruptInjector = (*mockInjector)(nil)

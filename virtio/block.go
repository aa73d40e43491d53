package virtio

import (
	"encoding/binary"

	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/pci"
	"github.com/purevisor/purevisor/virtqueue"
)

// virtio-blk PCI identity, per the virtio device ID registry.
const (
	blkVendorID    = 0x1AF4
	blkDeviceID    = 0x1001
	blkSubsystemID = 2 // block device
)

// GetDeviceHeader implements pci.Device.
func (b *Block) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:      blkVendorID,
		DeviceID:      blkDeviceID,
		SubsystemID:   blkSubsystemID,
		Command:       1, // I/O space enable
		BAR:           [6]uint32{uint32(b.Device.base) | 0x1},
		InterruptPin:  1,
		InterruptLine: b.Device.IRQLine,
	}
}

// BlockBackend is the storage trait a virtio-blk device drains requests
// into; storage.Volume satisfies this, but a RAM-backed stub works for
// tests that don't need the full extent pool.
type BlockBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Size() int64
}

// Request types recognized in a virtio-blk request header, per spec.md
// §4.5.1.
const (
	BlkIn         uint32 = 0
	BlkOut        uint32 = 1
	BlkFlush      uint32 = 4
	BlkGetID      uint32 = 8
	BlkDiscard    uint32 = 11
	BlkWriteZeros uint32 = 13
)

const blkQueueSize = 256

// Block is a virtio-blk device: one request queue, a backend, and the
// common legacy config-space state embedded from Device.
//
// Grounded on the teacher's virtio/blk.go (Blk struct, blkHdr request
// header, IOInHandler/IOOutHandler queue wiring), generalized from a
// single fixed-size RAM-backed image into any BlockBackend (so a storage
// volume can sit behind the same device) and from the teacher's implicit
// single in-flight request model into a full avail-ring drain per notify.
type Block struct {
	*Device
	backend BlockBackend
	id      string
}

// NewBlock creates a virtio-blk device backed by backend, presenting id
// (up to 20 bytes) to BlkGetID requests.
func NewBlock(mem []byte, inject hostctx.InterruptInjector, vcpu int, irqLine uint8, backend BlockBackend, id string) *Block {
	b := &Block{
		Device:  NewDevice(mem, inject, vcpu, irqLine, []uint16{blkQueueSize}),
		backend: backend,
		id:      id,
	}

	b.Device.DeviceConfigIn = b.configIn
	b.Device.Notify = b.notify

	return b
}

func (b *Block) configIn(off int, data []byte) {
	// Device-specific config: capacity in 512-byte sectors, little-endian
	// uint64 at offset 0.
	if off != 0 {
		return
	}

	sectors := uint64(b.backend.Size()) / 512
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, sectors)
	copy(data, buf)
}

// blkHeader is the 16-byte request header a driver writes into the first
// descriptor of each chain, matching the teacher's blkHdr layout.
type blkHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

func decodeBlkHeader(b []byte) blkHeader {
	return blkHeader{
		Type:     binary.LittleEndian.Uint32(b[0:4]),
		Reserved: binary.LittleEndian.Uint32(b[4:8]),
		Sector:   binary.LittleEndian.Uint64(b[8:16]),
	}
}

const (
	blkStatusOK     byte = 0
	blkStatusIOErr  byte = 1
	blkStatusUnsupp byte = 2
	sectorSize           = 512
)

// notify drains every available request on the queue, services it against
// the backend, and pushes a one-byte status descriptor (0 = OK, 1 = error),
// the virtio-blk convention.
func (b *Block) notify(sel uint16) {
	if b.Device.needsReset() {
		return
	}

	q := b.Device.Queue(sel)
	if q == nil {
		return
	}

	for {
		chain, ok, err := q.Pop()
		if err != nil {
			b.Device.markNeedsReset()

			return
		}

		if !ok {
			return
		}

		written := b.service(q, chain)
		q.Push(chain.Head, written)

		if q.ShouldNotify(false) {
			b.injectIRQ()
		}
	}
}

// service executes one request chain and returns the number of bytes
// written into WRITE-flagged descriptors: the data descriptor on a read,
// and always the trailing one-byte status descriptor, per spec.md §4.5.1.
//
// A virtio-blk chain is, in order: one read-only header descriptor, zero or
// more data descriptors (read-only for BlkOut, write-only for BlkIn), and
// one write-only status descriptor. This generalizes the teacher's
// single-data-descriptor assumption (blk.go's IOOutHandler) to an arbitrary
// number of data descriptors, since a real driver may scatter/gather a
// request across several.
func (b *Block) service(q *virtqueue.Queue, chain virtqueue.Chain) uint32 {
	if len(chain.Indices) < 2 {
		return 0
	}

	hdrDesc, err := q.Descriptor(chain.Indices[0])
	if err != nil || hdrDesc.Len < 16 {
		return b.writeStatus(q, chain, blkStatusIOErr)
	}

	hdr := decodeBlkHeader(b.Device.Mem[hdrDesc.Addr : hdrDesc.Addr+16])
	dataIdx := chain.Indices[1 : len(chain.Indices)-1]
	offset := int64(hdr.Sector) * sectorSize

	switch hdr.Type {
	case BlkIn:
		var total uint32

		for _, i := range dataIdx {
			d, err := q.Descriptor(i)
			if err != nil {
				return b.writeStatus(q, chain, blkStatusIOErr)
			}

			buf := b.Device.Mem[d.Addr : d.Addr+uint64(d.Len)]
			if _, err := b.backend.ReadAt(buf, offset); err != nil {
				return b.writeStatus(q, chain, blkStatusIOErr)
			}

			offset += int64(d.Len)
			total += d.Len
		}

		return total + b.writeStatus(q, chain, blkStatusOK)

	case BlkOut:
		for _, i := range dataIdx {
			d, err := q.Descriptor(i)
			if err != nil {
				return b.writeStatus(q, chain, blkStatusIOErr)
			}

			buf := b.Device.Mem[d.Addr : d.Addr+uint64(d.Len)]
			if _, err := b.backend.WriteAt(buf, offset); err != nil {
				return b.writeStatus(q, chain, blkStatusIOErr)
			}

			offset += int64(d.Len)
		}

		return b.writeStatus(q, chain, blkStatusOK)

	case BlkFlush:
		if err := b.backend.Flush(); err != nil {
			return b.writeStatus(q, chain, blkStatusIOErr)
		}

		return b.writeStatus(q, chain, blkStatusOK)

	case BlkGetID:
		if len(dataIdx) != 1 {
			return b.writeStatus(q, chain, blkStatusIOErr)
		}

		d, err := q.Descriptor(dataIdx[0])
		if err != nil {
			return b.writeStatus(q, chain, blkStatusIOErr)
		}

		buf := b.Device.Mem[d.Addr : d.Addr+uint64(d.Len)]
		n := copy(buf, b.id)

		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}

		return uint32(len(buf)) + b.writeStatus(q, chain, blkStatusOK)

	case BlkDiscard, BlkWriteZeros:
		for _, i := range dataIdx {
			d, err := q.Descriptor(i)
			if err != nil {
				return b.writeStatus(q, chain, blkStatusIOErr)
			}

			zero := make([]byte, d.Len)
			if _, err := b.backend.WriteAt(zero, offset); err != nil {
				return b.writeStatus(q, chain, blkStatusIOErr)
			}

			offset += int64(d.Len)
		}

		return b.writeStatus(q, chain, blkStatusOK)

	default:
		return b.writeStatus(q, chain, blkStatusUnsupp)
	}
}

// writeStatus writes the trailing one-byte status descriptor and returns
// the number of bytes it wrote for the caller's running total: 1, or 0 when
// the status descriptor is out of range or has zero length.
func (b *Block) writeStatus(q *virtqueue.Queue, chain virtqueue.Chain, status byte) uint32 {
	last := chain.Indices[len(chain.Indices)-1]

	d, err := q.Descriptor(last)
	if err != nil || d.Len < 1 {
		return 0
	}

	b.Device.Mem[d.Addr] = status

	return 1
}

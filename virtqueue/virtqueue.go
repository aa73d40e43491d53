// Package virtqueue implements the virtqueue ring protocol (spec.md §4.4):
// a descriptor table, an available ring the guest produces into, and a used
// ring the host produces into, all living in guest memory. The wire layouts
// mirror the teacher's virtio.VirtQueue struct (virtio/net.go), generalized
// to a variable queue size instead of the teacher's fixed 32-entry array and
// moved out from under unsafe.Pointer aliasing into explicit encode/decode,
// since this module's guest memory is a plain []byte arena rather than a
// process's own address space.
package virtqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/purevisor/purevisor/errs"
)

// Descriptor flags.
const (
	FlagNext  uint16 = 1 << 0
	FlagWrite uint16 = 1 << 1
)

// DescriptorSize is the wire size of one descriptor entry (spec.md §6):
// address(8) + length(4) + flags(2) + next(2).
const DescriptorSize = 16

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDescriptor(b []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// Queue views the three regions of one negotiated virtqueue inside guest
// memory: the descriptor table, the available ring, and the used ring. Mem
// is the full guest arena; the three offsets are byte offsets into it, set
// up the way a legacy virtio device installs them on a queue-PFN write
// (spec.md §4.5): contiguous desc/avail, used on the next 4 KiB boundary.
//
// A Queue is driven by a single goroutine per side (the VCPU thread that
// walks Pop/Push on exit, per spec.md §5's "log state/queue indices owned
// by one driving thread" rule), so the ring header reads/writes here need
// no atomics of their own; the acquire/release discipline spec.md §4.4
// describes is the ORDER these methods touch memory in, not a hardware
// fence.
type Queue struct {
	Mem []byte

	DescOff, AvailOff, UsedOff uint64
	Size                       uint16

	lastAvail uint16
	lastUsed  uint16
}

// New builds a Queue over an already-placed set of regions.
func New(mem []byte, descOff, availOff, usedOff uint64, size uint16) *Queue {
	return &Queue{Mem: mem, DescOff: descOff, AvailOff: availOff, UsedOff: usedOff, Size: size}
}

func (q *Queue) descAt(i uint16) Descriptor {
	off := q.DescOff + uint64(i)*DescriptorSize

	return decodeDescriptor(q.Mem[off : off+DescriptorSize])
}

func (q *Queue) availFlags() uint16 {
	return binary.LittleEndian.Uint16(q.Mem[q.AvailOff : q.AvailOff+2])
}

func (q *Queue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.Mem[q.AvailOff+2 : q.AvailOff+4])
}

func (q *Queue) usedFlagsOff() uint64 { return q.UsedOff }
func (q *Queue) usedIdxOff() uint64   { return q.UsedOff + 2 }

// Chain is the set of descriptor indices forming one popped request, in
// walk order.
type Chain struct {
	Head    uint16
	Indices []uint16
}

// Pop returns the next available descriptor chain, or ok=false if the
// guest has nothing new queued (spec.md §4.4's Pop operation): "if
// last_avail == avail.idx, return empty".
func (q *Queue) Pop() (Chain, bool, error) {
	avail := q.availIdx()
	if q.lastAvail == avail {
		return Chain{}, false, nil
	}

	ringOff := q.AvailOff + 4 + uint64(q.lastAvail%q.Size)*2
	head := binary.LittleEndian.Uint16(q.Mem[ringOff : ringOff+2])
	q.lastAvail++

	chain := Chain{Head: head}

	idx := head
	seen := map[uint16]bool{}

	for {
		if int(idx) >= int(q.Size) {
			return Chain{}, false, errs.Wrap("virtqueue.Pop", errs.BadArgument,
				fmt.Errorf("descriptor index %d out of range", idx))
		}

		if seen[idx] {
			return Chain{}, false, errs.Wrap("virtqueue.Pop", errs.BadArgument,
				fmt.Errorf("cyclic descriptor chain at %d", idx))
		}

		seen[idx] = true
		chain.Indices = append(chain.Indices, idx)

		d := q.descAt(idx)
		if d.Flags&FlagNext == 0 {
			break
		}

		idx = d.Next
	}

	return chain, true, nil
}

// Descriptor returns a copy of the descriptor table entry at i.
func (q *Queue) Descriptor(i uint16) (Descriptor, error) {
	if int(i) >= int(q.Size) {
		return Descriptor{}, errs.Wrap("virtqueue.Descriptor", errs.BadArgument,
			fmt.Errorf("descriptor index %d out of range", i))
	}

	return q.descAt(i), nil
}

// Push writes {head, bytesWritten} to the used ring, then increments the
// used index, per spec.md §4.4's Push operation and its ordering invariant:
// the used-ring entry write happens before the used-index increment, and
// both happen after every payload write the handler made for this chain.
func (q *Queue) Push(head uint16, bytesWritten uint32) {
	entryOff := q.UsedOff + 4 + uint64(q.lastUsed%q.Size)*8
	binary.LittleEndian.PutUint32(q.Mem[entryOff:entryOff+4], uint32(head))
	binary.LittleEndian.PutUint32(q.Mem[entryOff+4:entryOff+8], bytesWritten)

	q.lastUsed++
	binary.LittleEndian.PutUint16(q.Mem[q.usedIdxOff():q.usedIdxOff()+2], q.lastUsed)
}

// ShouldNotify reports whether the guest should be interrupted for work
// pushed since the last notification, honoring the guest's no-interrupt
// flag on the available ring and, when eventIdx is negotiated, the
// used-event field trailing the available ring (spec.md §4.4).
func (q *Queue) ShouldNotify(eventIdx bool) bool {
	const noInterrupt = uint16(1)

	if !eventIdx {
		return q.availFlags()&noInterrupt == 0
	}

	usedEventOff := q.AvailOff + 4 + uint64(q.Size)*2
	usedEvent := binary.LittleEndian.Uint16(q.Mem[usedEventOff : usedEventOff+2])

	return uint16(q.lastUsed-usedEvent-1) < uint16(q.lastUsed-usedEvent)
}

// Reset zeroes this queue's shadow ring indices, the "index counters
// cleared" half of spec.md §3's device reset behavior.
func (q *Queue) Reset() {
	q.lastAvail = 0
	q.lastUsed = 0
}

// Size4K rounds a byte size up to the next 4 KiB boundary, the alignment
// spec.md §4.5 requires between a queue's avail and used regions.
func Size4K(n uint64) uint64 {
	const page = 4096

	return (n + page - 1) &^ (page - 1)
}

// Layout computes the {desc, avail, used} byte offsets for a queue of the
// given size starting at base, per spec.md §4.5: descriptor and available
// regions are contiguous; the used region starts on the next 4 KiB
// boundary after them.
func Layout(base uint64, size uint16) (descOff, availOff, usedOff uint64) {
	descOff = base
	availOff = descOff + uint64(size)*DescriptorSize
	usedOff = base + Size4K(uint64(size)*DescriptorSize+4+uint64(size)*2)

	return descOff, availOff, usedOff
}

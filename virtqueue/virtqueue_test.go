package virtqueue_test

import (
	"encoding/binary"
	"testing"

	"github.com/purevisor/purevisor/virtqueue"
)

const qsize = 8

func newQueue(t *testing.T) (*virtqueue.Queue, []byte) {
	t.Helper()

	mem := make([]byte, 64*1024)
	descOff, availOff, usedOff := virtqueue.Layout(0, qsize)

	return virtqueue.New(mem, descOff, availOff, usedOff, qsize), mem
}

// guestPush simulates the guest driver: write one descriptor, publish it
// on the available ring, bump avail.idx.
func guestPush(mem []byte, q *virtqueue.Queue, descIdx uint16, d virtqueue.Descriptor, availSlot uint16) {
	descOff := q.DescOff + uint64(descIdx)*virtqueue.DescriptorSize
	binary.LittleEndian.PutUint64(mem[descOff:descOff+8], d.Addr)
	binary.LittleEndian.PutUint32(mem[descOff+8:descOff+12], d.Len)
	binary.LittleEndian.PutUint16(mem[descOff+12:descOff+14], d.Flags)
	binary.LittleEndian.PutUint16(mem[descOff+14:descOff+16], d.Next)

	ringOff := q.AvailOff + 4 + uint64(availSlot%qsize)*2
	binary.LittleEndian.PutUint16(mem[ringOff:ringOff+2], descIdx)

	idxOff := q.AvailOff + 2
	cur := binary.LittleEndian.Uint16(mem[idxOff : idxOff+2])
	binary.LittleEndian.PutUint16(mem[idxOff:idxOff+2], cur+1)
}

func TestPopEmptyQueueReturnsFalse(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t)

	_, ok, err := q.Pop()
	if err != nil || ok {
		t.Fatalf("Pop on empty queue = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestPopReturnsPublishedChain(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)
	guestPush(mem, q, 0, virtqueue.Descriptor{Addr: 0x1000, Len: 512, Flags: virtqueue.FlagWrite}, 0)

	chain, ok, err := q.Pop()
	if err != nil || !ok {
		t.Fatalf("Pop = (ok=%v, err=%v), want (true, nil)", ok, err)
	}

	if chain.Head != 0 || len(chain.Indices) != 1 {
		t.Fatalf("chain = %+v, want head 0, one descriptor", chain)
	}

	if _, ok, _ := q.Pop(); ok {
		t.Fatal("second Pop with nothing new queued must return false")
	}
}

func TestPopWalksChainedDescriptors(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)
	guestPush(mem, q, 1, virtqueue.Descriptor{Addr: 0x2000, Len: 16, Flags: 0}, 0)
	// Chain 0 -> 1, via FlagNext.
	guestPush(mem, q, 0, virtqueue.Descriptor{Addr: 0x1000, Len: 8, Flags: virtqueue.FlagNext, Next: 1}, 0)

	chain, ok, err := q.Pop()
	if err != nil || !ok {
		t.Fatalf("Pop = (ok=%v, err=%v)", ok, err)
	}

	if len(chain.Indices) != 2 || chain.Indices[0] != 0 || chain.Indices[1] != 1 {
		t.Fatalf("chain.Indices = %v, want [0 1]", chain.Indices)
	}
}

func TestPopRejectsCyclicChain(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)
	guestPush(mem, q, 0, virtqueue.Descriptor{Addr: 0x1000, Len: 8, Flags: virtqueue.FlagNext, Next: 0}, 0)

	if _, _, err := q.Pop(); err == nil {
		t.Fatal("Pop over a self-referential chain must error")
	}
}

func TestPopRejectsOutOfRangeDescriptor(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)
	guestPush(mem, q, 0, virtqueue.Descriptor{Addr: 0x1000, Len: 8, Flags: virtqueue.FlagNext, Next: 99}, 0)

	if _, _, err := q.Pop(); err == nil {
		t.Fatal("Pop over an out-of-range next index must error")
	}
}

func TestPushWritesUsedRingAndAdvancesIndex(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)
	q.Push(3, 128)

	idx := binary.LittleEndian.Uint16(mem[q.UsedOff+2 : q.UsedOff+4])
	if idx != 1 {
		t.Fatalf("used.idx = %d, want 1", idx)
	}

	entryOff := q.UsedOff + 4
	gotHead := binary.LittleEndian.Uint32(mem[entryOff : entryOff+4])
	gotLen := binary.LittleEndian.Uint32(mem[entryOff+4 : entryOff+8])

	if gotHead != 3 || gotLen != 128 {
		t.Fatalf("used entry = {%d %d}, want {3 128}", gotHead, gotLen)
	}
}

func TestShouldNotifyHonorsNoInterruptFlag(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)

	if !q.ShouldNotify(false) {
		t.Fatal("ShouldNotify with no flags set should be true")
	}

	binary.LittleEndian.PutUint16(mem[q.AvailOff:q.AvailOff+2], 1)

	if q.ShouldNotify(false) {
		t.Fatal("ShouldNotify must honor the guest's no-interrupt flag")
	}
}

// TestPushNeverWritesBeyondDescriptorLength exercises the bound every Push
// caller must itself respect: a handler must never report more bytes
// written than the sum of WRITE-flagged descriptor lengths in the chain it
// is completing (spec.md §8's virtqueue byte-write property).
func TestPushNeverWritesBeyondDescriptorLength(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t)
	guestPush(mem, q, 0, virtqueue.Descriptor{Addr: 0x1000, Len: 64, Flags: virtqueue.FlagWrite}, 0)

	chain, ok, err := q.Pop()
	if err != nil || !ok {
		t.Fatalf("Pop = (ok=%v, err=%v)", ok, err)
	}

	var writable uint32
	for _, idx := range chain.Indices {
		d, err := q.Descriptor(idx)
		if err != nil {
			t.Fatal(err)
		}

		if d.Flags&virtqueue.FlagWrite != 0 {
			writable += d.Len
		}
	}

	written := writable // a well-behaved handler writes at most `writable` bytes
	if written > writable {
		t.Fatalf("wrote %d bytes into a chain offering only %d writable", written, writable)
	}

	q.Push(chain.Head, written)

	usedLen := binary.LittleEndian.Uint32(mem[q.UsedOff+8 : q.UsedOff+12])
	if usedLen > writable {
		t.Fatalf("used entry reports %d bytes for a chain offering only %d writable", usedLen, writable)
	}
}

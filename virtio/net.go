package virtio

import (
	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/pci"
	"github.com/purevisor/purevisor/virtqueue"
)

// virtio-net PCI identity, per the virtio device ID registry.
const (
	netVendorID    = 0x1AF4
	netDeviceID    = 0x1000
	netSubsystemID = 1 // network card
)

// netHdrSize is the size of the virtio_net_hdr prefix on every frame, per
// spec.md §4.5.2: "Request format: per-packet header followed by the
// Ethernet frame." The legacy header's fields (flags, csum offsets, gso)
// are not interpreted here, matching the teacher's net.go Rx/Tx, which
// only ever prepends/strips the fixed-size prefix and never reads it.
const netHdrSize = 10

const (
	netQueueRX = 0
	netQueueTX = 1

	// QueueSize is the per-queue ring size for a virtio-net device. The
	// guest must keep more free descriptors posted than MAX_SKB_FRAGS (16)
	// or transmission stalls, the same constraint the teacher's net.go
	// documents.
	QueueSize = 32
)

// Transmitter is the network back-end trait a Net device forwards
// transmitted frames to. A Loopback satisfies this by feeding frames
// straight back into its own receive path, per spec.md §4.5.2: "A loopback
// back-end simply enqueues transmitted frames onto its own RX queue."
type Transmitter interface {
	Transmit(frame []byte) error
}

// Net is a virtio-net device: an RX queue, a TX queue, and a Transmitter
// back-end, plus the common legacy config-space state embedded from
// Device.
//
// Grounded on the teacher's virtio/net.go (Net struct, two-queue
// VirtQueue/Rx/Tx layout, the netHeader prefix convention), generalized
// from the teacher's fixed tap-device io.ReadWriter and its own unsafe
// VirtQueue struct overlay into the shared virtqueue.Queue abstraction
// block.go also uses, and from a single-packet-per-kick RxThreadEntry
// loop into an explicit ReceiveFrame entry point any back-end can drive
// (so a Loopback can call it synchronously, with no goroutine or OS
// signal plumbing required).
type Net struct {
	*Device
	tx  Transmitter
	mac [6]byte
}

// NewNet creates a virtio-net device with a 2-entry queue pair (RX, TX)
// forwarding transmitted frames to tx.
func NewNet(mem []byte, inject hostctx.InterruptInjector, vcpu int, irqLine uint8, tx Transmitter, mac [6]byte) *Net {
	n := &Net{
		Device: NewDevice(mem, inject, vcpu, irqLine, []uint16{QueueSize, QueueSize}),
		tx:     tx,
		mac:    mac,
	}

	n.Device.DeviceConfigIn = n.configIn
	n.Device.Notify = n.notify

	return n
}

// SetTransmitter (re)binds the device's transmit back-end; used to wire a
// Loopback, which needs the *Net it loops back into and so cannot be
// constructed before NewNet returns.
func (n *Net) SetTransmitter(tx Transmitter) { n.tx = tx }

// GetDeviceHeader implements pci.Device.
func (n *Net) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:      netVendorID,
		DeviceID:      netDeviceID,
		SubsystemID:   netSubsystemID,
		Command:       1,
		BAR:           [6]uint32{uint32(n.Device.base) | 0x1},
		InterruptPin:  1,
		InterruptLine: n.Device.IRQLine,
	}
}

func (n *Net) configIn(off int, data []byte) {
	// Device-specific config: 6-byte MAC at offset 0, per the virtio-net
	// spec's struct virtio_net_config.
	if off < 0 || off >= len(n.mac) {
		return
	}

	copy(data, n.mac[off:])
}

// notify services a queue-notify write: a TX kick drains the TX queue
// (the teacher's Tx); an RX kick has nothing to do for a synchronous
// backend (packets arrive via ReceiveFrame, not a guest-initiated kick),
// mirroring the teacher's RxThreadEntry only ever running off rxKick from
// the tap, never off the guest.
func (n *Net) notify(sel uint16) {
	if sel != netQueueTX {
		return
	}

	if n.Device.needsReset() {
		return
	}

	n.drainTx()
}

// drainTx pops every pending TX chain, strips the virtio_net_hdr prefix,
// concatenates the remaining data descriptors into one frame (spec.md
// §4.5.2: "TX path: concatenate data descriptors (skipping the header on
// the first), forward to the back-end's transmit callback"), and hands it
// to the Transmitter.
func (n *Net) drainTx() {
	q := n.Device.Queue(netQueueTX)
	if q == nil {
		return
	}

	for {
		chain, ok, err := q.Pop()
		if err != nil {
			n.Device.markNeedsReset()

			return
		}

		if !ok {
			return
		}

		var frame []byte

		for i, idx := range chain.Indices {
			d, err := q.Descriptor(idx)
			if err != nil {
				break
			}

			buf := n.Device.Mem[d.Addr : d.Addr+uint64(d.Len)]
			if i == 0 && len(buf) >= netHdrSize {
				buf = buf[netHdrSize:]
			}

			frame = append(frame, buf...)
		}

		// TX buffers are device-readable only: nothing is written back.
		q.Push(chain.Head, 0)

		if n.tx != nil {
			_ = n.tx.Transmit(frame)
		}

		if q.ShouldNotify(false) {
			n.injectIRQ()
		}
	}
}

// ReceiveFrame delivers one inbound Ethernet frame to the guest: it pops
// the next available RX chain, writes the virtio_net_hdr prefix followed
// by frame into it, and pushes the total length, per spec.md §4.5.2's RX
// path. It returns false if the guest has no RX buffer posted.
func (n *Net) ReceiveFrame(frame []byte) bool {
	if n.Device.needsReset() {
		return false
	}

	q := n.Device.Queue(netQueueRX)
	if q == nil {
		return false
	}

	chain, ok, err := q.Pop()
	if err != nil {
		n.Device.markNeedsReset()

		return false
	}

	if !ok {
		return false
	}

	total := writeScattered(n.Device.Mem, q, chain, netHdrSize, frame)
	q.Push(chain.Head, total)

	if q.ShouldNotify(false) {
		n.injectIRQ()
	}

	return true
}

// writeScattered writes a zero-filled header of size hdrLen followed by
// payload across chain's WRITE-flagged descriptors in order, returning the
// total bytes written. Truncates silently if the chain is too small, the
// same best-effort behavior the teacher's Rx gives a too-small descriptor.
func writeScattered(mem []byte, q *virtqueue.Queue, chain virtqueue.Chain, hdrLen int, payload []byte) uint32 {
	data := make([]byte, hdrLen+len(payload))
	copy(data[hdrLen:], payload)

	var written uint32

	for _, idx := range chain.Indices {
		if len(data) == 0 {
			break
		}

		d, err := q.Descriptor(idx)
		if err != nil {
			break
		}

		n := int(d.Len)
		if n > len(data) {
			n = len(data)
		}

		copy(mem[d.Addr:d.Addr+uint64(n)], data[:n])
		data = data[n:]
		written += uint32(n)
	}

	return written
}

// Loopback is a Transmitter that feeds every transmitted frame straight
// back into the same device's receive path, per spec.md §4.5.2. Useful for
// guest-to-guest connectivity within one node and for exercising the
// device model without a real NIC.
type Loopback struct {
	net *Net
}

// NewLoopback builds a Loopback bound to net. net.tx should be set to the
// returned value before any TX traffic is driven.
func NewLoopback(net *Net) *Loopback { return &Loopback{net: net} }

// Transmit implements Transmitter by re-injecting frame as an inbound
// packet on the same device.
func (l *Loopback) Transmit(frame []byte) error {
	l.net.ReceiveFrame(frame)

	return nil
}

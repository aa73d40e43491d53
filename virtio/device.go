// Package virtio implements the legacy virtio PCI device model (spec.md
// §4.5): the common configuration I/O layout every device shares, the
// status-byte negotiation state machine, and queue setup driven off
// queue-PFN/queue-select writes. Block and network backends build on top
// in block.go and net.go.
//
// The common-config layout and queue-setup offsets are carried over from
// the teacher's virtio.commonHeader and IOInHandler/IOOutHandler (blk.go,
// net.go): host/guest features at 0/4, queue PFN at 8, queue size at 12,
// queue select at 14, queue notify at 16, status at 18, ISR at 19.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/virtqueue"
)

// MaxQueues bounds the number of virtqueues a single device negotiates,
// per spec.md §4.5 ("up to 8 virtqueues per device").
const MaxQueues = 8

// Status bits, per the virtio device status byte (spec.md §4.5).
const (
	StatusAcknowledge uint8 = 1 << 0
	StatusDriver      uint8 = 1 << 1
	StatusDriverOK    uint8 = 1 << 2
	StatusFeaturesOK  uint8 = 1 << 3
	StatusNeedsReset  uint8 = 1 << 6
	StatusFailed      uint8 = 1 << 7
)

// Common I/O port offsets relative to a device's BAR.
const (
	offHostFeatures  = 0
	offGuestFeatures = 4
	offQueuePFN      = 8
	offQueueNum      = 12
	offQueueSel      = 14
	offQueueNotify   = 16
	offStatus        = 18
	offISR           = 19
	offDeviceConfig  = 20
)

// statusSequence is the strict order status bits must be set in, per
// spec.md §4.5's status state machine and its §8 testable property: a
// write that does not extend the current state along this sequence (or
// reset it to zero) is rejected.
var statusSequence = []uint8{
	0,
	StatusAcknowledge,
	StatusAcknowledge | StatusDriver,
	StatusAcknowledge | StatusDriver | StatusFeaturesOK,
	StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK,
}

func statusIndex(s uint8) int {
	for i, v := range statusSequence {
		if v == s {
			return i
		}
	}

	return -1
}

// ValidStatusTransition reports whether writing next over cur is legal:
// a reset to zero is always legal; otherwise next must be the sequence
// entry exactly one step past cur, or equal to StatusFailed|cur.
func ValidStatusTransition(cur, next uint8) bool {
	if next == 0 {
		return true
	}

	if next&StatusFailed != 0 {
		return next&^StatusFailed == cur
	}

	ci, ni := statusIndex(cur), statusIndex(next)

	return ci >= 0 && ni == ci+1
}

// Device is the shared legacy-I/O state every virtio backend embeds: queue
// setup, feature negotiation and the status byte, plus hooks a concrete
// backend (Block, Net) fills in for device-specific config space and queue
// notification.
type Device struct {
	Mem     []byte
	Inject  hostctx.InterruptInjector
	VCPU    int
	IRQLine uint8

	// base is the I/O port this device's BAR was assigned on the legacy
	// PCI bus; IOInHandler/IOOutHandler are addressed in absolute port
	// space (the pci.Device interface) and translate to a BAR-relative
	// offset here, same as the teacher's per-device IOPortStart constants.
	base uint64

	hostFeatures  uint32
	guestFeatures uint32
	queueSel      uint16
	status        uint8
	isr           uint8

	queues     [MaxQueues]*virtqueue.Queue
	queueSizes [MaxQueues]uint16

	// Notify is called with the selected queue index whenever the guest
	// writes queue-notify (the "kick"); the concrete backend drains the
	// queue from here, the way the teacher's IOOutHandler invoked Tx/Rx
	// directly on a notify write.
	Notify func(sel uint16)

	// DeviceConfigIn/DeviceConfigOut service offsets >= offDeviceConfig;
	// left nil by devices with no device-specific config space.
	DeviceConfigIn  func(off int, data []byte)
	DeviceConfigOut func(off int, data []byte)

	// OnReset is called after a status write resets this device to zero
	// (spec.md §3: "On Reset, all virtqueues are disabled and their index
	// counters cleared"), letting a concrete backend (Block, Net) drop any
	// in-flight service state of its own.
	OnReset func()
}

// NewDevice builds a Device with the given per-queue ring sizes (len(sizes)
// is the number of queues negotiated).
func NewDevice(mem []byte, inject hostctx.InterruptInjector, vcpu int, irqLine uint8, sizes []uint16) *Device {
	d := &Device{Mem: mem, Inject: inject, VCPU: vcpu, IRQLine: irqLine, hostFeatures: 0}

	for i, s := range sizes {
		d.queueSizes[i] = s
	}

	return d
}

// Status returns the current device status byte.
func (d *Device) Status() uint8 { return d.status }

// SetBase records the I/O port a pci.Bus assigned this device's BAR, used
// to translate absolute port reads/writes into BAR-relative offsets.
func (d *Device) SetBase(base uint64) { d.base = base }

// GetIORange implements pci.Device: the 256-byte legacy I/O window every
// virtio common-config + device-config layout fits in (spec.md §4.5).
func (d *Device) GetIORange() (uint64, uint64) {
	const size = 0x100

	return d.base, d.base + size
}

// Queue returns the negotiated queue at index sel, or nil if queue-PFN has
// not been written yet for that index.
func (d *Device) Queue(sel uint16) *virtqueue.Queue {
	if int(sel) >= MaxQueues {
		return nil
	}

	return d.queues[sel]
}

// injectIRQ marks the ISR "queue interrupt" bit (isr=0x1, as the teacher's
// InjectIRQ does) and delivers the device's line with a single Inject call.
func (d *Device) injectIRQ() {
	d.isr |= 0x1
	d.Inject.Inject(d.VCPU, uint8(d.IRQLine))
}

// IOInHandler services a read at absolute port addr, implementing
// pci.Device. The offset into the device's BAR is addr-d.base.
func (d *Device) IOInHandler(addr uint64, data []byte) error {
	off := int(addr - d.base)

	switch {
	case off == offHostFeatures:
		binary.LittleEndian.PutUint32(pad(data, 4), d.hostFeatures)
	case off == offGuestFeatures:
		binary.LittleEndian.PutUint32(pad(data, 4), d.guestFeatures)
	case off == offQueueNum:
		binary.LittleEndian.PutUint16(pad(data, 2), d.queueSizes[d.queueSel])
	case off == offQueueSel:
		binary.LittleEndian.PutUint16(pad(data, 2), d.queueSel)
	case off == offStatus:
		data[0] = d.status
	case off == offISR:
		data[0] = d.isr
		d.isr = 0
	case off >= offDeviceConfig && d.DeviceConfigIn != nil:
		d.DeviceConfigIn(off-offDeviceConfig, data)
	}

	return nil
}

// IOOutHandler services a write at absolute port addr, implementing
// pci.Device. The offset into the device's BAR is addr-d.base.
func (d *Device) IOOutHandler(addr uint64, data []byte) error {
	off := int(addr - d.base)

	switch {
	case off == offGuestFeatures:
		d.guestFeatures = binary.LittleEndian.Uint32(pad(data, 4))
	case off == offQueuePFN:
		pfn := binary.LittleEndian.Uint32(pad(data, 4))
		d.setupQueue(d.queueSel, uint64(pfn)*4096)
	case off == offQueueSel:
		d.queueSel = binary.LittleEndian.Uint16(pad(data, 2))
	case off == offQueueNotify:
		sel := binary.LittleEndian.Uint16(pad(data, 2))
		if d.Notify != nil {
			d.Notify(sel)
		}
	case off == offStatus:
		if len(data) == 0 {
			return errs.Wrap("virtio.IOOutHandler", errs.BadArgument,
				fmt.Errorf("status write with no data"))
		}

		next := data[0]
		if !ValidStatusTransition(d.status, next) {
			return errs.Wrap("virtio.IOOutHandler", errs.InvalidState,
				fmt.Errorf("status %#x -> %#x violates negotiation order", d.status, next))
		}

		if next == 0 {
			d.resetQueues()
		}

		d.status = next
	case off >= offDeviceConfig && d.DeviceConfigOut != nil:
		d.DeviceConfigOut(off-offDeviceConfig, data)
	}

	return nil
}

// setupQueue installs a Queue view over guest memory at physAddr for
// queue index sel, using the negotiated size for that index.
func (d *Device) setupQueue(sel uint16, physAddr uint64) {
	if int(sel) >= MaxQueues {
		return
	}

	size := d.queueSizes[sel]
	if size == 0 {
		return
	}

	descOff, availOff, usedOff := virtqueue.Layout(physAddr, size)
	d.queues[sel] = virtqueue.New(d.Mem, descOff, availOff, usedOff, size)
}

// resetQueues disables every negotiated queue and clears its ring indices,
// then runs the backend's reset hook, per spec.md §3/§4.5's reset behavior.
func (d *Device) resetQueues() {
	for i := range d.queues {
		if d.queues[i] != nil {
			d.queues[i].Reset()
		}

		d.queues[i] = nil
	}

	d.isr = 0

	if d.OnReset != nil {
		d.OnReset()
	}
}

// markNeedsReset sets the status byte's reset bit (spec.md §7): a guest
// protocol violation isolates the device from further queue service until
// the guest drives it through Reset.
func (d *Device) markNeedsReset() {
	d.status |= StatusNeedsReset
}

// needsReset reports whether the device is isolated pending a guest Reset.
func (d *Device) needsReset() bool {
	return d.status&StatusNeedsReset != 0
}

func pad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}

	out := make([]byte, n)
	copy(out, b)

	return out
}

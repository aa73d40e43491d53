// Package pci implements the legacy PCI Configuration Access Mechanism #1
// (CONFIG_ADDRESS/CONFIG_DATA at ports 0xCF8/0xCFC) that this module's
// virtio devices register themselves on, the way the teacher's pci package
// does for its own virtio-net/virtio-blk backends.
package pci

import "encoding/binary"

// Device is anything that can sit on the legacy PCI bus: it advertises a
// DeviceHeader and services reads/writes to the I/O port range its BAR
// claims.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// DeviceHeader is the subset of PCI configuration space fields this module's
// software devices need to advertise, matching the header a legacy virtio
// device exposes at function 0.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	HeaderType    uint8
	SubsystemID   uint16
	Command       uint16
	BAR           [6]uint32
	InterruptLine uint8
	InterruptPin  uint8
}

// address is the CONFIG_ADDRESS register: Configuration Access Mechanism #1
// bit layout (spec.md borrows this straight from the PCI local bus spec).
type address uint32

func (a address) registerOffset() uint32 { return uint32(a) & 0xfc }
func (a address) functionNumber() uint32 { return (uint32(a) >> 8) & 0x7 }
func (a address) deviceNumber() uint32   { return (uint32(a) >> 11) & 0x1f }
func (a address) busNumber() uint32      { return (uint32(a) >> 16) & 0xff }
func (a address) enabled() bool          { return uint32(a)>>31 == 1 }

// Bus owns the CONFIG_ADDRESS/CONFIG_DATA state machine and the set of
// devices attached to bus 0. Device 0 is reserved for a host bridge; devices
// 1..N are registered by AddDevice in attach order.
type Bus struct {
	addr    address
	devices []Device
}

// NewBus creates an empty PCI bus with only the implicit host bridge at
// device 0.
func NewBus() *Bus {
	return &Bus{}
}

// AddDevice attaches d at the next free device slot (function 0), returning
// its assigned device number.
func (b *Bus) AddDevice(d Device) uint32 {
	b.devices = append(b.devices, d)

	return uint32(len(b.devices))
}

// ConfAddrOut handles a CONFIG_ADDRESS write (port 0xCF8).
func (b *Bus) ConfAddrOut(data []byte) {
	if len(data) != 4 {
		return
	}

	b.addr = address(binary.LittleEndian.Uint32(data))
}

// ConfAddrIn handles a CONFIG_ADDRESS read.
func (b *Bus) ConfAddrIn(data []byte) {
	if len(data) != 4 {
		return
	}

	binary.LittleEndian.PutUint32(data, uint32(b.addr))
}

// ConfDataIn handles a CONFIG_DATA read (port 0xCFC), serving the selected
// device's header fields at the selected register offset.
func (b *Bus) ConfDataIn(data []byte) {
	if !b.addr.enabled() || b.addr.functionNumber() != 0 {
		return
	}

	dev := b.devices[:]
	idx := int(b.addr.deviceNumber()) - 1

	if idx < 0 || idx >= len(dev) {
		return
	}

	h := dev[idx].GetDeviceHeader()

	buf := make([]byte, 256)
	binary.LittleEndian.PutUint16(buf[0:2], h.VendorID)
	binary.LittleEndian.PutUint16(buf[2:4], h.DeviceID)
	binary.LittleEndian.PutUint16(buf[4:6], h.Command)
	buf[14] = h.HeaderType
	binary.LittleEndian.PutUint16(buf[0x2e:0x30], h.SubsystemID)

	for i, bar := range h.BAR {
		binary.LittleEndian.PutUint32(buf[0x10+i*4:0x14+i*4], bar)
	}

	buf[0x3c] = h.InterruptLine
	buf[0x3d] = h.InterruptPin

	off := int(b.addr.registerOffset())
	n := copy(data, buf[off:])
	_ = n
}

// ConfDataOut handles a CONFIG_DATA write. This module's software devices
// do not support reconfiguring BARs at runtime, so writes are accepted and
// discarded, matching the teacher's PciConfDataOut no-op.
func (b *Bus) ConfDataOut(data []byte) {}

// BytesToNum packs a little-endian byte slice (as delivered by an IN/OUT
// exit handler) into a uint64, the way the teacher's pci.BytesToNum does
// for queue-PFN and queue-select writes.
func BytesToNum(b []byte) uint64 {
	var v uint64
	for i, by := range b {
		v |= uint64(by) << (8 * i)
	}

	return v
}

// DeviceAt returns the device registered at the given bus-relative device
// number (1-based, matching AddDevice's return value), for a Dispatcher
// wiring each device's BAR-mapped port range directly.
func (b *Bus) DeviceAt(n uint32) (Device, bool) {
	if n == 0 || int(n) > len(b.devices) {
		return nil, false
	}

	return b.devices[n-1], true
}

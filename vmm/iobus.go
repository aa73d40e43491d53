package vmm

import (
	"github.com/purevisor/purevisor/pci"
	"github.com/purevisor/purevisor/vmexit"
)

// IOBus builds a vmexit.Dispatcher's flat Ports map from port *ranges*, the
// way the teacher's machine.Machine.registerIOPortHandler registers a
// {start,end} range against one pair of handler funcs (machine/machine.go):
// the PCI CONFIG_ADDRESS/CONFIG_DATA registers at 0xCF8/0xCFC, and each
// attached device's own BAR-mapped range from GetIORange.
type IOBus struct {
	ports map[uint16]vmexit.IOPort
}

// NewIOBus creates an empty port map.
func NewIOBus() *IOBus {
	return &IOBus{ports: make(map[uint16]vmexit.IOPort)}
}

// Register binds every port in [start, end) to h, mirroring
// registerIOPortHandler's range semantics.
func (b *IOBus) Register(start, end uint64, h vmexit.IOPort) {
	for p := start; p < end; p++ {
		b.ports[uint16(p)] = h
	}
}

// RegisterBus wires the CONFIG_ADDRESS (0xCF8) / CONFIG_DATA (0xCFC-0xCFF)
// register pair, matching the teacher's own port assignment exactly.
func (b *IOBus) RegisterBus(bus *pci.Bus) {
	b.Register(0xCF8, 0xCF9, &confAddrPort{bus})
	b.Register(0xCFC, 0xD00, &confDataPort{bus})
}

// RegisterDevice wires dev's BAR-mapped I/O range, the way the teacher
// loops m.pci.Devices and registers device.GetIORange() against the
// device's own IOInHandler/IOOutHandler.
func (b *IOBus) RegisterDevice(dev pci.Device) {
	start, end := dev.GetIORange()
	b.Register(start, end, &devicePort{dev})
}

// Ports returns the assembled port map for a Dispatcher.
func (b *IOBus) Ports() map[uint16]vmexit.IOPort { return b.ports }

// confAddrPort/confDataPort adapt pci.Bus's 4-byte-at-a-time CONFIG_ADDRESS/
// CONFIG_DATA handlers to vmexit.IOPort's {port,size}-scalar shape.
type confAddrPort struct{ bus *pci.Bus }

func (p *confAddrPort) Read(port uint16, size int) uint32 {
	buf := make([]byte, size)
	p.bus.ConfAddrIn(buf)

	return littleEndianUint(buf)
}

func (p *confAddrPort) Write(port uint16, size int, value uint32) {
	p.bus.ConfAddrOut(putLittleEndian(value, size))
}

type confDataPort struct{ bus *pci.Bus }

func (p *confDataPort) Read(port uint16, size int) uint32 {
	buf := make([]byte, size)
	p.bus.ConfDataIn(buf)

	return littleEndianUint(buf)
}

func (p *confDataPort) Write(port uint16, size int, value uint32) {
	p.bus.ConfDataOut(putLittleEndian(value, size))
}

// devicePort adapts a pci.Device's absolute-address IOInHandler/
// IOOutHandler to the per-port scalar IOPort shape the dispatcher drives.
type devicePort struct{ dev pci.Device }

func (p *devicePort) Read(port uint16, size int) uint32 {
	buf := make([]byte, size)
	if err := p.dev.IOInHandler(uint64(port), buf); err != nil {
		return ^uint32(0)
	}

	return littleEndianUint(buf)
}

func (p *devicePort) Write(port uint16, size int, value uint32) {
	_ = p.dev.IOOutHandler(uint64(port), putLittleEndian(value, size))
}

func littleEndianUint(b []byte) uint32 {
	var v uint32
	for i, by := range b {
		v |= uint32(by) << (8 * i)
	}

	return v
}

func putLittleEndian(value uint32, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(value >> (8 * i))
	}

	return b
}

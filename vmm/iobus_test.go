package vmm_test

import (
	"testing"

	"github.com/purevisor/purevisor/pci"
	"github.com/purevisor/purevisor/vmm"
)

// fakeDevice is a minimal pci.Device stand-in exercising one I/O range, the
// way virtio.Block/virtio.Net would in the real wiring path.
type fakeDevice struct {
	base uint64
	regs [4]byte
}

func (d *fakeDevice) GetDeviceHeader() pci.DeviceHeader { return pci.DeviceHeader{} }

func (d *fakeDevice) GetIORange() (uint64, uint64) { return d.base, d.base + 4 }

func (d *fakeDevice) IOInHandler(port uint64, data []byte) error {
	copy(data, d.regs[port-d.base:])

	return nil
}

func (d *fakeDevice) IOOutHandler(port uint64, data []byte) error {
	copy(d.regs[port-d.base:], data)

	return nil
}

func TestIOBusRegisterDeviceRoundTrip(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{base: 0xD000}
	bus := vmm.NewIOBus()
	bus.RegisterDevice(dev)

	port, ok := bus.Ports()[0xD000]
	if !ok {
		t.Fatal("device's base port was not registered")
	}

	port.Write(0xD000, 1, 0x42)
	if got := port.Read(0xD000, 1); got != 0x42 {
		t.Fatalf("Read after Write = %#x, want 0x42", got)
	}
}

func TestIOBusRegisterBusWiresConfigRegisters(t *testing.T) {
	t.Parallel()

	bus := vmm.NewIOBus()
	bus.RegisterBus(pci.NewBus())

	for _, port := range []uint16{0xCF8, 0xCFC, 0xCFF} {
		if _, ok := bus.Ports()[port]; !ok {
			t.Fatalf("port %#x was not registered by RegisterBus", port)
		}
	}

	if _, ok := bus.Ports()[0xCF9]; ok {
		t.Fatal("0xCF9 is outside CONFIG_ADDRESS's single-port range and must not be registered")
	}
}

func TestIOBusRegisterRangeCoversHalfOpenInterval(t *testing.T) {
	t.Parallel()

	bus := vmm.NewIOBus()
	bus.RegisterDevice(&fakeDevice{base: 0x100})

	for p := uint16(0x100); p < 0x104; p++ {
		if _, ok := bus.Ports()[p]; !ok {
			t.Fatalf("port %#x in [0x100,0x104) must be registered", p)
		}
	}

	if _, ok := bus.Ports()[0x104]; ok {
		t.Fatal("0x104 is the exclusive end and must not be registered")
	}
}

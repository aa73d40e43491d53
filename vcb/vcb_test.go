package vcb_test

import (
	"testing"

	"github.com/purevisor/purevisor/vcb"
)

func TestNewDefaultDenyBitmaps(t *testing.T) {
	t.Parallel()

	v := vcb.New(1)

	for _, port := range []uint16{0, 0x3F8, 0x7FFF, 0x8000, 0xFFFF} {
		if !v.PortTrapped(port) {
			t.Errorf("port %#x: want trapped by default", port)
		}
	}

	for _, msr := range []uint32{0, 0x1FF, 0xC0000080} {
		if !v.MSRTrapped(msr, false) {
			t.Errorf("msr %#x read: want trapped by default", msr)
		}

		if !v.MSRTrapped(msr, true) {
			t.Errorf("msr %#x write: want trapped by default", msr)
		}
	}
}

func TestAllowPortClearsOnlyThatPort(t *testing.T) {
	t.Parallel()

	v := vcb.New(1)
	v.AllowPort(0x3F8)

	if v.PortTrapped(0x3F8) {
		t.Fatal("0x3F8: want allowed")
	}

	if !v.PortTrapped(0x3F9) {
		t.Fatal("0x3F9: want still trapped")
	}

	// High-bank port exercises the IOBitmapB split at 0x8000.
	v.AllowPort(0x8100)
	if v.PortTrapped(0x8100) {
		t.Fatal("0x8100: want allowed")
	}

	if !v.PortTrapped(0x8101) {
		t.Fatal("0x8101: want still trapped")
	}
}

func TestAllowMSRReadWriteIndependent(t *testing.T) {
	t.Parallel()

	v := vcb.New(1)
	v.AllowMSR(0x10, false)

	if v.MSRTrapped(0x10, false) {
		t.Fatal("msr 0x10 read: want allowed")
	}

	if !v.MSRTrapped(0x10, true) {
		t.Fatal("msr 0x10 write: want still trapped")
	}
}

func TestAllowMSRHighRange(t *testing.T) {
	t.Parallel()

	v := vcb.New(1)
	v.AllowMSR(0xC0000080, true) // EFER

	if v.MSRTrapped(0xC0000080, true) {
		t.Fatal("EFER write: want allowed")
	}

	if !v.MSRTrapped(0xC0000081, true) {
		t.Fatal("neighboring MSR: want still trapped")
	}
}

func TestMSROutsideWindowsAlwaysTrapped(t *testing.T) {
	t.Parallel()

	v := vcb.New(1)
	v.AllowMSR(0x50000000, false) // not in either documented window

	if !v.MSRTrapped(0x50000000, false) {
		t.Fatal("out-of-range MSR: want trapped regardless of AllowMSR")
	}
}

package vmexec_test

import (
	"testing"

	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/vcpu"
	"github.com/purevisor/purevisor/vmexec"
)

func writeGuestCode(t *testing.T, host *hostctx.Host, code []byte) {
	t.Helper()

	page := host.Pages.Bytes(0, 0)
	copy(page, code)
}

func TestLaunchOrResumeRequiresVMXOn(t *testing.T) {
	t.Parallel()

	host := hostctx.NewDefault(1 << 16)
	v := vcpu.New(0, 1)

	e := &vmexec.SoftwareEngine{}
	if err := e.LaunchOrResume(host, v); err == nil {
		t.Fatal("LaunchOrResume before VMXOn must fail")
	}
}

func TestLaunchOrResumeDecodesCPUID(t *testing.T) {
	t.Parallel()

	host := hostctx.NewDefault(1 << 16)
	writeGuestCode(t, host, []byte{0x0F, 0xA2}) // CPUID

	v := vcpu.New(0, 1)
	e := &vmexec.SoftwareEngine{}

	if err := e.VMXOn(); err != nil {
		t.Fatal(err)
	}

	if err := e.LaunchOrResume(host, v); err != nil {
		t.Fatal(err)
	}

	if v.VCB.Exit.Reason != vmexec.ExitCPUID {
		t.Fatalf("Exit.Reason = %d, want ExitCPUID", v.VCB.Exit.Reason)
	}

	if v.VCB.Exit.InstructionLength != 2 {
		t.Fatalf("InstructionLength = %d, want 2", v.VCB.Exit.InstructionLength)
	}

	if !v.Launched {
		t.Fatal("Launched must be true after a successful entry")
	}
}

func TestLaunchOrResumeDecodesHLT(t *testing.T) {
	t.Parallel()

	host := hostctx.NewDefault(1 << 16)
	writeGuestCode(t, host, []byte{0xF4}) // HLT

	v := vcpu.New(0, 1)
	e := &vmexec.SoftwareEngine{}
	_ = e.VMXOn()

	if err := e.LaunchOrResume(host, v); err != nil {
		t.Fatal(err)
	}

	if v.VCB.Exit.Reason != vmexec.ExitHLT {
		t.Fatalf("Exit.Reason = %d, want ExitHLT", v.VCB.Exit.Reason)
	}
}

func TestLaunchOrResumeFaultsOnBadRIP(t *testing.T) {
	t.Parallel()

	host := hostctx.NewDefault(1 << 16)

	v := vcpu.New(0, 1)
	v.Regs.RIP = 1 << 30 // far past the arena
	e := &vmexec.SoftwareEngine{}
	_ = e.VMXOn()

	if err := e.LaunchOrResume(host, v); err != nil {
		t.Fatal(err)
	}

	if v.VCB.Exit.Reason != vmexec.ExitNestedFault {
		t.Fatalf("Exit.Reason = %d, want ExitNestedFault", v.VCB.Exit.Reason)
	}
}

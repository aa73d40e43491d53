package vmm_test

import (
	"testing"
	"time"

	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/vmexec"
	"github.com/purevisor/purevisor/vmexit"
	"github.com/purevisor/purevisor/vmm"
)

func newTestVM(t *testing.T, vcpus int) (*vmm.Manager, *hostctx.Host, *vmm.VM) {
	t.Helper()

	host := hostctx.NewDefault(1 << 20)
	mgr := vmm.NewManager()

	vm, err := mgr.Create(host, vmm.Spec{
		Name:       "vm-under-test",
		VCPUCount:  vcpus,
		MemorySize: 1 << 16,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	return mgr, host, vm
}

func newTestDispatcher(host *hostctx.Host) *vmexit.Dispatcher {
	return &vmexit.Dispatcher{
		Host:       host,
		Ports:      map[uint16]vmexit.IOPort{},
		Hypercalls: vmexit.HypercallTable{},
		MSRs:       vmexit.MSRWhitelist{},
	}
}

func TestCreateStartsInCreatedPhase(t *testing.T) {
	t.Parallel()

	_, _, vm := newTestVM(t, 2)

	if vm.Phase != vmm.Created {
		t.Fatalf("Phase = %v, want Created", vm.Phase)
	}

	if len(vm.VCPUs) != 2 {
		t.Fatalf("len(VCPUs) = %d, want 2", len(vm.VCPUs))
	}
}

func TestCreateRejectsTooManyVCPUs(t *testing.T) {
	t.Parallel()

	host := hostctx.NewDefault(1 << 20)
	mgr := vmm.NewManager()

	if _, err := mgr.Create(host, vmm.Spec{Name: "too-big", VCPUCount: vmm.MaxVCPUs + 1, MemorySize: 4096}); err == nil {
		t.Fatal("Create must reject a VCPU count above MaxVCPUs")
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	host := hostctx.NewDefault(1 << 20)
	mgr := vmm.NewManager()

	if _, err := mgr.Create(host, vmm.Spec{Name: "dup", VCPUCount: 1, MemorySize: 4096}); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Create(host, vmm.Spec{Name: "dup", VCPUCount: 1, MemorySize: 4096}); err == nil {
		t.Fatal("Create must reject a second VM with the same name")
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	t.Parallel()

	_, _, vm := newTestVM(t, 1)

	if err := vm.Transition(vmm.Running); err == nil {
		t.Fatal("Created -> Running must be rejected; Starting is required first")
	}
}

func TestTransitionToErrorAlwaysLegal(t *testing.T) {
	t.Parallel()

	_, _, vm := newTestVM(t, 1)

	if err := vm.Transition(vmm.Starting); err != nil {
		t.Fatal(err)
	}

	if err := vm.Transition(vmm.Error); err != nil {
		t.Fatalf("any non-terminal phase must be able to move to Error: %v", err)
	}

	if err := vm.Transition(vmm.Starting); err == nil {
		t.Fatal("Error is terminal; no transition out of it should succeed")
	}
}

func TestStartRunsVCPUsAndStopJoinsThem(t *testing.T) {
	t.Parallel()

	_, host, vm := newTestVM(t, 2)

	// HLT at guest address 0, the only code every VCPU's RIP starts at.
	copy(host.Pages.Bytes(0, 0), []byte{0xF4})

	disp := newTestDispatcher(host)
	engine := &vmexec.SoftwareEngine{}

	if err := vm.Start(engine, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if vm.Phase != vmm.Running {
		t.Fatalf("Phase = %v, want Running", vm.Phase)
	}

	// Give the VCPU goroutines a chance to reach the HLT wait before Stop.
	time.Sleep(10 * time.Millisecond)

	if err := vm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if vm.Phase != vmm.Stopped {
		t.Fatalf("Phase = %v, want Stopped", vm.Phase)
	}
}

func TestHaltedVCPUWakesOnInjectedInterrupt(t *testing.T) {
	t.Parallel()

	_, host, vm := newTestVM(t, 1)
	// Two HLTs back to back: the first is where the VCPU parks waiting for
	// the injected interrupt; the second is where it parks again once woken
	// and re-enters the guest, so the test can Stop cleanly afterward.
	copy(host.Pages.Bytes(0, 0), []byte{0xF4, 0xF4})

	disp := newTestDispatcher(host)
	engine := &vmexec.SoftwareEngine{}

	if err := vm.Start(engine, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the VCPU goroutine time to reach the HLT wait, then inject an
	// interrupt the way a virtio device back-end would through host.Inject.
	time.Sleep(10 * time.Millisecond)

	inj := vm.Injector()
	inj.Inject(0, 32)

	// The VCPU should come back out of its wait and re-enter the guest
	// rather than staying parked forever; Stop must still join cleanly.
	time.Sleep(10 * time.Millisecond)

	if err := vm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if vm.Phase != vmm.Stopped {
		t.Fatalf("Phase = %v, want Stopped", vm.Phase)
	}
}

func TestPauseBlocksAndResumeContinues(t *testing.T) {
	t.Parallel()

	_, host, vm := newTestVM(t, 1)
	copy(host.Pages.Bytes(0, 0), []byte{0xF4})

	disp := newTestDispatcher(host)
	engine := &vmexec.SoftwareEngine{}

	if err := vm.Start(engine, disp); err != nil {
		t.Fatal(err)
	}

	if err := vm.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if vm.Phase != vmm.Paused {
		t.Fatalf("Phase = %v, want Paused", vm.Phase)
	}

	if err := vm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if vm.Phase != vmm.Running {
		t.Fatalf("Phase = %v, want Running", vm.Phase)
	}

	if err := vm.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStopRejectedFromCreated(t *testing.T) {
	t.Parallel()

	_, _, vm := newTestVM(t, 1)

	if err := vm.Stop(); err == nil {
		t.Fatal("Stop from Created must be rejected")
	}
}

func TestRestartReturnsToRunning(t *testing.T) {
	t.Parallel()

	_, host, vm := newTestVM(t, 1)
	copy(host.Pages.Bytes(0, 0), []byte{0xF4})

	disp := newTestDispatcher(host)
	engine := &vmexec.SoftwareEngine{}

	if err := vm.Start(engine, disp); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)

	if err := vm.Restart(engine, disp); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	if vm.Phase != vmm.Running {
		t.Fatalf("Phase = %v, want Running", vm.Phase)
	}

	if err := vm.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestGuestMemoryMatchesRequestedSize(t *testing.T) {
	t.Parallel()

	_, _, vm := newTestVM(t, 1)

	mem := vm.GuestMemory()
	if uint64(len(mem)) < vm.MemorySize {
		t.Fatalf("GuestMemory len = %d, want >= %d", len(mem), vm.MemorySize)
	}
}

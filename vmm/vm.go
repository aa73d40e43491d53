// Package vmm is the VM manager (spec.md §3, §6): the VM/VCPU lifecycle
// state machine that aggregates VCPUs, a guest-physical memory arena, and a
// GPT, and that drives the entry/exit loop for each VCPU through vmexec and
// vmexit.
//
// Grounded on the teacher's vmm.go (the VMM struct wrapping a *machine.
// Machine and a flag.Config) and machine.Machine's StartVCPU/Boot
// goroutine-per-VCPU pattern with a sync.WaitGroup join, generalized from a
// single long-lived machine process into a multi-VM, named-lifecycle
// manager with an explicit Phase state machine instead of the teacher's
// implicit "it runs until the guest halts or the process is killed" model.
package vmm

import (
	"fmt"
	"sync"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/gpt"
	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/vcpu"
	"github.com/purevisor/purevisor/vmexec"
	"github.com/purevisor/purevisor/vmexit"
)

// MaxVCPUs is the per-VM VCPU ceiling, per spec.md §3's VM data model.
const MaxVCPUs = 256

// Phase is a VM's position in the lifecycle spec.md §3 defines.
type Phase int

const (
	Created Phase = iota
	Starting
	Running
	Paused
	Stopping
	Stopped
	Migrating
	Error
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Migrating:
		return "migrating"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// legalTransitions encodes spec.md §3's "Legal transitions" sentence:
// Created→Starting→Running; Running↔Paused; Running/Paused→Stopping→
// Stopped; Stopped→Starting; any→Error handled separately since it is
// legal from every phase except the terminal ones.
var legalTransitions = map[Phase]map[Phase]bool{
	Created:   {Starting: true},
	Starting:  {Running: true},
	Running:   {Paused: true, Stopping: true, Migrating: true},
	Paused:    {Running: true, Stopping: true},
	Stopping:  {Stopped: true},
	Stopped:   {Starting: true},
	Migrating: {Running: true},
	Error:     {},
}

// VM aggregates VCPUs, a guest memory arena, and a GPT shared by all of
// them (spec.md §3's VM data model).
type VM struct {
	mu sync.Mutex

	Name       string
	MemorySize uint64
	Phase      Phase

	host   *hostctx.Host
	engine vmexec.HostHypervisor
	disp   *vmexit.Dispatcher

	GPT         *gpt.GPT
	RootPointer gpt.RootPointer
	memBase     hostctx.Frame
	memOrder    uint

	VCPUs []*vcpu.VCPU

	stopCh  chan struct{}
	pauseCh chan struct{}
	wg      sync.WaitGroup

	lastErr error
}

// GuestMemory returns the byte slice backing this VM's guest-physical
// memory arena, the view virtio devices and the GPT's mapped range share.
func (vm *VM) GuestMemory() []byte {
	return vm.host.Pages.Bytes(vm.memBase, vm.memOrder)
}

// frameOrderFor returns the smallest order such that 2^order frames cover
// at least size bytes.
func frameOrderFor(size uint64) uint {
	frames := (size + hostctx.FrameSize - 1) / hostctx.FrameSize
	if frames == 0 {
		frames = 1
	}

	var order uint
	for (uint64(1) << order) < frames {
		order++
	}

	return order
}

// Transition moves the VM to phase to, honoring legalTransitions plus the
// always-legal move into Error from any non-terminal phase.
func (vm *VM) Transition(to Phase) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.transitionLocked(to)
}

func (vm *VM) transitionLocked(to Phase) error {
	if to == Error && vm.Phase != Error {
		vm.Phase = Error

		return nil
	}

	if legalTransitions[vm.Phase][to] {
		vm.Phase = to

		return nil
	}

	return errs.Wrap("vmm.Transition", errs.InvalidState,
		fmt.Errorf("vm %q: %s -> %s not allowed", vm.Name, vm.Phase, to))
}

func (vm *VM) fail(err error) {
	vm.mu.Lock()
	vm.lastErr = err
	vm.Phase = Error
	vm.mu.Unlock()

	vm.host.Log.Emit(hostctx.Error, map[string]interface{}{"vm": vm.Name, "err": err}, "vm entered Error phase")
}

// LastError returns the error that drove the VM into Error, if any.
func (vm *VM) LastError() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.lastErr
}

// runVCPU is one VCPU's entry/exit loop: LaunchOrResume transfers control
// until the next exit, then Dispatch handles it; a Stop disposition or a
// hypervisor-level error fails the whole VM, mirroring the teacher's
// Boot()'s per-CPU goroutine except with an explicit stop/pause gate
// instead of running until the guest or process dies.
func (vm *VM) runVCPU(v *vcpu.VCPU) {
	defer vm.wg.Done()

	if err := v.Transition(vcpu.Running); err != nil {
		vm.fail(err)

		return
	}

	for {
		select {
		case <-vm.stopCh:
			_ = v.Transition(vcpu.Shutdown)

			return
		default:
		}

		vm.waitIfPaused()

		if v.Phase == vcpu.Halted {
			if stopped := vm.waitForInterrupt(v); stopped {
				_ = v.Transition(vcpu.Shutdown)

				return
			}

			if err := v.Transition(vcpu.Running); err != nil {
				vm.fail(err)

				return
			}
		}

		if err := vm.engine.LaunchOrResume(vm.host, v); err != nil {
			vm.fail(err)

			return
		}

		disp, err := vm.disp.Dispatch(v)
		if disp == vmexit.Stop {
			vm.fail(err)

			return
		}
	}
}

// waitForInterrupt blocks a Halted VCPU's driving goroutine until either an
// interrupt is injected for it or the VM is stopped, instead of letting
// runVCPU re-decode the same HLT in a busy-spin (spec.md §4.3: HLT "returns
// continue only after an interrupt is pending"). It reports whether the
// wait ended because of a stop.
func (vm *VM) waitForInterrupt(v *vcpu.VCPU) (stopped bool) {
	if _, ok := v.ConsumePendingInterrupt(); ok {
		return false
	}

	select {
	case <-vm.stopCh:
		return true
	case <-v.InterruptSignal():
		_, _ = v.ConsumePendingInterrupt()

		return false
	}
}

func (vm *VM) waitIfPaused() {
	vm.mu.Lock()
	ch := vm.pauseCh
	vm.mu.Unlock()

	if ch != nil {
		<-ch
	}
}

// Start transitions Created→Starting→Running and launches one goroutine
// per VCPU. engine and disp are supplied by the caller (cmd wiring), not
// stored at Create time, so a restarted VM can rebind a fresh dispatcher
// with freshly reset device state.
func (vm *VM) Start(engine vmexec.HostHypervisor, disp *vmexit.Dispatcher) error {
	vm.mu.Lock()

	if err := vm.transitionLocked(Starting); err != nil {
		vm.mu.Unlock()

		return err
	}

	if err := engine.VMXOn(); err != nil {
		vm.mu.Unlock()

		return err
	}

	vm.engine = engine
	vm.disp = disp
	vm.stopCh = make(chan struct{})
	vm.wg.Add(len(vm.VCPUs))

	if err := vm.transitionLocked(Running); err != nil {
		vm.mu.Unlock()

		return err
	}

	vcpus := append([]*vcpu.VCPU(nil), vm.VCPUs...)
	vm.mu.Unlock()

	for _, v := range vcpus {
		go vm.runVCPU(v)
	}

	return nil
}

// Stop transitions Running/Paused→Stopping→Stopped, signals every VCPU
// goroutine to shut down, and waits for them to join.
func (vm *VM) Stop() error {
	vm.mu.Lock()

	if err := vm.transitionLocked(Stopping); err != nil {
		vm.mu.Unlock()

		return err
	}

	close(vm.stopCh)
	vm.mu.Unlock()

	vm.wg.Wait()

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.engine.VMXOff(); err != nil {
		vm.host.Log.Emit(hostctx.Warn, map[string]interface{}{"vm": vm.Name, "err": err}, "VMXOff failed on stop")
	}

	return vm.transitionLocked(Stopped)
}

// ForceStop is Stop without waiting on any in-flight exit to complete
// gracefully: the stop signal is the same, but callers that need an
// immediate return (e.g. a management API timeout) don't block on wg.Wait.
func (vm *VM) ForceStop() error {
	vm.mu.Lock()

	prev := vm.Phase
	if prev != Running && prev != Paused && prev != Starting {
		vm.mu.Unlock()

		return errs.Wrap("vmm.ForceStop", errs.InvalidState,
			fmt.Errorf("vm %q: cannot force-stop from %s", vm.Name, prev))
	}

	vm.Phase = Stopping

	if vm.stopCh != nil {
		select {
		case <-vm.stopCh:
		default:
			close(vm.stopCh)
		}
	}

	vm.mu.Unlock()

	go func() {
		vm.wg.Wait()

		vm.mu.Lock()
		vm.Phase = Stopped
		vm.mu.Unlock()
	}()

	return nil
}

// Pause transitions Running→Paused: every VCPU goroutine blocks at its next
// loop iteration on pauseCh instead of re-entering the guest.
func (vm *VM) Pause() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.transitionLocked(Paused); err != nil {
		return err
	}

	vm.pauseCh = make(chan struct{})

	return nil
}

// Resume transitions Paused→Running, releasing every VCPU goroutine
// blocked in Pause.
func (vm *VM) Resume() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.transitionLocked(Running); err != nil {
		return err
	}

	if vm.pauseCh != nil {
		close(vm.pauseCh)
		vm.pauseCh = nil
	}

	return nil
}

// Injector returns the hostctx.InterruptInjector that delivers device
// interrupts into this VM's VCPUs, for wiring into the virtio device
// back-ends a caller constructs against vm.GuestMemory().
func (vm *VM) Injector() hostctx.InterruptInjector {
	return (*vmInjector)(vm)
}

// vmInjector adapts VM to hostctx.InterruptInjector, resolving the integer
// VCPU index device back-ends use against vm.VCPUs.
type vmInjector VM

func (inj *vmInjector) Inject(vcpuIdx int, vector uint8) {
	vm := (*VM)(inj)

	vm.mu.Lock()
	vcpus := vm.VCPUs
	vm.mu.Unlock()

	if vcpuIdx < 0 || vcpuIdx >= len(vcpus) {
		return
	}

	vcpus[vcpuIdx].SetPendingInterrupt(vector)
}

// Restart stops the VM (if not already stopped) and starts it again with
// the same engine/dispatcher, resetting every VCPU to Created with a cleared
// register file first, so the guest re-executes from address 0.
func (vm *VM) Restart(engine vmexec.HostHypervisor, disp *vmexit.Dispatcher) error {
	vm.mu.Lock()
	phase := vm.Phase
	vm.mu.Unlock()

	if phase == Running || phase == Paused {
		if err := vm.Stop(); err != nil {
			return err
		}
	}

	vm.mu.Lock()
	for _, v := range vm.VCPUs {
		v.Phase = vcpu.Created
		v.Launched = false
		v.Regs = vcpu.Regs{}
	}

	vm.Phase = Created // Start() requires Created->Starting; rewind then replay
	vm.mu.Unlock()

	return vm.Start(engine, disp)
}

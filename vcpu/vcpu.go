// Package vcpu models one virtual CPU: its saved general-purpose register
// file, the VCB that drives it, and the lifecycle phase spec.md §3 describes.
//
// The register file's shape follows the teacher's kvm.Regs exactly (it is
// the register set hardware does not restore on its own and the hypervisor
// must save/restore around every entry/exit).
package vcpu

import (
	"fmt"
	"sync"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/vcb"
)

// Regs is the general-purpose register file saved across a VM-exit and
// reloaded on the next VM-entry.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RSP, RBP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFLAGS             uint64
}

// Phase is a VCPU's position in the lifecycle spec.md §3 defines.
type Phase int

const (
	Created Phase = iota
	Running
	Halted
	Waiting
	Shutdown
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "created"
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Waiting:
		return "waiting"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// legalTransitions lists the phase changes a VCPU may make. Anything not
// listed here is rejected by Transition with errs.InvalidState.
var legalTransitions = map[Phase]map[Phase]bool{
	Created:  {Running: true},
	Running:  {Halted: true, Waiting: true, Shutdown: true},
	Halted:   {Running: true, Shutdown: true},
	Waiting:  {Running: true, Shutdown: true},
	Shutdown: {},
}

// VCPU is one virtual CPU: register state, the control block that drives
// entry/exit, and the bookkeeping the exit dispatcher needs.
type VCPU struct {
	ID    int
	Regs  Regs
	VCB   *vcb.VCB
	Phase Phase

	// Launched is false until the first successful VM-entry; a VCPU that
	// has never launched uses LAUNCH instead of RESUME semantics.
	Launched bool

	// LastExitReason/LastExitQualification mirror the VCB's read-only
	// exit-info fields at the moment vmexit last handled an exit, kept
	// here so callers need not reach into the VCB to inspect history.
	LastExitReason      uint32
	LastExitQualification uint64

	// pendingMu guards pendingInterrupt/pendingVector, set by an
	// InterruptInjector bound to this VCPU (spec.md §6) from whatever
	// goroutine is servicing a device back-end's notify, and consumed by
	// this VCPU's own driving loop.
	pendingMu        sync.Mutex
	pendingInterrupt bool
	pendingVector    uint8

	// interruptCh is signaled, non-blockingly, whenever SetPendingInterrupt
	// runs, so a driving loop parked in a HLT wait (spec.md §4.3: HLT
	// "returns continue only after an interrupt is pending") wakes instead
	// of busy-spinning the host core re-decoding the same HLT forever.
	interruptCh chan struct{}
}

// New creates a VCPU in the Created phase with a fresh, default-deny VCB.
func New(id int, revision uint32) *VCPU {
	return &VCPU{
		ID:          id,
		VCB:         vcb.New(revision),
		Phase:       Created,
		interruptCh: make(chan struct{}, 1),
	}
}

// Transition moves the VCPU to a new phase, rejecting any change not in
// legalTransitions.
func (v *VCPU) Transition(to Phase) error {
	if legalTransitions[v.Phase][to] {
		v.Phase = to

		return nil
	}

	return errs.Wrap("vcpu.Transition", errs.InvalidState,
		fmt.Errorf("vcpu %d: %s -> %s not allowed", v.ID, v.Phase, to))
}

// RecordExit copies the VCB's read-only exit-info fields onto the VCPU after
// a VM-exit, for callers that inspect history without touching the VCB.
func (v *VCPU) RecordExit() {
	v.LastExitReason = v.VCB.Exit.Reason
	v.LastExitQualification = v.VCB.Exit.Qualification
}

// SetPendingInterrupt records vector as pending for this VCPU and wakes any
// driving loop parked on InterruptSignal, the hook an InterruptInjector
// bound to this VCPU calls from a device back-end's notify goroutine.
func (v *VCPU) SetPendingInterrupt(vector uint8) {
	v.pendingMu.Lock()
	v.pendingInterrupt = true
	v.pendingVector = vector
	v.pendingMu.Unlock()

	select {
	case v.interruptCh <- struct{}{}:
	default:
	}
}

// PendingInterrupt reports whether an interrupt is waiting to be consumed.
func (v *VCPU) PendingInterrupt() bool {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()

	return v.pendingInterrupt
}

// ConsumePendingInterrupt clears and returns the pending vector, if any.
func (v *VCPU) ConsumePendingInterrupt() (uint8, bool) {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()

	if !v.pendingInterrupt {
		return 0, false
	}

	v.pendingInterrupt = false
	vector := v.pendingVector
	v.pendingVector = 0

	return vector, true
}

// InterruptSignal returns the channel a driving loop waits on while this
// VCPU is Halted, woken once per SetPendingInterrupt call.
func (v *VCPU) InterruptSignal() <-chan struct{} {
	return v.interruptCh
}

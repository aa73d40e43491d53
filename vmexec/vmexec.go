// Package vmexec supplies the HostHypervisor abstraction the vmm package
// drives: VMXOn/VMXOff/LaunchOrResume, with exit info left in the VCPU's
// VCB.Exit fields. A production build would
// back this with real VMX instructions; SoftwareEngine here is the model
// exercised by this repository's own tests, decoding and retiring guest
// instructions with x86asm the way the teacher's debug tooling already does.
package vmexec

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/vcpu"
)

// Exit reasons, matching the handler table in spec.md §4.3.
const (
	ExitCPUID uint32 = iota
	ExitHLT
	ExitIO
	ExitRDMSR
	ExitWRMSR
	ExitCRAccess
	ExitNestedFault
	ExitHypercall
	ExitExternalInterrupt
	ExitTripleFault
	ExitUnknown
)

// HostHypervisor is the hardware-facing surface the VM manager drives per
// VCPU. Exactly one concrete implementation ships in this module
// (SoftwareEngine); a real build would satisfy it with VMXON/VMLAUNCH/
// VMRESUME/VMREAD instructions instead.
type HostHypervisor interface {
	// VMXOn enables VMX operation for the calling host thread.
	VMXOn() error
	// VMXOff leaves VMX operation.
	VMXOff() error
	// LaunchOrResume transfers control to the guest described by v until
	// the next VM-exit, then returns with v.VCB.Exit populated.
	LaunchOrResume(host *hostctx.Host, v *vcpu.VCPU) error
}

// SoftwareEngine is a host-thread-local model of the VMX entry/exit loop.
// It does not require real VT-x hardware: it decodes the guest instruction
// at the saved RIP with x86asm and synthesizes the {reason, qualification}
// shape a real VM-exit would produce.
type SoftwareEngine struct {
	on bool
}

var _ HostHypervisor = (*SoftwareEngine)(nil)

func (e *SoftwareEngine) VMXOn() error {
	if e.on {
		return errs.Wrap("vmexec.VMXOn", errs.InvalidState, fmt.Errorf("already on"))
	}

	e.on = true

	return nil
}

func (e *SoftwareEngine) VMXOff() error {
	if !e.on {
		return errs.Wrap("vmexec.VMXOff", errs.InvalidState, fmt.Errorf("not on"))
	}

	e.on = false

	return nil
}

// LaunchOrResume decodes one instruction at the guest's saved RIP and
// synthesizes the exit a real VM-exit would produce for it. The guest
// memory backing the fetch comes from host's FrameStore, the frame pool
// a real nested-translation walk would ultimately resolve to.
func (e *SoftwareEngine) LaunchOrResume(host *hostctx.Host, v *vcpu.VCPU) error {
	if !e.on {
		return errs.Wrap("vmexec.LaunchOrResume", errs.InvalidState, fmt.Errorf("VMX not enabled"))
	}

	insn, err := fetchGuestBytes(host, v.Regs.RIP, 16)
	if err != nil {
		v.VCB.Exit.Reason = ExitNestedFault
		v.VCB.Exit.GuestLinearAddress = v.Regs.RIP

		return nil
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		v.VCB.Exit.Reason = ExitUnknown

		return nil
	}

	reason, qual := classify(d)
	v.VCB.Exit.Reason = reason
	v.VCB.Exit.Qualification = qual
	v.VCB.Exit.InstructionLength = uint32(d.Len)

	v.Launched = true

	return nil
}

// classify maps a decoded x86asm instruction to the exit reason and
// qualification a real CPU would have produced for it, per the semantics
// spec.md §4.3 assigns to each exit.
func classify(d x86asm.Inst) (reason uint32, qualification uint64) {
	switch d.Op {
	case x86asm.CPUID:
		return ExitCPUID, 0
	case x86asm.HLT:
		return ExitHLT, 0
	case x86asm.IN, x86asm.INSB, x86asm.INSW, x86asm.INSD:
		return ExitIO, qualIO(d, false)
	case x86asm.OUT, x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return ExitIO, qualIO(d, true)
	case x86asm.RDMSR:
		return ExitRDMSR, 0
	case x86asm.WRMSR:
		return ExitWRMSR, 0
	case x86asm.MOV:
		if qual, isCR := qualCRAccess(d); isCR {
			return ExitCRAccess, qual
		}

		return ExitUnknown, 0
	case x86asm.SYSCALL:
		// Real VT-x hardware dedicates the VMCALL opcode to hypercalls;
		// x86asm (built for generic decode, not VMX) has no such opcode,
		// so the software engine recognizes SYSCALL as the guest's
		// hypercall instruction instead.
		return ExitHypercall, 0
	default:
		return ExitUnknown, 0
	}
}

// qualIO packs {port, size, direction} into the exit qualification, in the
// same bit positions spec.md's data model describes for an I/O exit.
func qualIO(d x86asm.Inst, out bool) uint64 {
	var port uint64

	// The immediate port is the second operand of IN and the first of OUT.
	for _, a := range d.Args {
		if imm, ok := a.(x86asm.Imm); ok {
			port = uint64(imm)
		}
	}

	q := port << 16
	q |= ioOperandSize(d) << 8

	if out {
		q |= 1
	}

	return q
}

// ioOperandSize returns the width in bytes of an IN/OUT's accumulator
// operand (AL/AX/EAX). x86asm.Inst.MemBytes is always 0 for these
// instructions — IN/OUT have no memory operand, only register and
// immediate-port operands — so the transfer width has to come from the
// register operand instead.
func ioOperandSize(d x86asm.Inst) uint64 {
	for _, a := range d.Args {
		reg, ok := a.(x86asm.Reg)
		if !ok {
			continue
		}

		switch reg {
		case x86asm.AL:
			return 1
		case x86asm.AX:
			return 2
		case x86asm.EAX:
			return 4
		}
	}

	return 1
}

// qualCRAccess reports whether a MOV instruction targets a control register
// and, if so, packs {CR number, direction} into the qualification.
func qualCRAccess(d x86asm.Inst) (uint64, bool) {
	for i, a := range d.Args {
		reg, ok := a.(x86asm.Reg)
		if !ok {
			continue
		}

		crNum, isCR := controlRegisterNumber(reg)
		if !isCR {
			continue
		}

		direction := uint64(0) // 0 = MOV to CR (write)
		if i == 1 {
			direction = 1 // MOV from CR (read)
		}

		return uint64(crNum) | direction<<4, true
	}

	return 0, false
}

func controlRegisterNumber(r x86asm.Reg) (int, bool) {
	switch r {
	case x86asm.CR0:
		return 0, true
	case x86asm.CR2:
		return 2, true
	case x86asm.CR3:
		return 3, true
	case x86asm.CR4:
		return 4, true
	default:
		return 0, false
	}
}

// fetchGuestBytes reads n bytes of guest code at vaddr from the host's frame
// store. The software engine treats the guest-virtual and guest-physical
// address spaces as identical, matching the flat-mode addressing spec.md's
// own test scenarios use.
func fetchGuestBytes(host *hostctx.Host, vaddr uint64, n int) ([]byte, error) {
	frame := hostctx.Frame(vaddr / hostctx.FrameSize)
	offset := vaddr % hostctx.FrameSize

	page := host.Pages.Bytes(frame, 0)
	if offset+uint64(n) > uint64(len(page)) {
		return nil, errs.Wrap("vmexec.fetchGuestBytes", errs.GuestFaultFatal, fmt.Errorf("fault at %#x", vaddr))
	}

	out := make([]byte, n)
	copy(out, page[offset:])

	return out, nil
}

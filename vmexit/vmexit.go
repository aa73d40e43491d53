// Package vmexit dispatches a VM-exit to the handler its exit reason
// selects, the way machine.Machine.RunOnce switches on kvm.ExitType in the
// teacher this module is built from. Handlers return Continue (re-enter the
// loop) or Stop (fatal — the caller marks the VM Error), mirroring
// RunOnce's (isContinue bool, err error) shape.
package vmexit

import (
	"fmt"

	"github.com/purevisor/purevisor/cpuid"
	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/vcpu"
	"github.com/purevisor/purevisor/vmexec"
)

// Disposition is a handler's verdict.
type Disposition int

const (
	Continue Disposition = iota
	Stop
)

// IOPort is the device-side hook for an I/O exit: Read services an IN of
// size bytes and returns the value placed in the A register; Write services
// an OUT of size bytes carrying value, matching spec.md's "serve IN/OUT"
// handler semantics.
type IOPort interface {
	Read(port uint16, size int) uint32
	Write(port uint16, size int, value uint32)
}

// HypercallTable services a guest hypercall by index, returning the value
// placed into the A register.
type HypercallTable map[uint64]func(v *vcpu.VCPU) uint64

// MSRWhitelist services RDMSR/WRMSR for a small, known set of MSR indices.
type MSRWhitelist map[uint32]struct {
	Read  func(v *vcpu.VCPU) uint64
	Write func(v *vcpu.VCPU, value uint64)
}

// MSR indices and the fixed APIC-base value the default whitelist services,
// per spec.md §4.3's "a small whitelist (EFER, APIC-base, FS/GS base)".
const (
	msrEFER     uint32 = 0xC0000080
	msrFSBase   uint32 = 0xC0000100
	msrGSBase   uint32 = 0xC0000101
	msrAPICBase uint32 = 0x1B

	// apicBaseDefault places the local APIC at its architectural default
	// MMIO address with the enable bit (bit 11) set; this module has no
	// APIC relocation support, so RDMSR/WRMSR on this index is a fixed
	// value rather than a live register.
	apicBaseDefault uint64 = 0xFEE00000 | (1 << 11)
)

// DefaultMSRWhitelist builds the whitelist spec.md §4.3 names: EFER and
// FS/GS base read/write the corresponding VCB guest fields, APIC-base reads
// back a fixed value and ignores writes.
func DefaultMSRWhitelist() MSRWhitelist {
	return MSRWhitelist{
		msrEFER: {
			Read:  func(v *vcpu.VCPU) uint64 { return v.VCB.Guest.EFER },
			Write: func(v *vcpu.VCPU, value uint64) { v.VCB.Guest.EFER = value },
		},
		msrFSBase: {
			Read:  func(v *vcpu.VCPU) uint64 { return v.VCB.Guest.FS.Base },
			Write: func(v *vcpu.VCPU, value uint64) { v.VCB.Guest.FS.Base = value },
		},
		msrGSBase: {
			Read:  func(v *vcpu.VCPU) uint64 { return v.VCB.Guest.GS.Base },
			Write: func(v *vcpu.VCPU, value uint64) { v.VCB.Guest.GS.Base = value },
		},
		msrAPICBase: {
			Read:  func(v *vcpu.VCPU) uint64 { return apicBaseDefault },
			Write: func(v *vcpu.VCPU, value uint64) {},
		},
	}
}

// Dispatcher wires the device and hypercall tables a VM needs into exit
// handling; one Dispatcher is shared by every VCPU of a VM.
type Dispatcher struct {
	Host       *hostctx.Host
	Ports      map[uint16]IOPort
	Hypercalls HypercallTable
	MSRs       MSRWhitelist
}

// Dispatch handles one VM-exit for v and reports whether the loop should
// continue.
func (d *Dispatcher) Dispatch(v *vcpu.VCPU) (Disposition, error) {
	v.RecordExit()

	switch v.VCB.Exit.Reason {
	case vmexec.ExitCPUID:
		d.handleCPUID(v)
		d.advance(v)

		return Continue, nil

	case vmexec.ExitHLT:
		if v.Phase != vcpu.Halted {
			d.advance(v)

			if err := v.Transition(vcpu.Halted); err != nil {
				return Stop, err
			}
		}

		return Continue, nil

	case vmexec.ExitIO:
		disp, err := d.handleIO(v)
		if disp == Continue {
			d.advance(v)
		}

		return disp, err

	case vmexec.ExitRDMSR:
		d.handleRDMSR(v)
		d.advance(v)

		return Continue, nil

	case vmexec.ExitWRMSR:
		d.handleWRMSR(v)
		d.advance(v)

		return Continue, nil

	case vmexec.ExitCRAccess:
		disp, err := d.handleCRAccess(v)
		if disp == Continue {
			d.advance(v)
		}

		return disp, err

	case vmexec.ExitNestedFault:
		d.Host.Log.Emit(hostctx.Error, map[string]interface{}{
			"vcpu": v.ID, "addr": v.VCB.Exit.GuestLinearAddress,
		}, "nested-translation fault")

		return Stop, errs.Wrap("vmexit.Dispatch", errs.GuestFaultFatal,
			fmt.Errorf("nested fault at %#x", v.VCB.Exit.GuestLinearAddress))

	case vmexec.ExitHypercall:
		disp, err := d.handleHypercall(v)
		if disp == Continue {
			d.advance(v)
		}

		return disp, err

	case vmexec.ExitExternalInterrupt:
		return Continue, nil

	case vmexec.ExitTripleFault:
		return Stop, errs.Wrap("vmexit.Dispatch", errs.GuestFaultFatal, fmt.Errorf("triple fault"))

	default:
		return Stop, errs.Wrap("vmexit.Dispatch", errs.GuestFaultFatal,
			fmt.Errorf("unexpected exit reason %d", v.VCB.Exit.Reason))
	}
}

// advance moves the guest past the instruction that caused the exit, as
// spec.md §4.3 requires of every in-place emulator.
func (d *Dispatcher) advance(v *vcpu.VCPU) {
	v.Regs.RIP += uint64(v.VCB.Exit.InstructionLength)
	v.VCB.Guest.RIP = v.Regs.RIP
}

// handleCPUID delegates to the cpuid package, which already performs the
// masking and signature-leaf override spec.md §4.3 requires, then writes
// the result back to the guest's A/B/C/D registers.
func (d *Dispatcher) handleCPUID(v *vcpu.VCPU) {
	r := cpuid.Query(uint32(v.Regs.RAX), uint32(v.Regs.RCX))
	v.Regs.RAX, v.Regs.RBX, v.Regs.RCX, v.Regs.RDX = uint64(r.EAX), uint64(r.EBX), uint64(r.ECX), uint64(r.EDX)
}

// handleIO decodes {port, size, direction} from the exit qualification and
// serves it from the matching IOPort, defaulting to all-ones for an
// unmapped IN and a no-op for an unmapped OUT, per spec.md §4.3.
func (d *Dispatcher) handleIO(v *vcpu.VCPU) (Disposition, error) {
	q := v.VCB.Exit.Qualification
	port := uint16(q >> 16)
	size := int((q >> 8) & 0xF)
	out := q&1 != 0

	dev, ok := d.Ports[port]

	if out {
		if ok {
			dev.Write(port, size, uint32(v.Regs.RAX))
		}

		return Continue, nil
	}

	if !ok {
		v.Regs.RAX = ^uint64(0)

		return Continue, nil
	}

	v.Regs.RAX = uint64(dev.Read(port, size))

	return Continue, nil
}

// handleRDMSR services a whitelisted MSR read; anything else returns zero,
// per spec.md §4.3.
func (d *Dispatcher) handleRDMSR(v *vcpu.VCPU) {
	msr := uint32(v.Regs.RCX)

	if entry, ok := d.MSRs[msr]; ok && entry.Read != nil {
		v.Regs.RAX = entry.Read(v)

		return
	}

	v.Regs.RAX = 0
}

// handleWRMSR services a whitelisted MSR write; anything else logs a
// warning and no-ops, per the VCB Open Question resolution recorded in
// DESIGN.md (no #GP injection for unknown MSRs).
func (d *Dispatcher) handleWRMSR(v *vcpu.VCPU) {
	msr := uint32(v.Regs.RCX)
	value := (v.Regs.RDX << 32) | (v.Regs.RAX & 0xFFFFFFFF)

	if entry, ok := d.MSRs[msr]; ok && entry.Write != nil {
		entry.Write(v, value)

		return
	}

	d.Host.Log.Emit(hostctx.Warn, map[string]interface{}{
		"vcpu": v.ID, "msr": msr,
	}, "write to unknown MSR ignored")
}

// handleCRAccess decodes {CR number, direction} and updates the guest field
// (and, for CR0/CR4, the read shadow) or reports unsupported CR operations
// as fatal, per spec.md §4.3.
func (d *Dispatcher) handleCRAccess(v *vcpu.VCPU) (Disposition, error) {
	q := v.VCB.Exit.Qualification
	cr := q & 0xF
	isRead := q&0x10 != 0

	switch cr {
	case 0:
		if isRead {
			v.Regs.RAX = v.VCB.Guest.CR0
		} else {
			v.VCB.Guest.CR0 = v.Regs.RAX
			v.VCB.Controls.CR0Shadow = v.Regs.RAX
		}
	case 3:
		if isRead {
			v.Regs.RAX = v.VCB.Guest.CR3
		} else {
			v.VCB.Guest.CR3 = v.Regs.RAX
		}
	case 4:
		if isRead {
			v.Regs.RAX = v.VCB.Guest.CR4
		} else {
			v.VCB.Guest.CR4 = v.Regs.RAX
			v.VCB.Controls.CR4Shadow = v.Regs.RAX
		}
	default:
		return Stop, errs.Wrap("vmexit.handleCRAccess", errs.UnsupportedFeature,
			fmt.Errorf("CR%d access unsupported", cr))
	}

	return Continue, nil
}

// handleHypercall dispatches the guest's A-register-selected hypercall
// index through the table, returning "stop" if the index is unknown.
func (d *Dispatcher) handleHypercall(v *vcpu.VCPU) (Disposition, error) {
	fn, ok := d.Hypercalls[v.Regs.RAX]
	if !ok {
		return Stop, errs.Wrap("vmexit.handleHypercall", errs.UnsupportedFeature,
			fmt.Errorf("unknown hypercall %d", v.Regs.RAX))
	}

	v.Regs.RAX = fn(v)

	return Continue, nil
}

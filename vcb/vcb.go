// Package vcb defines the Virtualization Control Block: the fixed,
// hardware-dictated layout that backs one VCPU's host state, guest state,
// execution controls, and read-only exit info.
//
// The field layout mirrors kvm.Sregs/kvm.Regs from the teacher this module
// was built from: flat structs of scalar and Segment/Descriptor fields, with
// no pointers into the struct itself, so the whole thing can be handed to
// hardware (or, here, to a software model of hardware) as a byte blob.
package vcb

import (
	"fmt"
	"unsafe"
)

// Segment is an x86 segment descriptor cache entry, loaded into a segment
// register by VM-entry and saved back out at VM-exit.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor points at a GDT, IDT, or LDT.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// GuestState is the portion of the VCB loaded into the guest on VM-entry and
// saved from the guest on VM-exit.
type GuestState struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                        Descriptor

	CR0, CR2, CR3, CR4 uint64
	EFER               uint64

	RIP    uint64
	RSP    uint64
	RFLAGS uint64

	SysenterCS  uint32
	SysenterESP uint64
	SysenterEIP uint64

	// PendingDebugExceptions and InterruptibilityState gate whether an
	// external interrupt can be injected on the next entry (§4.3's
	// "external interrupt" exit reason needs this to decide re-injection).
	PendingDebugExceptions uint64
	InterruptibilityState  uint32
	_                      uint32
}

// HostState is the portion of the VCB loaded on VM-exit so the hypervisor
// resumes in a known environment. Host segment registers are flat selectors,
// not full Segment caches, per the VMX host-state area's rules.
type HostState struct {
	CR0, CR3, CR4 uint64
	EFER          uint64

	CS, DS, ES, FS, GS, SS, TR uint16
	_                          uint16

	GDTBase, IDTBase uint64
	FSBase, GSBase   uint64
	TRBase           uint64

	SysenterCS  uint32
	_           uint32
	SysenterESP uint64
	SysenterEIP uint64

	// EntryRIP/EntryRSP are the hypervisor's resume point: the exit
	// handler's entry trampoline and its own stack for this VCPU.
	EntryRIP uint64
	EntryRSP uint64
}

// ExecutionControls selects which events and instructions cause a VM-exit
// and points at the nested-translation root and the I/O and MSR permission
// bitmaps. The bitmap fields hold the frame-backed byte slices directly
// rather than raw hardware addresses, since this module's HostHypervisor
// abstraction (see package vmexec) consumes Go slices, not physical pointers.
type ExecutionControls struct {
	PinBased    uint32
	ProcBased   uint32
	ProcBased2  uint32
	VMEntry     uint32
	VMExit      uint32
	_           uint32
	Exception   uint32 // exception bitmap: bit i traps exception vector i

	CR0Mask, CR0Shadow uint64
	CR4Mask, CR4Shadow uint64

	// NestedTranslationRoot is the CR3-shaped pointer returned by
	// gpt.GPT.Create: frame | cache type | walk-length encoding.
	NestedTranslationRoot uint64

	IOBitmapA  []byte // ports 0x0000-0x7FFF, one bit per port
	IOBitmapB  []byte // ports 0x8000-0xFFFF
	MSRBitmap  []byte // four 1024-byte regions: read-low, read-high, write-low, write-high
}

// ExitInfo is the read-only section populated by the hardware (or software
// model) on every VM-exit.
type ExitInfo struct {
	Reason             uint32
	_                  uint32
	Qualification      uint64
	InstructionLength  uint32
	_                  uint32
	GuestLinearAddress uint64
	GuestPhysAddress    uint64
}

// VCB is the full Virtualization Control Block for one VCPU.
type VCB struct {
	// Revision is the hardware/engine revision identifier, read during the
	// VCB "Identify" phase before the block may be used.
	Revision uint32
	_        uint32

	Host     HostState
	Guest    GuestState
	Controls ExecutionControls
	Exit     ExitInfo
}

// ioBitmapSize is 4KiB: one bit per I/O port across half the 16-bit port
// space, matching the VMX I/O-bitmap page size.
const ioBitmapSize = 4096

// msrBitmapSize is 4KiB, split into four 1024-byte (8192-bit) regions.
const msrBitmapSize = 4096

// New returns a VCB with default-deny I/O and MSR bitmaps (every bit set,
// meaning "trap"), per spec.md's default-deny requirement for the two
// permission bitmaps.
func New(revision uint32) *VCB {
	v := &VCB{Revision: revision}
	v.Controls.IOBitmapA = denyAll(ioBitmapSize)
	v.Controls.IOBitmapB = denyAll(ioBitmapSize)
	v.Controls.MSRBitmap = denyAll(msrBitmapSize)

	return v
}

func denyAll(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}

	return b
}

// AllowPort clears the trap bit for a single I/O port.
func (v *VCB) AllowPort(port uint16) {
	bitmap := v.Controls.IOBitmapA
	bit := port

	if port >= 0x8000 {
		bitmap = v.Controls.IOBitmapB
		bit = port - 0x8000
	}

	bitmap[bit/8] &^= 1 << (bit % 8)
}

// PortTrapped reports whether an access to port must VM-exit.
func (v *VCB) PortTrapped(port uint16) bool {
	bitmap := v.Controls.IOBitmapA
	bit := port

	if port >= 0x8000 {
		bitmap = v.Controls.IOBitmapB
		bit = port - 0x8000
	}

	return bitmap[bit/8]&(1<<(bit%8)) != 0
}

// msrBitmapBit maps an MSR index to a bit offset within its low/high window,
// per the VMX MSR-bitmap layout: low MSRs are 0x0-0x1FFF, high MSRs are
// 0xC0000000-0xC0001FFF. MSRs outside both windows always trap, matching the
// hardware rule that the bitmap only covers those two documented ranges.
func msrBitmapBit(msr uint32, write bool) (region int, bit uint32, ok bool) {
	switch {
	case msr <= 0x1FFF:
		bit = msr
	case msr >= 0xC0000000 && msr <= 0xC0001FFF:
		bit = msr - 0xC0000000
		region = 1
	default:
		return 0, 0, false
	}

	if write {
		region += 2
	}

	return region, bit, true
}

// AllowMSR clears the trap bit for an RDMSR (write=false) or WRMSR
// (write=true) on the given MSR index, if it falls within a bitmapped range.
func (v *VCB) AllowMSR(msr uint32, write bool) {
	const regionBytes = msrBitmapSize / 4

	region, bit, ok := msrBitmapBit(msr, write)
	if !ok {
		return
	}

	start := region * regionBytes
	v.Controls.MSRBitmap[start+int(bit/8)] &^= 1 << (bit % 8)
}

// MSRTrapped reports whether an RDMSR/WRMSR on msr must VM-exit.
func (v *VCB) MSRTrapped(msr uint32, write bool) bool {
	const regionBytes = msrBitmapSize / 4

	region, bit, ok := msrBitmapBit(msr, write)
	if !ok {
		return true
	}

	start := region * regionBytes

	return v.Controls.MSRBitmap[start+int(bit/8)]&(1<<(bit%8)) != 0
}

func init() {
	assertLayout()
}

// assertLayout panics if the packed structs above drift from the sizes and
// offsets a real VMX host-state/guest-state/controls area would require,
// per spec.md §9's "packed on-disk / hardware layouts" rule.
func assertLayout() {
	var seg Segment
	if unsafe.Sizeof(seg) != 24 {
		panic(fmt.Sprintf("vcb: Segment size drifted to %d, want 24", unsafe.Sizeof(seg)))
	}

	var desc Descriptor
	if unsafe.Sizeof(desc) != 16 {
		panic(fmt.Sprintf("vcb: Descriptor size drifted to %d, want 16", unsafe.Sizeof(desc)))
	}

	var hs HostState
	if unsafe.Offsetof(hs.EntryRIP) == 0 {
		panic("vcb: HostState.EntryRIP offset must be nonzero")
	}

	var gs GuestState
	if unsafe.Offsetof(gs.GDT) != unsafe.Sizeof(Segment{})*8 {
		panic("vcb: GuestState.GDT must immediately follow the eight Segment fields")
	}

	var ei ExitInfo
	if unsafe.Offsetof(ei.Qualification)%8 != 0 {
		panic("vcb: ExitInfo.Qualification must be 8-byte aligned")
	}
}

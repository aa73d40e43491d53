// Package cpuid executes the real CPUID instruction on behalf of a guest
// and applies the masking spec §4.3's CPUID handler requires. Adapted from
// the teacher's cpuid package (cpuid/cpuid.go, cpuid/features.go): the same
// low-level cpuidLow stub and bit-indexed feature constants, generalized
// from "patch a KVM CPUID2 array before vcpu creation" to "emulate one
// runtime CPUID exit".
package cpuid

// The Sig* constants spell the fixed hypervisor-identification string returned for
// leaf 0x40000000 (spec §4.3), chosen the way the teacher's initCPUID
// stamps "KVMK"/"VMKV"/"M" into the signature leaf (kvm/kvm.go).
const (
	LeafSignature = 0x40000000
	LeafFeatures  = 0x40000001

	SigEBX = 0x72755065 // "ePur"
	SigECX = 0x73695665 // "eVis"
	SigEDX = 0x00726F   // "or\0"

	// hypervisorPresentBit is CPUID.1:ECX[31], set by real hardware/KVM to
	// tell software it is running virtualized; the guest must not see it
	// set a second time once we are the one virtualizing.
	hypervisorPresentBit = 1 << 31

	// vmxPresentBit is CPUID.1:ECX[5], the VMX feature bit: a guest must
	// never observe nested virtualization capability from this hypervisor.
	vmxPresentBit = 1 << 5
)

// Result is the four result registers of one CPUID query.
type Result struct {
	EAX, EBX, ECX, EDX uint32
}

// Query executes real CPUID for (leaf, subleaf) and applies the masking and
// signature override spec §4.3 requires of the exit handler.
func Query(leaf, subleaf uint32) Result {
	if leaf == LeafSignature {
		return Result{EAX: LeafFeatures, EBX: SigEBX, ECX: SigECX, EDX: SigEDX}
	}

	eax, ebx, ecx, edx := cpuidLow(leaf, subleaf)

	if leaf == 1 {
		ecx &^= hypervisorPresentBit
		ecx &^= vmxPresentBit
	}

	return Result{EAX: eax, EBX: ebx, ECX: ecx, EDX: edx}
}

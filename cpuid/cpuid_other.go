//go:build !amd64

package cpuid

// cpuidLow has no meaning off x86_64; this hypervisor targets Intel VT-x
// exclusively (spec §1 non-goals), so non-amd64 builds never reach it at
// runtime. It exists only so the package still builds for tooling (vet,
// cross-compiled lint) on other GOARCH values.
func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	panic("cpuid: unsupported on this architecture")
}

//go:build amd64

package cpuid

//go:noescape
func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

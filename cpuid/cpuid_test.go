package cpuid_test

import (
	"runtime"
	"testing"

	"github.com/purevisor/purevisor/cpuid"
)

func TestSignatureLeaf(t *testing.T) {
	t.Parallel()

	r := cpuid.Query(cpuid.LeafSignature, 0)

	if r.EAX != cpuid.LeafFeatures {
		t.Fatalf("EAX = %#x, want %#x", r.EAX, cpuid.LeafFeatures)
	}
}

func TestLeaf1MasksHypervisorBits(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("CPUID only available on amd64")
	}

	t.Parallel()

	r := cpuid.Query(1, 0)

	if r.ECX&(1<<31) != 0 {
		t.Fatalf("hypervisor-present bit leaked to guest: ecx=%#x", r.ECX)
	}

	if r.ECX&(1<<5) != 0 {
		t.Fatalf("VMX feature bit leaked to guest: ecx=%#x", r.ECX)
	}
}

package gpt_test

import (
	"testing"

	"github.com/purevisor/purevisor/gpt"
	"github.com/purevisor/purevisor/hostctx"
)

func newGPT(t *testing.T) (*gpt.GPT, hostctx.FrameStore) {
	t.Helper()

	store := hostctx.NewArenaAllocator(256 * 1024 * 1024)
	g := &gpt.GPT{}

	if _, err := g.Create(store); err != nil {
		t.Fatalf("Create: %v", err)
	}

	return g, store
}

func TestMapTranslateRoundTrip(t *testing.T) {
	t.Parallel()

	g, _ := newGPT(t)

	ranges := []struct {
		gpa, hpa, length uint64
	}{
		{0x0, 0x1000_0000, 0x4000},     // 4 x 4K pages
		{0x20_0000, 0x2000_0000, 0x20_0000}, // one 2M page
		{0x4000_0000, 0x4000_0000, 0x4000_0000}, // one 1G page
	}

	for _, r := range ranges {
		if err := g.MapRange(r.gpa, r.hpa, r.length, gpt.PermR|gpt.PermW, gpt.CacheWriteBack); err != nil {
			t.Fatalf("MapRange(%#x): %v", r.gpa, err)
		}
	}

	for _, r := range ranges {
		for off := uint64(0); off < r.length; off += 0x1000 {
			hpa, _, ok := g.Translate(r.gpa + off)
			if !ok {
				t.Fatalf("Translate(%#x): miss", r.gpa+off)
			}

			if want := r.hpa + off; hpa != want {
				t.Fatalf("Translate(%#x) = %#x, want %#x", r.gpa+off, hpa, want)
			}
		}
	}

	// An address outside every installed range must miss.
	if _, _, ok := g.Translate(0x8000_0000); ok {
		t.Fatalf("Translate(0x80000000) unexpectedly hit")
	}
}

func TestUnmapRangeClearsLeaves(t *testing.T) {
	t.Parallel()

	g, _ := newGPT(t)

	if err := g.MapRange(0x1000, 0x5000, 0x3000, gpt.PermR, gpt.CacheWriteBack); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if err := g.UnmapRange(0x1000, 0x3000); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}

	if _, _, ok := g.Translate(0x1000); ok {
		t.Fatalf("Translate after unmap unexpectedly hit")
	}
}

func TestSetPermissionsRequiresExistingLeaf(t *testing.T) {
	t.Parallel()

	g, _ := newGPT(t)

	if err := g.SetPermissions(0x9000, gpt.PermR); err == nil {
		t.Fatalf("SetPermissions on unmapped address should fail")
	}

	if err := g.MapRange(0x9000, 0x9000, 0x1000, gpt.PermR, gpt.CacheWriteBack); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if err := g.SetPermissions(0x9000, gpt.PermR|gpt.PermX); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
}

func TestLargestLeafChosen(t *testing.T) {
	t.Parallel()

	g, _ := newGPT(t)

	// 1 page past a full 2M alignment window: the first 2M should be one 2M
	// leaf and only the remainder should fall back to a 4K leaf, not force
	// the whole range small.
	const length = 0x20_1000 // 2M + 4K

	if err := g.MapRange(0, 0, length, gpt.PermRWX, gpt.CacheWriteBack); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	for off := uint64(0); off < length; off += 0x1000 {
		_, leaf, ok := g.Translate(off)
		if !ok {
			t.Fatalf("Translate(%#x): miss", off)
		}

		want := uint64(0x20_0000)
		if off >= 0x20_0000 {
			want = 0x1000
		}

		if leaf != want {
			t.Fatalf("Translate(%#x): leaf size %#x, want %#x", off, leaf, want)
		}
	}
}

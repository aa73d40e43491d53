// Package gpt implements the guest-physical page table: the four-level
// nested-translation tree described in spec §3/§4.1. Lifecycle: created with
// a VM, mutated only while that VM is not entered, freed with the VM (spec
// §3's GPT invariants).
//
// Layout is modeled on 4-level x86-64 paging, the nested-translation shape
// spec.md's data model paraphrases (Intel SDM vol. 3C §28.2.2): 9 bits of
// index per level over a 48-bit guest-physical address, 512 64-bit entries
// per node, leaves at 1 GiB (level 2), 2 MiB (level 1), or 4 KiB (level 0).
package gpt

import (
	"encoding/binary"
	"errors"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/hostctx"
)

// Perm is the {R, W, X} permission triple, packed per spec §6's GPT entry
// wire layout: R=bit0, W=bit1, X=bit2.
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
	PermRWX = PermR | PermW | PermX
)

// CacheType mirrors the three PAT-addressable cache types this module cares
// about.
type CacheType uint8

const (
	CacheWriteBack CacheType = iota
	CacheWriteThrough
	CacheUncacheable
)

const (
	entriesPerNode = 512
	indexBits      = 9
	pageShift      = 12

	leaf4K = uint64(1) << 12
	leaf2M = uint64(1) << 21
	leaf1G = uint64(1) << 30

	entryPresentBit = 1 << 62 // software-only "present" marker, outside the hw-defined low bits
	entryLargeBit   = 1 << 7
	entryFrameShift = 12
	entryFrameMask  = 0x0000FFFFFFFFF000 // bits 12..47
	entryCacheShift = 3
	entryCacheMask  = 0x7
	entryPermMask   = 0x7
)

var (
	ErrNoMapping  = errors.New("gpt: no leaf maps this address")
	ErrMisaligned = errors.New("gpt: frame address misaligned for leaf size")
)

// entry is one 64-bit GPT entry, laid out exactly as spec §6 describes:
// frame base in bits 12..47, permission bits {R=0,W=1,X=2}, cache type bits
// 3..5, large-page flag bit 7.
type entry uint64

func makeEntry(frame uint64, perm Perm, cache CacheType, large bool) entry {
	e := entryPresentBit | (frame & entryFrameMask) | uint64(perm&entryPermMask)
	e |= uint64(cache&entryCacheMask) << entryCacheShift

	if large {
		e |= entryLargeBit
	}

	return entry(e)
}

func (e entry) present() bool { return e&entryPresentBit != 0 }
func (e entry) frame() uint64  { return uint64(e) & entryFrameMask }
func (e entry) perm() Perm     { return Perm(e & entryPermMask) }
func (e entry) cache() CacheType {
	return CacheType((e >> entryCacheShift) & entryCacheMask)
}
func (e entry) large() bool { return e&entryLargeBit != 0 }

// node views a frame's backing bytes as 512 little-endian 64-bit entries.
type node struct {
	frame hostctx.Frame
	bytes []byte
}

func (n node) get(i int) entry {
	return entry(binary.LittleEndian.Uint64(n.bytes[i*8:]))
}

func (n node) set(i int, e entry) {
	binary.LittleEndian.PutUint64(n.bytes[i*8:], uint64(e))
}

// GPT is one VM's guest-physical page table.
type GPT struct {
	store hostctx.FrameStore
	root  hostctx.Frame
}

// RootPointer is the hardware-consumed pointer identifying the root: the
// top-level frame address OR-ed with the cache type and the four-level walk
// length encoding (bits 3-5 = cache type, bits 0-2 = (levels-1) = 3, matching
// the EPTP shape spec.md's data model describes).
type RootPointer uint64

func (g *GPT) Create(store hostctx.FrameStore) (RootPointer, error) {
	f, err := store.Alloc(0)
	if err != nil {
		return 0, errs.Wrap("gpt.Create", errs.OutOfMemory, err)
	}

	b := store.Bytes(f, 0)
	for i := range b {
		b[i] = 0
	}

	g.store = store
	g.root = f

	return RootPointer(uint64(f)*hostctx.FrameSize | uint64(CacheWriteBack)<<3 | 3), nil
}

func (g *GPT) node(f hostctx.Frame) node {
	return node{frame: f, bytes: g.store.Bytes(f, 0)}
}

func (g *GPT) allocNode() (node, error) {
	f, err := g.store.Alloc(0)
	if err != nil {
		return node{}, errs.Wrap("gpt.allocNode", errs.OutOfMemory, err)
	}

	n := g.node(f)
	for i := range n.bytes {
		n.bytes[i] = 0
	}

	return n, nil
}

func indices(gpa uint64) (l3, l2, l1, l0 int) {
	l3 = int((gpa >> (pageShift + 3*indexBits)) & (entriesPerNode - 1))
	l2 = int((gpa >> (pageShift + 2*indexBits)) & (entriesPerNode - 1))
	l1 = int((gpa >> (pageShift + 1*indexBits)) & (entriesPerNode - 1))
	l0 = int((gpa >> pageShift) & (entriesPerNode - 1))

	return
}

// MapRange installs leaves covering [gpa, gpa+length) mapped to hpa,
// choosing the largest leaf size consistent with both addresses' alignment
// and the remaining length, falling back to smaller leaves (spec §4.1).
func (g *GPT) MapRange(gpa, hpa, length uint64, perm Perm, cache CacheType) error {
	for length > 0 {
		size := leafSizeFor(gpa, hpa, length)

		if err := g.installLeaf(gpa, hpa, size, perm, cache); err != nil {
			return err
		}

		gpa += size
		hpa += size
		length -= size
	}

	return nil
}

func leafSizeFor(gpa, hpa, remaining uint64) uint64 {
	aligned := func(sz uint64) bool { return gpa%sz == 0 && hpa%sz == 0 && remaining >= sz }

	switch {
	case aligned(leaf1G):
		return leaf1G
	case aligned(leaf2M):
		return leaf2M
	default:
		return leaf4K
	}
}

func (g *GPT) installLeaf(gpa, hpa, size uint64, perm Perm, cache CacheType) error {
	if hpa%size != 0 {
		return errs.New("gpt.installLeaf", errs.BadArgument)
	}

	l3, l2, l1, l0 := indices(gpa)

	switch size {
	case leaf1G:
		pdpt, _, err := g.pdpt(l3, true)
		if err != nil {
			return err
		}

		pdpt.set(l2, makeEntry(hpa, perm, cache, true))

		return nil
	case leaf2M:
		pd, err := g.pdFor(l3, l2)
		if err != nil {
			return err
		}

		pd.set(l1, makeEntry(hpa, perm, cache, true))

		return nil
	default:
		pt, err := g.ptFor(l3, l2, l1)
		if err != nil {
			return err
		}

		pt.set(l0, makeEntry(hpa, perm, cache, false))

		return nil
	}
}

func (g *GPT) pdpt(l3 int, create bool) (node, bool, error) {
	top := g.node(g.root)

	e := top.get(l3)
	if !e.present() {
		if !create {
			return node{}, false, nil
		}

		n, err := g.allocNode()
		if err != nil {
			return node{}, false, err
		}

		top.set(l3, makeEntry(uint64(n.frame)*hostctx.FrameSize, PermRWX, CacheWriteBack, false))

		return n, true, nil
	}

	return g.node(hostctx.Frame(e.frame() / hostctx.FrameSize)), true, nil
}

func (g *GPT) pdFor(l3, l2 int) (node, error) {
	pdpt, _, err := g.pdpt(l3, true)
	if err != nil {
		return node{}, err
	}

	e := pdpt.get(l2)
	if e.large() {
		return node{}, errs.New("gpt.pdFor", errs.BadArgument)
	}

	if !e.present() {
		n, err := g.allocNode()
		if err != nil {
			return node{}, err
		}

		pdpt.set(l2, makeEntry(uint64(n.frame)*hostctx.FrameSize, PermRWX, CacheWriteBack, false))

		return n, nil
	}

	return g.node(hostctx.Frame(e.frame() / hostctx.FrameSize)), nil
}

func (g *GPT) ptFor(l3, l2, l1 int) (node, error) {
	pd, err := g.pdFor(l3, l2)
	if err != nil {
		return node{}, err
	}

	e := pd.get(l1)
	if e.large() {
		return node{}, errs.New("gpt.ptFor", errs.BadArgument)
	}

	if !e.present() {
		n, err := g.allocNode()
		if err != nil {
			return node{}, err
		}

		pd.set(l1, makeEntry(uint64(n.frame)*hostctx.FrameSize, PermRWX, CacheWriteBack, false))

		return n, nil
	}

	return g.node(hostctx.Frame(e.frame() / hostctx.FrameSize)), nil
}

// UnmapRange clears leaves intersecting [gpa, gpa+length). Interior nodes
// are retained: GPTs are short-lived, so no reverse-accounting is needed
// (spec §4.1).
func (g *GPT) UnmapRange(gpa, length uint64) error {
	end := gpa + length

	for a := gpa & ^(leaf4K - 1); a < end; a += leaf4K {
		l3, l2, l1, l0 := indices(a)

		pdpt, ok, err := g.pdpt(l3, false)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		pdeTop := pdpt.get(l2)
		if !pdeTop.present() {
			continue
		}

		if pdeTop.large() {
			pdpt.set(l2, entry(0))

			continue
		}

		pd := g.node(hostctx.Frame(pdeTop.frame() / hostctx.FrameSize))

		pde := pd.get(l1)
		if !pde.present() {
			continue
		}

		if pde.large() {
			pd.set(l1, entry(0))

			continue
		}

		pt := g.node(hostctx.Frame(pde.frame() / hostctx.FrameSize))
		pt.set(l0, entry(0))
	}

	return nil
}

// Translate walks from the root and returns the host-physical address and
// the size of the leaf that covers gpa, or ok=false on a miss.
func (g *GPT) Translate(gpa uint64) (hpa uint64, leafSize uint64, ok bool) {
	l3, l2, l1, l0 := indices(gpa)

	pdpt, present, err := g.pdpt(l3, false)
	if err != nil || !present {
		return 0, 0, false
	}

	pe := pdpt.get(l2)
	if !pe.present() {
		return 0, 0, false
	}

	if pe.large() {
		return pe.frame() | (gpa & (leaf1G - 1)), leaf1G, true
	}

	pd := g.node(hostctx.Frame(pe.frame() / hostctx.FrameSize))

	pde := pd.get(l1)
	if !pde.present() {
		return 0, 0, false
	}

	if pde.large() {
		return pde.frame() | (gpa & (leaf2M - 1)), leaf2M, true
	}

	pt := g.node(hostctx.Frame(pde.frame() / hostctx.FrameSize))

	pte := pt.get(l0)
	if !pte.present() {
		return 0, 0, false
	}

	return pte.frame() | (gpa & (leaf4K - 1)), leaf4K, true
}

// SetPermissions replaces the permission triple of the leaf covering gpa.
func (g *GPT) SetPermissions(gpa uint64, perm Perm) error {
	l3, l2, l1, l0 := indices(gpa)

	pdpt, present, err := g.pdpt(l3, false)
	if err != nil || !present {
		return errs.Wrap("gpt.SetPermissions", errs.NotFound, ErrNoMapping)
	}

	pe := pdpt.get(l2)
	if !pe.present() {
		return errs.Wrap("gpt.SetPermissions", errs.NotFound, ErrNoMapping)
	}

	if pe.large() {
		pdpt.set(l2, makeEntry(pe.frame(), perm, pe.cache(), true))

		return nil
	}

	pd := g.node(hostctx.Frame(pe.frame() / hostctx.FrameSize))

	pde := pd.get(l1)
	if !pde.present() {
		return errs.Wrap("gpt.SetPermissions", errs.NotFound, ErrNoMapping)
	}

	if pde.large() {
		pd.set(l1, makeEntry(pde.frame(), perm, pde.cache(), true))

		return nil
	}

	pt := g.node(hostctx.Frame(pde.frame() / hostctx.FrameSize))

	pte := pt.get(l0)
	if !pte.present() {
		return errs.Wrap("gpt.SetPermissions", errs.NotFound, ErrNoMapping)
	}

	pt.set(l0, makeEntry(pte.frame(), perm, pte.cache(), false))

	return nil
}

// InvalidationHook is called by Invalidate; production wiring points this at
// the real INVEPT instruction, the software engine leaves it nil.
var InvalidationHook func(root RootPointer)

// Invalidate requests that translations for this GPT be flushed (spec
// §4.1: called after any mutation that reduces permissions).
func (g *GPT) Invalidate(root RootPointer) {
	if InvalidationHook != nil {
		InvalidationHook(root)
	}
}

// Fault describes a decoded nested-translation fault (spec §4.1).
type Fault struct {
	GPA       uint64
	WasRead   bool
	WasWrite  bool
	WasExec   bool
}

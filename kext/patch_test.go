package kext

import (
	"errors"
	"testing"
)

func patchMemory(t *testing.T) *SparseMemory {
	t.Helper()
	return scanMemory(t, 0x1000, 0xE92D4010, 0xE1A04000, 0xE1A05001, 0xE8BD8010)
}

func TestPatcherApply(t *testing.T) {
	mem := patchMemory(t)
	cache := &CacheJournal{}
	p := NewPatcher(mem, cache)

	patch := trampolinePatch("hook", 0x1000, []uint32{0xE92D4010, 0xE1A04000, 0xE1A05001}, 0x40000200)
	if err := p.Apply(patch); err != nil {
		t.Fatal(err)
	}
	got, err := ReadWords(mem, 0x1000, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{ADD_LR_PC_4, LDR_PC_PC_MINUS_4, 0x40000200, 0xE8BD8010}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %#08x, want %#08x", i, got[i], want[i])
		}
	}

	ops := cache.Ops()
	wantOps := []CacheOp{
		{CACHE_CLEAN_DCACHE_RANGE, 0x1000, 12},
		{CACHE_INVALIDATE_ICACHE_RANGE, 0x1000, 12},
		{Kind: CACHE_DSB},
		{Kind: CACHE_ISB},
	}
	if len(ops) != len(wantOps) {
		t.Fatalf("cache ops = %v, want %v", ops, wantOps)
	}
	for i := range wantOps {
		if ops[i] != wantOps[i] {
			t.Errorf("cache op %d = %+v, want %+v", i, ops[i], wantOps[i])
		}
	}
	if n := len(p.Applied()); n != 1 {
		t.Errorf("%d patches recorded, want 1", n)
	}
}

func TestPatcherMismatchWritesNothing(t *testing.T) {
	mem := patchMemory(t)
	cache := &CacheJournal{}
	p := NewPatcher(mem, cache)

	good := WordPatch("good", 0x1000, []uint32{0xE92D4010}, []uint32{0xE1A00000})
	bad := WordPatch("bad", 0x100C, []uint32{0xE12FFF1E}, []uint32{0xE1A00000})
	err := p.Apply(good, bad)
	if !errors.Is(err, ErrPatchMismatch) {
		t.Fatalf("Apply error = %v, want ErrPatchMismatch", err)
	}
	if v, _ := Read32(mem, 0x1000); v != 0xE92D4010 {
		t.Errorf("first patch was written despite the mismatch: %#08x", v)
	}
	if len(cache.Ops()) != 0 {
		t.Errorf("cache maintenance without a write: %v", cache.Ops())
	}
	if len(p.Applied()) != 0 {
		t.Error("failed patches recorded as applied")
	}

	size := Patch{Name: "size", Addr: 0x1000, Original: []byte{0x10, 0x40}, Replacement: []byte{0}}
	if err = p.Apply(size); !errors.Is(err, ErrPatchSize) {
		t.Errorf("Apply error = %v, want ErrPatchSize", err)
	}
}

func TestPatcherAlias(t *testing.T) {
	mem := NewSparseMemory()
	if err := mem.Alias(0x8000, 0x1000, PAGE_SIZE); err != nil {
		t.Fatal(err)
	}
	if err := Write32(mem, 0x1010, 0xE1A00000); err != nil {
		t.Fatal(err)
	}
	cache := &CacheJournal{}
	p := NewPatcher(mem, cache)
	patch := WordPatch("aliased", 0x1010, []uint32{0xE1A00000}, []uint32{0xFFF01234})
	patch.Alias = 0x8010
	if err := p.Apply(patch); err != nil {
		t.Fatal(err)
	}
	if v, _ := Read32(mem, 0x1010); v != 0xFFF01234 {
		t.Errorf("word through the alias = %#08x", v)
	}
	ops := cache.Ops()
	if len(ops) < 2 || ops[0].Addr != 0x1010 || ops[1] != (CacheOp{CACHE_CLEAN_DCACHE_RANGE, 0x8010, 4}) {
		t.Errorf("cache ops = %v", ops)
	}
}

func TestPatcherRevert(t *testing.T) {
	mem := patchMemory(t)
	p := NewPatcher(mem, &CacheJournal{})
	for i, name := range []string{"a", "b", "c"} {
		addr := 0x1000 + uint32(i)*4
		orig, _ := Read32(mem, addr)
		if err := p.Apply(WordPatch(name, addr, []uint32{orig}, []uint32{uint32(0x100 + i)})); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Revert("b"); err != nil {
		t.Fatal(err)
	}
	got, _ := ReadWords(mem, 0x1000, 3)
	want := []uint32{0x100, 0xE1A04000, 0xE1A05001}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %#08x, want %#08x", i, got[i], want[i])
		}
	}
	applied := p.Applied()
	if len(applied) != 1 || applied[0].Name != "a" {
		t.Errorf("applied after revert = %v", applied)
	}
	if err := p.Revert("c"); !errors.Is(err, ErrNotApplied) {
		t.Errorf("Revert(c) error = %v, want ErrNotApplied", err)
	}
}

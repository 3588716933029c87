package kext

import (
	"errors"
	"strings"
	"testing"
)

func scanMemory(t *testing.T, base uint32, words ...uint32) *SparseMemory {
	t.Helper()
	mem := NewSparseMemory()
	if err := WriteWords(mem, base, words...); err != nil {
		t.Fatal(err)
	}
	return mem
}

func TestScannerFind(t *testing.T) {
	const base = 0x1000
	mem := scanMemory(t, base,
		0xE92D4010, // push
		0xE59F0010, // ldr r0, [pc, #0x10]
		0xEB000040, // bl
		0xE1A00000,
		0xE59F0020, // ldr r0, [pc, #0x20]
		0xEBFFFF00, // bl
		0xE8BD8010, // pop
	)
	s := Scanner{Mem: mem}
	end := uint32(base + 7*4)

	tests := []struct {
		name    string
		start   uint32
		end     uint32
		pattern []uint32
		mask    []uint32
		step    int
		want    uint32
		err     error
	}{
		{"exact", base, end, []uint32{0xE1A00000, 0xE59F0020}, nil, 4, base + 12, nil},
		{"masked forward", base, end, ldrBl, ldrBlMask, 4, base + 4, nil},
		{"masked backward", base, end, ldrBl, ldrBlMask, -4, base + 16, nil},
		{"window excludes match", base + 8, end, []uint32{0xE59F0010}, nil, 4, 0, ErrPatternNotFound},
		{"pattern at window end", base, end, []uint32{0xEBFFFF00, 0xE8BD8010}, nil, 4, base + 20, nil},
		{"not found", base, end, []uint32{0xDEADBEEF}, nil, 4, 0, ErrPatternNotFound},
		{"window shorter than pattern", base, base + 4, []uint32{0xE92D4010, 0}, nil, 4, 0, ErrPatternNotFound},
		{"empty pattern", base, end, nil, nil, 4, 0, ErrBadPattern},
		{"mask length", base, end, []uint32{1, 2}, []uint32{EXACT}, 4, 0, ErrBadPattern},
		{"zero step", base, end, []uint32{1}, nil, 0, 0, ErrBadPattern},
		{"unaligned step", base, end, []uint32{1}, nil, 2, 0, ErrBadPattern},
		{"unaligned start", base + 2, end, []uint32{1}, nil, 4, 0, ErrMisaligned},
		{"unmapped", 0x8000, 0x8010, []uint32{1}, nil, 4, 0, ErrUnmapped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Find(tt.start, tt.end, tt.pattern, tt.mask, tt.step)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Find error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Find = %#08x, want %#08x", got, tt.want)
			}
		})
	}
}

func TestPCLiteral(t *testing.T) {
	tests := []struct {
		name    string
		addr    uint32
		instr   uint32
		literal uint32
	}{
		{"up", 0x1000, 0xE59F0000, 0x1040},
		{"down", 0x1000, 0xE51F0000, 0x0F00},
		{"ldr pc, [pc, #-4]", 0x2000, LDR_PC_PC_MINUS_4, 0x2004},
		{"next word", 0x3000, 0xE59FB000, 0x3008},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instr := EncodePCLiteral(tt.addr, tt.instr, tt.literal)
			if instr&0xFFFF0000&^_LDR_UP_BIT != tt.instr&0xFFFF0000&^_LDR_UP_BIT {
				t.Errorf("EncodePCLiteral changed the opcode: %#08x", instr)
			}
			got, ok := DecodePCLiteral(tt.addr, instr)
			if !ok {
				t.Fatalf("DecodePCLiteral(%#08x) is not a literal load", instr)
			}
			if got != tt.literal {
				t.Errorf("DecodePCLiteral = %#08x, want %#08x", got, tt.literal)
			}
		})
	}
	if lit, ok := DecodePCLiteral(0x2000, LDR_PC_PC_MINUS_4); !ok || lit != 0x2004 {
		t.Errorf("ldr pc, [pc, #-4] loads %#08x, %v", lit, ok)
	}
	for _, instr := range []uint32{0xE5910000, 0xE1A00000, 0xEA000000} {
		if _, ok := DecodePCLiteral(0, instr); ok {
			t.Errorf("%#08x decoded as a literal load", instr)
		}
	}
}

func TestVeneerTarget(t *testing.T) {
	mem := scanMemory(t, VECTORS_BASE,
		EncodeBranch(VECTORS_BASE, VECTORS_BASE+0x20, false),
		EncodeBranch(VECTORS_BASE+4, VECTORS_BASE+0x28, false),
	)
	if err := WriteWords(mem, VECTORS_BASE+0x20, LDR_PC_PC_MINUS_4, 0xFFF01234, 0xE1A00000); err != nil {
		t.Fatal(err)
	}
	slot, handler, err := VeneerTarget(mem, VECTORS_BASE)
	if err != nil {
		t.Fatal(err)
	}
	if slot != VECTORS_BASE+0x24 || handler != 0xFFF01234 {
		t.Errorf("VeneerTarget = %#08x, %#08x", slot, handler)
	}
	if _, _, err = VeneerTarget(mem, VECTORS_BASE+4); !errors.Is(err, ErrNotVeneer) {
		t.Errorf("VeneerTarget(mov veneer) error = %v, want ErrNotVeneer", err)
	}
	if _, _, err = VeneerTarget(mem, VECTORS_BASE+0x20); !errors.Is(err, ErrNotBranch) {
		t.Errorf("VeneerTarget(ldr) error = %v, want ErrNotBranch", err)
	}
}

func TestResolverWindow(t *testing.T) {
	r := NewSymbolResolver(nil, Region{0x1000, 0x9000}, 0)
	tests := []struct {
		name       string
		sig        Signature
		anchor     uint32
		start, end uint32
	}{
		{"forward", Signature{Window: 0x100}, 0x2000, 0x2000, 0x2100},
		{"forward clamped", Signature{Window: 0x1000}, 0x8800, 0x8800, 0x9000},
		{"forward unbounded", Signature{}, 0x2000, 0x2000, 0x9000},
		{"backward", Signature{Window: 0x100, Step: -4}, 0x2000, 0x1F00, 0x2000},
		{"backward clamped", Signature{Window: 0x1000, Step: -4}, 0x1800, 0x1000, 0x1800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := r.window(&tt.sig, tt.anchor)
			if start != tt.start || end != tt.end {
				t.Errorf("window = [%#x, %#x), want [%#x, %#x)", start, end, tt.start, tt.end)
			}
		})
	}
}

func TestFindSvcTableStart(t *testing.T) {
	mem := scanMemory(t, 0x4000, 0xFFF00100, 0xFFF00200, 0, 0xFFF00300, 0xFFF00400)
	if err := mem.Map(0x4000, PAGE_SIZE); err != nil {
		t.Fatal(err)
	}
	got, err := findSvcTableStart(mem, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x4008 {
		t.Errorf("findSvcTableStart = %#08x, want 0x4008", got)
	}

	empty := NewSparseMemory()
	if err = empty.Map(0x4000, PAGE_SIZE); err != nil {
		t.Fatal(err)
	}
	if _, err = findSvcTableStart(empty, 0x4000); !errors.Is(err, ErrSvcTableNotFound) {
		t.Errorf("all-zero table error = %v, want ErrSvcTableNotFound", err)
	}
}

func TestResolveSymbols(t *testing.T) {
	f := newFakeKernel(t)
	syms, err := ResolveSymbols(f.mem, Region{KERNEL_TEXT_START, KERNEL_TEXT_END}, VECTORS_BASE)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]uint32)
	for _, e := range syms.List() {
		got[e.Name] = e.Addr
	}
	if len(got) != len(SignatureTable) {
		t.Errorf("resolved %d symbols, want %d", len(got), len(SignatureTable))
	}
	for _, sig := range SignatureTable {
		t.Run(sig.Name, func(t *testing.T) {
			want := f.expected[sig.Name]
			if got[sig.Name] != want {
				t.Errorf("%s = %#08x, want %#08x", sig.Name, got[sig.Name], want)
			}
		})
	}
	list := syms.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Addr > list[i].Addr {
			t.Fatalf("List is not sorted at %s", list[i].Name)
		}
	}
}

func TestResolveSymbolsMissingPattern(t *testing.T) {
	f := newFakeKernel(t)
	// Break the only site of the thread list.
	sig := signatureOf(SYM_THREAD_LIST)
	site, err := Scanner{Mem: f.mem}.Find(f.svcs[SVC_CREATE_THREAD], f.svcs[SVC_CREATE_THREAD]+sig.Window,
		sig.Pattern, sig.Mask, 4)
	if err != nil {
		t.Fatal(err)
	}
	f.w32(site+4, 0xE1A00000)

	syms, err := ResolveSymbols(f.mem, Region{KERNEL_TEXT_START, KERNEL_TEXT_END}, VECTORS_BASE)
	if syms != nil {
		t.Error("partial symbols returned")
	}
	if !errors.Is(err, ErrPatternNotFound) {
		t.Fatalf("error = %v, want ErrPatternNotFound", err)
	}
	if !strings.Contains(err.Error(), SYM_THREAD_LIST) {
		t.Errorf("error %q does not name %s", err, SYM_THREAD_LIST)
	}
}

func TestResolveSymbolsReportsEveryFailure(t *testing.T) {
	f := newFakeKernel(t)
	// Without the SVC table every SVC anchored signature fails.
	f.w32(f.svcTable, 0xFFFFFFFF)
	for i := uint32(1); i <= _SVC_TABLE_SEARCH_WORDS; i++ {
		f.w32(f.svcTable+i*4, 0xFFFFFFFF)
	}
	_, err := ResolveSymbols(f.mem, Region{KERNEL_TEXT_START, KERNEL_TEXT_END}, VECTORS_BASE)
	if !errors.Is(err, ErrSvcTableNotFound) {
		t.Fatalf("error = %v, want ErrSvcTableNotFound", err)
	}
	for _, name := range []string{SYM_KRECURSIVELOCK_LOCK, SYM_KEVENT_SIGNAL, SYM_KALLOC, SYM_MAP_L1_SECTION} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not name %s", name)
		}
	}
}

package kext

import (
	"errors"
	"fmt"

	"github.com/apex/log"
)

var (
	ErrPatternNotFound  = errors.New("pattern not found")
	ErrUnresolvedAnchor = errors.New("anchor is not resolved")
	ErrBadPattern       = errors.New("malformed pattern")
	ErrNotPCLiteral     = errors.New("instruction is not a pc-relative ldr")
	ErrNotVeneer        = errors.New("vector does not branch to an ldr pc veneer")
)

const (
	// ldr pc, [pc, #-4]
	LDR_PC_PC_MINUS_4 = 0xE51FF004
	// add lr, pc, #4
	ADD_LR_PC_4 = 0xE28FE004

	_LDR_PC_LITERAL_MASK  = 0x0F7F0000
	_LDR_PC_LITERAL_MATCH = 0x051F0000
	_LDR_UP_BIT           = 1 << 23

	WILDCARD = 0
	EXACT    = 0xFFFFFFFF
	// Matches any branch with the condition and link bit of the pattern word.
	BRANCH_WILDCARD = 0xFF000000
	// Matches any ldr rX, [pc, #imm] with the register of the pattern word.
	LDR_LITERAL_WILDCARD = 0xFFFFF000
)

type Region struct {
	Start uint32
	End   uint32
}

func (r Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

func (r Region) String() string {
	return fmt.Sprintf("[%#08x, %#08x)", r.Start, r.End)
}

// Scanner finds instruction sequences inside one memory region. It never
// reads outside the region it was asked to scan.
type Scanner struct {
	Mem Memory
}

func matchAt(words []uint32, i int, pattern, mask []uint32) bool {
	for j, p := range pattern {
		m := uint32(EXACT)
		if mask != nil {
			m = mask[j]
		}
		if words[i+j]&m != p&m {
			return false
		}
	}
	return true
}

// Find returns the address of the first match of pattern in [start, end).
// step is the distance in bytes between candidate positions, a negative
// step scans from the end of the window towards its start.
func (s Scanner) Find(start, end uint32, pattern, mask []uint32, step int) (uint32, error) {
	if len(pattern) == 0 || (mask != nil && len(mask) != len(pattern)) || step == 0 || step%4 != 0 {
		return 0, ErrBadPattern
	}
	if start&3 != 0 {
		return 0, fmt.Errorf("scan start %#08x: %w", start, ErrMisaligned)
	}
	if end <= start || end-start < uint32(len(pattern))*4 {
		return 0, fmt.Errorf("window %v: %w", Region{start, end}, ErrPatternNotFound)
	}
	words, err := ReadWords(s.Mem, start, int((end-start)/4))
	if err != nil {
		return 0, err
	}
	last := len(words) - len(pattern)
	stride := step / 4
	if stride > 0 {
		for i := 0; i <= last; i += stride {
			if matchAt(words, i, pattern, mask) {
				return start + uint32(i)*4, nil
			}
		}
	} else {
		for i := last; i >= 0; i += stride {
			if matchAt(words, i, pattern, mask) {
				return start + uint32(i)*4, nil
			}
		}
	}
	return 0, fmt.Errorf("window %v: %w", Region{start, end}, ErrPatternNotFound)
}

// DecodePCLiteral returns the address of the literal loaded by the
// ldr rX, [pc, #imm] at addr.
func DecodePCLiteral(addr, instr uint32) (uint32, bool) {
	if instr&_LDR_PC_LITERAL_MASK != _LDR_PC_LITERAL_MATCH {
		return 0, false
	}
	imm := instr & 0xFFF
	if instr&_LDR_UP_BIT != 0 {
		return addr + _PC_OFFSET + imm, true
	}
	return addr + _PC_OFFSET - imm, true
}

// EncodePCLiteral patches the immediate of an ldr rX, [pc, #imm] so it
// loads from literal.
func EncodePCLiteral(addr, instr, literal uint32) uint32 {
	instr &^= 0xFFF | _LDR_UP_BIT
	if literal >= addr+_PC_OFFSET {
		return instr | _LDR_UP_BIT | (literal-addr-_PC_OFFSET)&0xFFF
	}
	return instr | (addr+_PC_OFFSET-literal)&0xFFF
}

// VeneerTarget follows the exception vector at vector to its veneer and
// returns the handler pointer slot and the handler it holds.
func VeneerTarget(mem Memory, vector uint32) (slot, handler uint32, err error) {
	veneer, err := BranchAt(mem, vector)
	if err != nil {
		return 0, 0, fmt.Errorf("vector %#08x: %w", vector, err)
	}
	instr, err := Read32(mem, veneer)
	if err != nil {
		return 0, 0, err
	}
	if instr != LDR_PC_PC_MINUS_4 {
		return 0, 0, fmt.Errorf("vector %#08x -> %#08x (%s): %w", vector, veneer, Disassemble(veneer, instr), ErrNotVeneer)
	}
	slot = veneer + 4
	handler, err = Read32(mem, slot)
	return
}

type AnchorKind int

const (
	// The start of the scanned region.
	ANCHOR_REGION AnchorKind = iota
	// A symbol resolved earlier in the table.
	ANCHOR_SYMBOL
	// The body of an official supervisor call, read from the SVC table.
	ANCHOR_SVC
	// The handler an exception vector currently dispatches to.
	ANCHOR_VECTOR
)

type Anchor struct {
	Kind   AnchorKind
	Symbol string
	Index  int
}

func AtRegion() Anchor            { return Anchor{Kind: ANCHOR_REGION} }
func AtSymbol(name string) Anchor { return Anchor{Kind: ANCHOR_SYMBOL, Symbol: name} }
func AtSVC(id int) Anchor         { return Anchor{Kind: ANCHOR_SVC, Index: id} }
func AtVector(idx int) Anchor     { return Anchor{Kind: ANCHOR_VECTOR, Index: idx} }

func (a Anchor) String() string {
	switch a.Kind {
	case ANCHOR_SYMBOL:
		return a.Symbol
	case ANCHOR_SVC:
		return fmt.Sprintf("svc %#02x", a.Index)
	case ANCHOR_VECTOR:
		return fmt.Sprintf("vector %d", a.Index)
	}
	return "region"
}

type ResolveMode int

const (
	// The match address plus Delta.
	ADDRESS_AT ResolveMode = iota
	// The word stored at match+Delta.
	LITERAL_AT
	// The target of the B/BL at match+Delta.
	BRANCH_AT
	// The literal loaded by the ldr rX, [pc, #imm] at match+Delta.
	PC_LITERAL_AT
)

func (m ResolveMode) String() string {
	switch m {
	case LITERAL_AT:
		return "literal"
	case BRANCH_AT:
		return "branch"
	case PC_LITERAL_AT:
		return "pc-literal"
	}
	return "address"
}

// Signature describes how one kernel symbol is recovered. A signature
// without a pattern resolves relative to the anchor itself.
type Signature struct {
	Name    string
	Anchor  Anchor
	Window  uint32
	Pattern []uint32
	Mask    []uint32
	Step    int
	Mode    ResolveMode
	Delta   int32
}

// SymbolResolver runs a signature table against one kernel image.
type SymbolResolver struct {
	Scanner
	Region  Region
	Vectors uint32
	symbols map[string]uint32
}

func NewSymbolResolver(mem Memory, region Region, vectors uint32) *SymbolResolver {
	return &SymbolResolver{
		Scanner: Scanner{Mem: mem},
		Region:  region,
		Vectors: vectors,
		symbols: make(map[string]uint32),
	}
}

func (r *SymbolResolver) anchor(a Anchor) (uint32, error) {
	switch a.Kind {
	case ANCHOR_REGION:
		return r.Region.Start, nil
	case ANCHOR_SYMBOL:
		addr, ok := r.symbols[a.Symbol]
		if !ok {
			return 0, fmt.Errorf("%s: %w", a.Symbol, ErrUnresolvedAnchor)
		}
		return addr, nil
	case ANCHOR_SVC:
		table, ok := r.symbols[SYM_SVC_TABLE]
		if !ok {
			return 0, fmt.Errorf("%s: %w", SYM_SVC_TABLE, ErrUnresolvedAnchor)
		}
		start, err := findSvcTableStart(r.Mem, table)
		if err != nil {
			return 0, err
		}
		return Read32(r.Mem, start+uint32(a.Index)*4)
	case ANCHOR_VECTOR:
		_, handler, err := VeneerTarget(r.Mem, r.Vectors+uint32(a.Index)*4)
		return handler, err
	}
	return 0, fmt.Errorf("anchor kind %d: %w", a.Kind, ErrBadPattern)
}

// window clamps the scan window to the region so a missing pattern ends
// the scan at the region boundary.
func (r *SymbolResolver) window(sig *Signature, anchor uint32) (uint32, uint32) {
	start, end := anchor, r.Region.End
	if sig.Step < 0 {
		start, end = r.Region.Start, anchor
		if sig.Window != 0 && anchor-r.Region.Start > sig.Window {
			start = anchor - sig.Window
		}
		return start, end
	}
	if sig.Window != 0 && uint64(anchor)+uint64(sig.Window) < uint64(end) {
		end = anchor + sig.Window
	}
	return start, end
}

func (r *SymbolResolver) apply(sig *Signature, match uint32) (uint32, error) {
	at := uint32(int64(match) + int64(sig.Delta))
	switch sig.Mode {
	case ADDRESS_AT:
		return at, nil
	case LITERAL_AT:
		return Read32(r.Mem, at)
	case BRANCH_AT:
		return BranchAt(r.Mem, at)
	case PC_LITERAL_AT:
		instr, err := Read32(r.Mem, at)
		if err != nil {
			return 0, err
		}
		lit, ok := DecodePCLiteral(at, instr)
		if !ok {
			return 0, fmt.Errorf("%#08x: %s: %w", at, Disassemble(at, instr), ErrNotPCLiteral)
		}
		return Read32(r.Mem, lit)
	}
	return 0, fmt.Errorf("resolve mode %d: %w", sig.Mode, ErrBadPattern)
}

// Resolve recovers one symbol and records it for later anchors.
func (r *SymbolResolver) Resolve(sig *Signature) (uint32, error) {
	anchor, err := r.anchor(sig.Anchor)
	if err != nil {
		return 0, err
	}
	match := anchor
	if len(sig.Pattern) != 0 {
		if !r.Region.Contains(anchor) {
			return 0, fmt.Errorf("anchor %v at %#08x outside %v: %w", sig.Anchor, anchor, r.Region, ErrPatternNotFound)
		}
		step := sig.Step
		if step == 0 {
			step = 4
		}
		start, end := r.window(sig, anchor)
		match, err = r.Find(start, end, sig.Pattern, sig.Mask, step)
		if err != nil {
			return 0, err
		}
	}
	addr, err := r.apply(sig, match)
	if err != nil {
		return 0, err
	}
	r.symbols[sig.Name] = addr
	log.WithFields(log.Fields{
		"anchor": sig.Anchor.String(),
		"match":  fmt.Sprintf("%#08x", match),
		"mode":   sig.Mode.String(),
		"addr":   fmt.Sprintf("%#08x", addr),
	}).Debugf("resolved %s", sig.Name)
	return addr, nil
}

// ResolveAll runs every signature in order. Every failure is reported,
// joined into one error.
func (r *SymbolResolver) ResolveAll(table []Signature) (map[string]uint32, error) {
	var errs []error
	for i := range table {
		sig := &table[i]
		if _, err := r.Resolve(sig); err != nil {
			log.WithError(err).Warnf("unable to resolve %s", sig.Name)
			errs = append(errs, fmt.Errorf("%s: %w", sig.Name, err))
		}
	}
	res := make(map[string]uint32, len(r.symbols))
	for k, v := range r.symbols {
		res[k] = v
	}
	return res, errors.Join(errs...)
}

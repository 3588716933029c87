package kext

import (
	"fmt"

	"github.com/apex/log"
)

type DescType int

const (
	DESC_TRANSLATION_FAULT DescType = iota
	DESC_COARSE_PAGE_TABLE
	DESC_SECTION
	DESC_SUPERSECTION
	DESC_RESERVED
	DESC_LARGE_PAGE
	DESC_SMALL_PAGE
)

func (t DescType) String() string {
	switch t {
	case DESC_TRANSLATION_FAULT:
		return "fault"
	case DESC_COARSE_PAGE_TABLE:
		return "coarse"
	case DESC_SECTION:
		return "section"
	case DESC_SUPERSECTION:
		return "supersection"
	case DESC_RESERVED:
		return "reserved"
	case DESC_LARGE_PAGE:
		return "large"
	case DESC_SMALL_PAGE:
		return "small"
	}
	return fmt.Sprintf("DescType(%d)", int(t))
}

const (
	MEMPERM_READ    = 1
	MEMPERM_WRITE   = 2
	MEMPERM_EXECUTE = 4
	MEMPERM_RW      = MEMPERM_READ | MEMPERM_WRITE
	MEMPERM_RX      = MEMPERM_READ | MEMPERM_EXECUTE
	MEMPERM_RWX     = MEMPERM_RW | MEMPERM_EXECUTE
)

const (
	// Process tables translate the low 1GB (TTBCR.N = 2).
	L1_ENTRIES = 1024
	L2_ENTRIES = 256

	SECTION_SIZE      = 1 << 20
	SUPERSECTION_SIZE = 1 << 24
	LARGE_PAGE_SIZE   = 1 << 16
	SMALL_PAGE_SIZE   = 1 << 12

	// AP[1:0] = 3 with APX clear: read/write at every privilege level.
	AP_FULL_ACCESS = 3
)

// L1 bit layout.
const (
	_L1_TYPE_MASK        = 0x3
	_L1_SUPERSECTION_BIT = 1 << 18
	_L1_B                = 1 << 2
	_L1_C                = 1 << 3
	_L1_XN               = 1 << 4
	_L1_DOMAIN_SHIFT     = 5
	_L1_DOMAIN_MASK      = 0xF
	_L1_AP_SHIFT         = 10
	_L1_TEX_SHIFT        = 12
	_L1_APX              = 1 << 15
	_L1_S                = 1 << 16
	_L1_NG               = 1 << 17
	_L1_NS               = 1 << 19
	_L1_COARSE_BASE_MASK = 0xFFFFFC00
)

// L2 bit layout.
const (
	_L2_SMALL_XN        = 1 << 0
	_L2_B               = 1 << 2
	_L2_C               = 1 << 3
	_L2_AP_SHIFT        = 4
	_L2_SMALL_TEX_SHIFT = 6
	_L2_APX             = 1 << 9
	_L2_S               = 1 << 10
	_L2_NG              = 1 << 11
	_L2_LARGE_TEX_SHIFT = 12
	_L2_LARGE_XN        = 1 << 15
)

// PageAttrs are the fields shared by every mapping descriptor kind.
type PageAttrs struct {
	AP     uint8
	APX    bool
	XN     bool
	TEX    uint8
	C      bool
	B      bool
	S      bool
	NG     bool
	Domain uint8
}

func bit(v bool, mask uint32) uint32 {
	if v {
		return mask
	}
	return 0
}

// userPerm follows the ARMv6 AP/APX table, user column. AP[1] grants user
// access, AP = 3 without APX grants write, XN removes execute.
func userPerm(ap uint8, apx, xn bool) uint32 {
	if ap&2 == 0 {
		return 0
	}
	perm := uint32(MEMPERM_READ)
	if ap == 3 && !apx {
		perm |= MEMPERM_WRITE
	}
	if !xn {
		perm |= MEMPERM_EXECUTE
	}
	return perm
}

type L1Descriptor uint32

func (d L1Descriptor) Type() DescType {
	switch d & _L1_TYPE_MASK {
	case 0:
		return DESC_TRANSLATION_FAULT
	case 1:
		return DESC_COARSE_PAGE_TABLE
	case 2:
		if d&_L1_SUPERSECTION_BIT != 0 {
			return DESC_SUPERSECTION
		}
		return DESC_SECTION
	}
	return DESC_RESERVED
}

func (d L1Descriptor) XN() bool { return d&_L1_XN != 0 }
func (d L1Descriptor) APX() bool { return d&_L1_APX != 0 }
func (d L1Descriptor) AP() uint8 { return uint8(d>>_L1_AP_SHIFT) & 3 }
func (d L1Descriptor) TEX() uint8 { return uint8(d>>_L1_TEX_SHIFT) & 7 }
func (d L1Descriptor) NS() bool { return d&_L1_NS != 0 }
func (d L1Descriptor) Domain() uint8 {
	return uint8(d>>_L1_DOMAIN_SHIFT) & _L1_DOMAIN_MASK
}

// SectionBase is the descriptor address field, PA >> 20.
func (d L1Descriptor) SectionBase() uint32 { return uint32(d) >> 20 }

// SupersectionBase is the descriptor address field, PA >> 24.
func (d L1Descriptor) SupersectionBase() uint32 { return uint32(d) >> 24 }

// CoarseBase is the physical address of the L2 table.
func (d L1Descriptor) CoarseBase() uint32 { return uint32(d) & _L1_COARSE_BASE_MASK }

func (d L1Descriptor) Attrs() PageAttrs {
	return PageAttrs{
		AP:     d.AP(),
		APX:    d.APX(),
		XN:     d.XN(),
		TEX:    d.TEX(),
		C:      d&_L1_C != 0,
		B:      d&_L1_B != 0,
		S:      d&_L1_S != 0,
		NG:     d&_L1_NG != 0,
		Domain: d.Domain(),
	}
}

func (d L1Descriptor) UserPerm() uint32 {
	switch d.Type() {
	case DESC_SECTION, DESC_SUPERSECTION:
		return userPerm(d.AP(), d.APX(), d.XN())
	}
	return 0
}

// RWX returns the descriptor with XN and APX cleared and AP at full access.
// Descriptors that map nothing are returned unchanged.
func (d L1Descriptor) RWX() L1Descriptor {
	switch d.Type() {
	case DESC_SECTION, DESC_SUPERSECTION:
		d &^= _L1_XN | _L1_APX
		d |= AP_FULL_ACCESS << _L1_AP_SHIFT
	}
	return d
}

func l1Attrs(a PageAttrs) uint32 {
	return bit(a.XN, _L1_XN) | bit(a.APX, _L1_APX) | bit(a.C, _L1_C) | bit(a.B, _L1_B) |
		bit(a.S, _L1_S) | bit(a.NG, _L1_NG) |
		uint32(a.AP&3)<<_L1_AP_SHIFT | uint32(a.TEX&7)<<_L1_TEX_SHIFT |
		uint32(a.Domain&_L1_DOMAIN_MASK)<<_L1_DOMAIN_SHIFT
}

func MakeSection(pa uint32, a PageAttrs) L1Descriptor {
	return L1Descriptor(pa&0xFFF00000 | l1Attrs(a) | 2)
}

func MakeSupersection(pa uint32, a PageAttrs) L1Descriptor {
	a.Domain = 0
	return L1Descriptor(pa&0xFF000000 | l1Attrs(a) | _L1_SUPERSECTION_BIT | 2)
}

func MakeCoarse(l2pa uint32, domain uint8) L1Descriptor {
	return L1Descriptor(l2pa&_L1_COARSE_BASE_MASK | uint32(domain&_L1_DOMAIN_MASK)<<_L1_DOMAIN_SHIFT | 1)
}

type L2Descriptor uint32

func (d L2Descriptor) Type() DescType {
	switch {
	case d&3 == 1:
		return DESC_LARGE_PAGE
	case d&2 != 0:
		return DESC_SMALL_PAGE
	}
	return DESC_TRANSLATION_FAULT
}

func (d L2Descriptor) XN() bool {
	switch d.Type() {
	case DESC_LARGE_PAGE:
		return d&_L2_LARGE_XN != 0
	case DESC_SMALL_PAGE:
		return d&_L2_SMALL_XN != 0
	}
	return false
}

func (d L2Descriptor) APX() bool { return d&_L2_APX != 0 }
func (d L2Descriptor) AP() uint8 { return uint8(d>>_L2_AP_SHIFT) & 3 }

func (d L2Descriptor) TEX() uint8 {
	if d.Type() == DESC_LARGE_PAGE {
		return uint8(d>>_L2_LARGE_TEX_SHIFT) & 7
	}
	return uint8(d>>_L2_SMALL_TEX_SHIFT) & 7
}

// LargePageBase is the descriptor address field, PA >> 16.
func (d L2Descriptor) LargePageBase() uint32 { return uint32(d) >> 16 }

// SmallPageBase is the descriptor address field, PA >> 12.
func (d L2Descriptor) SmallPageBase() uint32 { return uint32(d) >> 12 }

func (d L2Descriptor) Attrs() PageAttrs {
	return PageAttrs{
		AP:  d.AP(),
		APX: d.APX(),
		XN:  d.XN(),
		TEX: d.TEX(),
		C:   d&_L2_C != 0,
		B:   d&_L2_B != 0,
		S:   d&_L2_S != 0,
		NG:  d&_L2_NG != 0,
	}
}

func (d L2Descriptor) UserPerm() uint32 {
	switch d.Type() {
	case DESC_LARGE_PAGE, DESC_SMALL_PAGE:
		return userPerm(d.AP(), d.APX(), d.XN())
	}
	return 0
}

func (d L2Descriptor) RWX() L2Descriptor {
	switch d.Type() {
	case DESC_LARGE_PAGE:
		d &^= _L2_LARGE_XN | _L2_APX
	case DESC_SMALL_PAGE:
		d &^= _L2_SMALL_XN | _L2_APX
	default:
		return d
	}
	return d | AP_FULL_ACCESS<<_L2_AP_SHIFT
}

func l2Attrs(a PageAttrs) uint32 {
	return bit(a.APX, _L2_APX) | bit(a.C, _L2_C) | bit(a.B, _L2_B) |
		bit(a.S, _L2_S) | bit(a.NG, _L2_NG) | uint32(a.AP&3)<<_L2_AP_SHIFT
}

func MakeLargePage(pa uint32, a PageAttrs) L2Descriptor {
	return L2Descriptor(pa&0xFFFF0000 | l2Attrs(a) | bit(a.XN, _L2_LARGE_XN) |
		uint32(a.TEX&7)<<_L2_LARGE_TEX_SHIFT | 1)
}

func MakeSmallPage(pa uint32, a PageAttrs) L2Descriptor {
	return L2Descriptor(pa&0xFFFFF000 | l2Attrs(a) | bit(a.XN, _L2_SMALL_XN) |
		uint32(a.TEX&7)<<_L2_SMALL_TEX_SHIFT | 2)
}

// PageTable is a process L1 table at a kernel virtual address. Coarse
// entries are followed through the kernel linear mapping.
type PageTable struct {
	Mem    Memory
	Base   uint32
	Layout *Layout
}

func (pt PageTable) l1(idx uint32) (L1Descriptor, error) {
	v, err := Read32(pt.Mem, pt.Base+idx*4)
	return L1Descriptor(v), err
}

func (pt PageTable) l2Table(d L1Descriptor) uint32 {
	return pt.Layout.KernPA2VA(d.CoarseBase())
}

func (pt PageTable) l2(d L1Descriptor, va uint32) (L2Descriptor, error) {
	v, err := Read32(pt.Mem, pt.l2Table(d)+((va>>12)&0xFF)*4)
	return L2Descriptor(v), err
}

// L2MMUTableRWXForAll promotes every page of one coarse table and returns
// how many descriptors changed.
func (pt PageTable) L2MMUTableRWXForAll(table uint32) (int, error) {
	entries, err := ReadWords(pt.Mem, table, L2_ENTRIES)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i, raw := range entries {
		d := L2Descriptor(raw)
		if nd := d.RWX(); nd != d {
			entries[i] = uint32(nd)
			changed++
		}
	}
	if changed != 0 {
		err = WriteWords(pt.Mem, table, entries...)
	}
	return changed, err
}

// L1MMUTableRWXForAll promotes every mapping reachable from the table.
func (pt PageTable) L1MMUTableRWXForAll() (int, error) {
	entries, err := ReadWords(pt.Mem, pt.Base, L1_ENTRIES)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i, raw := range entries {
		d := L1Descriptor(raw)
		switch d.Type() {
		case DESC_SECTION, DESC_SUPERSECTION:
			if nd := d.RWX(); nd != d {
				entries[i] = uint32(nd)
				changed++
			}
		case DESC_COARSE_PAGE_TABLE:
			n, err := pt.L2MMUTableRWXForAll(pt.l2Table(d))
			if err != nil {
				return changed, fmt.Errorf("L2 table of L1[%d]: %w", i, err)
			}
			changed += n
		}
	}
	if err = WriteWords(pt.Mem, pt.Base, entries...); err != nil {
		return changed, err
	}
	return changed, nil
}

// GetPAFromVA translates va, returning 0 when it is not mapped.
func (pt PageTable) GetPAFromVA(va uint32) uint32 {
	idx := va >> 20
	if idx >= L1_ENTRIES {
		return 0
	}
	d, err := pt.l1(idx)
	if err != nil {
		return 0
	}
	switch d.Type() {
	case DESC_SECTION:
		return d.SectionBase()<<20 | va&0xFFFFF
	case DESC_SUPERSECTION:
		return d.SupersectionBase()<<24 | va&0xFFFFFF
	case DESC_COARSE_PAGE_TABLE:
		l2, err := pt.l2(d, va)
		if err != nil {
			return 0
		}
		switch l2.Type() {
		case DESC_LARGE_PAGE:
			return l2.LargePageBase()<<16 | va&0xFFFF
		case DESC_SMALL_PAGE:
			return l2.SmallPageBase()<<12 | va&0xFFF
		}
	}
	return 0
}

// GetAddressUserPerm returns the MEMPERM_* bits user mode has at va.
func (pt PageTable) GetAddressUserPerm(va uint32) uint32 {
	idx := va >> 20
	if idx >= L1_ENTRIES {
		return 0
	}
	d, err := pt.l1(idx)
	if err != nil {
		return 0
	}
	if d.Type() == DESC_COARSE_PAGE_TABLE {
		l2, err := pt.l2(d, va)
		if err != nil {
			return 0
		}
		return l2.UserPerm()
	}
	return d.UserPerm()
}

type Mapping struct {
	VA   uint32
	PA   uint32
	Size uint32
	Type DescType
	Perm uint32
}

// Mappings lists every mapped range of the table in address order.
// Supersections appear once.
func (pt PageTable) Mappings() ([]Mapping, error) {
	entries, err := ReadWords(pt.Mem, pt.Base, L1_ENTRIES)
	if err != nil {
		return nil, err
	}
	var res []Mapping
	for i := uint32(0); i < L1_ENTRIES; i++ {
		d := L1Descriptor(entries[i])
		va := i << 20
		switch d.Type() {
		case DESC_SECTION:
			res = append(res, Mapping{va, d.SectionBase() << 20, SECTION_SIZE, DESC_SECTION, d.UserPerm()})
		case DESC_SUPERSECTION:
			if va&(SUPERSECTION_SIZE-1) == 0 {
				res = append(res, Mapping{va, d.SupersectionBase() << 24, SUPERSECTION_SIZE, DESC_SUPERSECTION, d.UserPerm()})
			}
		case DESC_COARSE_PAGE_TABLE:
			l2s, err := ReadWords(pt.Mem, pt.l2Table(d), L2_ENTRIES)
			if err != nil {
				return res, fmt.Errorf("L2 table of L1[%d]: %w", i, err)
			}
			for j := uint32(0); j < L2_ENTRIES; j++ {
				l2 := L2Descriptor(l2s[j])
				pva := va | j<<12
				switch l2.Type() {
				case DESC_SMALL_PAGE:
					res = append(res, Mapping{pva, l2.SmallPageBase() << 12, SMALL_PAGE_SIZE, DESC_SMALL_PAGE, l2.UserPerm()})
				case DESC_LARGE_PAGE:
					if pva&(LARGE_PAGE_SIZE-1) == 0 {
						res = append(res, Mapping{pva, l2.LargePageBase() << 16, LARGE_PAGE_SIZE, DESC_LARGE_PAGE, l2.UserPerm()})
					}
				}
			}
		}
	}
	return res, nil
}

func (hw KProcessHwInfo) pageTable(k *Kernel) PageTable {
	return PageTable{Mem: k.mem, Base: hw.TranslationTable(k), Layout: k.layout}
}

// SetMMUTableToRWX promotes the whole address space of the process under
// its MMU mutex.
func (hw KProcessHwInfo) SetMMUTableToRWX(k *Kernel, core int) error {
	mtx := hw.Mutex(k)
	if err := mtx.Acquire(k, core); err != nil {
		return err
	}
	pt := hw.pageTable(k)
	n, err := pt.L1MMUTableRWXForAll()
	if n != 0 {
		k.cache.CleanInvalidateEntireDataCache()
		k.cache.InvalidateEntireTLB()
		k.cache.DataSyncBarrier()
		k.cache.InstructionSyncBarrier()
	}
	if rerr := mtx.Release(k, core); err == nil {
		err = rerr
	}
	log.WithFields(log.Fields{"table": fmt.Sprintf("%#08x", pt.Base), "changed": n}).Debug("mmu rwx")
	return err
}

func (hw KProcessHwInfo) GetPAFromVA(k *Kernel, core int, va uint32) (uint32, error) {
	mtx := hw.Mutex(k)
	if err := mtx.Acquire(k, core); err != nil {
		return 0, err
	}
	pa := hw.pageTable(k).GetPAFromVA(va)
	return pa, mtx.Release(k, core)
}

func (hw KProcessHwInfo) GetAddressUserPerm(k *Kernel, core int, va uint32) (uint32, error) {
	mtx := hw.Mutex(k)
	if err := mtx.Acquire(k, core); err != nil {
		return 0, err
	}
	perm := hw.pageTable(k).GetAddressUserPerm(va)
	return perm, mtx.Release(k, core)
}

package kext

import (
	"errors"
	"fmt"
	"sort"
)

const (
	VECTORS_BASE = 0xFFFF0000

	VECTOR_RESET          = 0
	VECTOR_UNDEFINED      = 1
	VECTOR_SVC            = 2
	VECTOR_PREFETCH_ABORT = 3
	VECTOR_DATA_ABORT     = 4
	VECTOR_IRQ            = 6
	VECTOR_FIQ            = 7

	KERNEL_TEXT_START = 0xFFF00000
	KERNEL_TEXT_END   = 0xFFF80000

	// How far past the literal base the NULL sentinel of the SVC table may be.
	_SVC_TABLE_SEARCH_WORDS = 0x40
)

var ErrSvcTableNotFound = errors.New("svc table sentinel not found")

const (
	SYM_SVC_HANDLER                                = "SvcHandler"
	SYM_SVC_FALLBACK_HANDLER                       = "svcFallbackHandler"
	SYM_SVC_TABLE                                  = "SvcTable"
	SYM_CRITICAL_SECTION_LOCK                      = "criticalSectionLock"
	SYM_KRECURSIVELOCK_LOCK                        = "KRecursiveLock__Lock"
	SYM_KRECURSIVELOCK_UNLOCK                      = "KRecursiveLock__Unlock"
	SYM_KSCHEDULER_ADJUST_THREAD                   = "KScheduler__AdjustThread"
	SYM_KSCHEDULER_TRIGGER_CROSS_CORE_INTERRUPT    = "KScheduler__TriggerCrossCoreInterrupt"
	SYM_THREAD_LIST                                = "threadList"
	SYM_SYNCHRONIZATION_MUTEX                      = "synchronizationMutex"
	SYM_KOBJECTMUTEX_WAIT_AND_ACQUIRE              = "KObjectMutex__WaitAndAcquire"
	SYM_KOBJECTMUTEX_WAKE_CONTENDER                = "KObjectMutex__WakeContender"
	SYM_KPROCESSHANDLETABLE_TO_KPROCESS            = "KProcessHandleTable__ToKProcess"
	SYM_KPROCESSHANDLETABLE_TO_KAUTOOBJECT         = "KProcessHandleTable__ToKAutoObject"
	SYM_KPROCESSHANDLETABLE_CREATE_HANDLE          = "KProcessHandleTable__CreateHandle"
	SYM_KAUTOOBJECT_ADD_REFERENCE                  = "KAutoObject__AddReference"
	SYM_KEVENT_SIGNAL                              = "KEvent__Signal"
	SYM_KALLOC                                     = "kAlloc"
	SYM_KFREE                                      = "kFree"
	SYM_KPROCESSHWINFO_MAP_PROCESS_MEMORY          = "KProcessHwInfo__MapProcessMemory"
	SYM_KPROCESSHWINFO_UNMAP_PROCESS_MEMORY        = "KProcessHwInfo__UnmapProcessMemory"
	SYM_KPROCESSHWINFO_ALLOCATE_PROCESS_MEMORY     = "KProcessHwInfo__AllocateProcessMemory"
	SYM_KPROCESSHWINFO_FREE_PROCESS_MEMORY         = "KProcessHwInfo__FreeProcessMemory"
	SYM_KPROCESSHWINFO_CHANGE_PERMISSIONS          = "KProcessHwInfo__ChangePermissions"
	SYM_MAP_L1_SECTION                             = "MapL1Section"
	SYM_MAP_L2_SECTION                             = "MapL2Section"
	SYM_INTERRUPT_MANAGER                          = "interruptManager"
	SYM_KINTERRUPTMANAGER_MAP_INTERRUPT            = "KInterruptManager__MapInterrupt"
	SYM_KINTERRUPTMANAGER_UNMAP_INTERRUPT          = "KInterruptManager__UnmapInterrupt"
)

// Symbols are the kernel addresses the extension works with, recovered
// from the running image.
type Symbols struct {
	SvcHandler                            uint32
	SvcFallbackHandler                    uint32
	SvcTable                              uint32
	CriticalSectionLock                   KRecursiveLock
	KRecursiveLock__Lock                  uint32
	KRecursiveLock__Unlock                uint32
	KScheduler__AdjustThread              uint32
	KScheduler__TriggerCrossCoreInterrupt uint32
	ThreadList                            uint32
	SynchronizationMutex                  KObjectMutex
	KObjectMutex__WaitAndAcquire          uint32
	KObjectMutex__WakeContender           uint32
	KProcessHandleTable__ToKProcess       uint32
	KProcessHandleTable__ToKAutoObject    uint32
	KProcessHandleTable__CreateHandle     uint32
	KAutoObject__AddReference             uint32
	KEvent__Signal                        uint32
	KAlloc                                uint32
	KFree                                 uint32
	KProcessHwInfo__MapProcessMemory      uint32
	KProcessHwInfo__UnmapProcessMemory    uint32
	KProcessHwInfo__AllocateProcessMemory uint32
	KProcessHwInfo__FreeProcessMemory     uint32
	KProcessHwInfo__ChangePermissions     uint32
	MapL1Section                          uint32
	MapL2Section                          uint32
	InterruptManager                      uint32
	KInterruptManager__MapInterrupt       uint32
	KInterruptManager__UnmapInterrupt     uint32
}

func (s *Symbols) fields() map[string]*uint32 {
	return map[string]*uint32{
		SYM_SVC_HANDLER:                             &s.SvcHandler,
		SYM_SVC_FALLBACK_HANDLER:                    &s.SvcFallbackHandler,
		SYM_SVC_TABLE:                               &s.SvcTable,
		SYM_CRITICAL_SECTION_LOCK:                   (*uint32)(&s.CriticalSectionLock),
		SYM_KRECURSIVELOCK_LOCK:                     &s.KRecursiveLock__Lock,
		SYM_KRECURSIVELOCK_UNLOCK:                   &s.KRecursiveLock__Unlock,
		SYM_KSCHEDULER_ADJUST_THREAD:                &s.KScheduler__AdjustThread,
		SYM_KSCHEDULER_TRIGGER_CROSS_CORE_INTERRUPT: &s.KScheduler__TriggerCrossCoreInterrupt,
		SYM_THREAD_LIST:                             &s.ThreadList,
		SYM_SYNCHRONIZATION_MUTEX:                   (*uint32)(&s.SynchronizationMutex),
		SYM_KOBJECTMUTEX_WAIT_AND_ACQUIRE:           &s.KObjectMutex__WaitAndAcquire,
		SYM_KOBJECTMUTEX_WAKE_CONTENDER:             &s.KObjectMutex__WakeContender,
		SYM_KPROCESSHANDLETABLE_TO_KPROCESS:         &s.KProcessHandleTable__ToKProcess,
		SYM_KPROCESSHANDLETABLE_TO_KAUTOOBJECT:      &s.KProcessHandleTable__ToKAutoObject,
		SYM_KPROCESSHANDLETABLE_CREATE_HANDLE:       &s.KProcessHandleTable__CreateHandle,
		SYM_KAUTOOBJECT_ADD_REFERENCE:               &s.KAutoObject__AddReference,
		SYM_KEVENT_SIGNAL:                           &s.KEvent__Signal,
		SYM_KALLOC:                                  &s.KAlloc,
		SYM_KFREE:                                   &s.KFree,
		SYM_KPROCESSHWINFO_MAP_PROCESS_MEMORY:       &s.KProcessHwInfo__MapProcessMemory,
		SYM_KPROCESSHWINFO_UNMAP_PROCESS_MEMORY:     &s.KProcessHwInfo__UnmapProcessMemory,
		SYM_KPROCESSHWINFO_ALLOCATE_PROCESS_MEMORY:  &s.KProcessHwInfo__AllocateProcessMemory,
		SYM_KPROCESSHWINFO_FREE_PROCESS_MEMORY:      &s.KProcessHwInfo__FreeProcessMemory,
		SYM_KPROCESSHWINFO_CHANGE_PERMISSIONS:       &s.KProcessHwInfo__ChangePermissions,
		SYM_MAP_L1_SECTION:                          &s.MapL1Section,
		SYM_MAP_L2_SECTION:                          &s.MapL2Section,
		SYM_INTERRUPT_MANAGER:                       &s.InterruptManager,
		SYM_KINTERRUPTMANAGER_MAP_INTERRUPT:         &s.KInterruptManager__MapInterrupt,
		SYM_KINTERRUPTMANAGER_UNMAP_INTERRUPT:       &s.KInterruptManager__UnmapInterrupt,
	}
}

type SymbolEntry struct {
	Name string
	Addr uint32
}

// List returns every symbol sorted by address.
func (s *Symbols) List() []SymbolEntry {
	res := make([]SymbolEntry, 0, len(SignatureTable))
	for name, p := range s.fields() {
		res = append(res, SymbolEntry{name, *p})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Addr == res[j].Addr {
			return res[i].Name < res[j].Name
		}
		return res[i].Addr < res[j].Addr
	})
	return res
}

// SVC ids of the vendor kernel used as scan anchors or delegated to.
const (
	SVC_CONTROL_MEMORY         = 0x01
	SVC_EXIT_PROCESS           = 0x03
	SVC_CREATE_THREAD          = 0x08
	SVC_SLEEP_THREAD           = 0x0A
	SVC_SET_THREAD_PRIORITY    = 0x0C
	SVC_CREATE_EVENT           = 0x17
	SVC_SIGNAL_EVENT           = 0x18
	SVC_CREATE_ADDRESS_ARBITER = 0x21
	SVC_ARBITRATE_ADDRESS      = 0x22
	SVC_CLOSE_HANDLE           = 0x23
	SVC_WAIT_SYNCHRONIZATION1  = 0x24
	SVC_DUPLICATE_HANDLE       = 0x27
	SVC_GET_SYSTEM_INFO        = 0x2A
	SVC_GET_PROCESS_INFO       = 0x2B
	SVC_GET_THREAD_INFO        = 0x2C
	SVC_CONNECT_TO_PORT        = 0x2D
	SVC_SEND_SYNC_REQUEST      = 0x32
	SVC_GET_PROCESS_ID         = 0x35
	SVC_BREAK                  = 0x3C
	SVC_BIND_INTERRUPT         = 0x50
	SVC_UNBIND_INTERRUPT       = 0x51
	SVC_MAP_PROCESS_MEMORY     = 0x71
	SVC_UNMAP_PROCESS_MEMORY   = 0x72
	SVC_KERNEL_SET_STATE       = 0x7C

	NUM_OFFICIAL_SVCS = 0x7E
)

var (
	_ldrLit        = uint32(LDR_LITERAL_WILDCARD)
	_br            = uint32(BRANCH_WILDCARD)
	_immWildcard   = uint32(0xFFFFF000)
	ldrBl          = []uint32{0xE59F0000, 0xEB000000}
	ldrBlMask      = []uint32{_ldrLit, _br}
	addHandleBl    = []uint32{EXACT, _immWildcard, _br}
	movBl          = []uint32{EXACT, _br}
	prologueWindow = uint32(0x2000)
)

// SignatureTable is resolved in order. Anchors only name symbols that
// appear earlier in the table.
var SignatureTable = []Signature{
	{Name: SYM_SVC_HANDLER, Anchor: AtVector(VECTOR_SVC), Mode: ADDRESS_AT},
	{
		Name: SYM_SVC_FALLBACK_HANDLER, Anchor: AtSymbol(SYM_SVC_HANDLER), Window: 0x100,
		// cmp r12, #0x7E; bhi fallback
		Pattern: []uint32{0xE35C007E, 0x8A000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_SVC_TABLE, Anchor: AtSymbol(SYM_SVC_HANDLER), Window: 0x100,
		// ldr r11, =table; ldr pc, [r11, r12, lsl #2]
		Pattern: []uint32{0xE59FB000, 0xE79BF10C}, Mask: []uint32{_ldrLit, EXACT}, Mode: PC_LITERAL_AT,
	},
	{
		Name: SYM_CRITICAL_SECTION_LOCK, Anchor: AtSVC(SVC_SET_THREAD_PRIORITY), Window: 0x200,
		Pattern: ldrBl, Mask: ldrBlMask, Mode: PC_LITERAL_AT,
	},
	{
		Name: SYM_KRECURSIVELOCK_LOCK, Anchor: AtSVC(SVC_SET_THREAD_PRIORITY), Window: 0x200,
		Pattern: ldrBl, Mask: ldrBlMask, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KRECURSIVELOCK_UNLOCK, Anchor: AtSVC(SVC_SET_THREAD_PRIORITY), Window: 0x200,
		// mov r0, r6; bl unlock; mov r0, r5
		Pattern: []uint32{0xE1A00006, 0xEB000000, 0xE1A00005}, Mask: []uint32{EXACT, _br, EXACT},
		Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KSCHEDULER_ADJUST_THREAD, Anchor: AtSVC(SVC_SET_THREAD_PRIORITY), Window: 0x200,
		// ldrb r2, [r4, #0x33]; mov r1, r4; bl adjust
		Pattern: []uint32{0xE5D42033, 0xE1A01004, 0xEB000000}, Mask: []uint32{EXACT, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KSCHEDULER_TRIGGER_CROSS_CORE_INTERRUPT, Anchor: AtSymbol(SYM_KSCHEDULER_ADJUST_THREAD), Window: 0x400,
		// mov r1, #1; strb r1, [r0, #0x14]; bl trigger
		Pattern: []uint32{0xE3A01001, 0xE5C01014, 0xEB000000}, Mask: []uint32{EXACT, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_THREAD_LIST, Anchor: AtSVC(SVC_CREATE_THREAD), Window: 0x400,
		// ldr r1, =threadList; mov r0, r4; bl insert
		Pattern: []uint32{0xE59F1000, 0xE1A00004, 0xEB000000}, Mask: []uint32{_ldrLit, EXACT, _br},
		Mode: PC_LITERAL_AT,
	},
	{
		Name: SYM_SYNCHRONIZATION_MUTEX, Anchor: AtSVC(SVC_WAIT_SYNCHRONIZATION1), Window: 0x200,
		Pattern: ldrBl, Mask: ldrBlMask, Mode: PC_LITERAL_AT,
	},
	{
		Name: SYM_KOBJECTMUTEX_WAIT_AND_ACQUIRE, Anchor: AtSVC(SVC_WAIT_SYNCHRONIZATION1), Window: 0x200,
		Pattern: ldrBl, Mask: ldrBlMask, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KOBJECTMUTEX_WAKE_CONTENDER, Anchor: AtSVC(SVC_WAIT_SYNCHRONIZATION1), Window: 0x200,
		// mov r1, #0; str r1, [r0]; ldrsh r1, [r0, #6]; cmp r1, #0; blgt wake
		Pattern: []uint32{0xE3A01000, 0xE5801000, 0xE1D010F6, 0xE3510000, 0xCB000000},
		Mask:    []uint32{EXACT, EXACT, EXACT, EXACT, _br},
		Mode:    BRANCH_AT, Delta: 16,
	},
	{
		Name: SYM_KPROCESSHANDLETABLE_TO_KPROCESS, Anchor: AtSVC(SVC_GET_PROCESS_ID), Window: 0x200,
		// mov r1, r5; add r0, r4, #handleTable; bl
		Pattern: []uint32{0xE1A01005, 0xE2840000, 0xEB000000}, Mask: addHandleBl, Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KPROCESSHANDLETABLE_TO_KAUTOOBJECT, Anchor: AtSVC(SVC_DUPLICATE_HANDLE), Window: 0x200,
		Pattern: []uint32{0xE1A01006, 0xE2840000, 0xEB000000}, Mask: addHandleBl, Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KAUTOOBJECT_ADD_REFERENCE, Anchor: AtSVC(SVC_DUPLICATE_HANDLE), Window: 0x200,
		Pattern: []uint32{0xE1A00007, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KPROCESSHANDLETABLE_CREATE_HANDLE, Anchor: AtSVC(SVC_DUPLICATE_HANDLE), Window: 0x200,
		// mov r2, r7; add r1, sp, #4; bl
		Pattern: []uint32{0xE1A02007, 0xE28D1004, 0xEB000000}, Mask: []uint32{EXACT, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KEVENT_SIGNAL, Anchor: AtSVC(SVC_SIGNAL_EVENT), Window: 0x200,
		Pattern: []uint32{0xE1A00004, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KALLOC, Anchor: AtSVC(SVC_CONTROL_MEMORY), Window: 0x800,
		// mov r1, r7; mov r2, #1; bl kAlloc
		Pattern: []uint32{0xE1A01007, 0xE3A02001, 0xEB000000}, Mask: []uint32{EXACT, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KFREE, Anchor: AtSVC(SVC_CONTROL_MEMORY), Window: 0x800,
		// mov r0, r5; mov r1, r7; bl kFree
		Pattern: []uint32{0xE1A00005, 0xE1A01007, 0xEB000000}, Mask: []uint32{EXACT, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KPROCESSHWINFO_ALLOCATE_PROCESS_MEMORY, Anchor: AtSVC(SVC_CONTROL_MEMORY), Window: 0x800,
		Pattern: []uint32{0xE58D6000, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KPROCESSHWINFO_FREE_PROCESS_MEMORY, Anchor: AtSVC(SVC_CONTROL_MEMORY), Window: 0x800,
		Pattern: []uint32{0xE1A02008, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KPROCESSHWINFO_CHANGE_PERMISSIONS, Anchor: AtSVC(SVC_CONTROL_MEMORY), Window: 0x800,
		Pattern: []uint32{0xE58D9000, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KPROCESSHWINFO_MAP_PROCESS_MEMORY, Anchor: AtSVC(SVC_MAP_PROCESS_MEMORY), Window: 0x200,
		Pattern: []uint32{0xE58D8000, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_KPROCESSHWINFO_UNMAP_PROCESS_MEMORY, Anchor: AtSVC(SVC_UNMAP_PROCESS_MEMORY), Window: 0x200,
		Pattern: []uint32{0xE1A02006, 0xEB000000}, Mask: movBl, Mode: BRANCH_AT, Delta: 4,
	},
	{
		Name: SYM_MAP_L1_SECTION, Anchor: AtSymbol(SYM_KPROCESSHWINFO_MAP_PROCESS_MEMORY), Window: prologueWindow,
		// push {r4-r10, lr}; mov r4, r1; mov r5, r2
		Pattern: []uint32{0xE92D47F0, 0xE1A04001, 0xE1A05002}, Mode: ADDRESS_AT,
	},
	{
		Name: SYM_MAP_L2_SECTION, Anchor: AtSymbol(SYM_KPROCESSHWINFO_MAP_PROCESS_MEMORY), Window: prologueWindow,
		// push {r4-r11, lr}; mov r4, r1; mov r5, r2
		Pattern: []uint32{0xE92D4FF0, 0xE1A04001, 0xE1A05002}, Mode: ADDRESS_AT,
	},
	{
		Name: SYM_INTERRUPT_MANAGER, Anchor: AtVector(VECTOR_IRQ), Window: 0x100,
		Pattern: ldrBl, Mask: ldrBlMask, Mode: PC_LITERAL_AT,
	},
	{
		Name: SYM_KINTERRUPTMANAGER_MAP_INTERRUPT, Anchor: AtSVC(SVC_BIND_INTERRUPT), Window: 0x200,
		// ldr r0, =interruptManager; mov r1, r4; bl map
		Pattern: []uint32{0xE59F0000, 0xE1A01004, 0xEB000000}, Mask: []uint32{_ldrLit, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
	{
		Name: SYM_KINTERRUPTMANAGER_UNMAP_INTERRUPT, Anchor: AtSVC(SVC_UNBIND_INTERRUPT), Window: 0x200,
		// ldr r0, =interruptManager; mov r1, r5; bl unmap
		Pattern: []uint32{0xE59F0000, 0xE1A01005, 0xEB000000}, Mask: []uint32{_ldrLit, EXACT, _br},
		Mode: BRANCH_AT, Delta: 8,
	},
}

// findSvcTableStart looks for the NULL slot 0 of the SVC table at or
// after base. Slot 1 is never NULL.
func findSvcTableStart(mem Memory, base uint32) (uint32, error) {
	words, err := ReadWords(mem, base, _SVC_TABLE_SEARCH_WORDS+1)
	if err != nil {
		return 0, err
	}
	for i := 0; i < _SVC_TABLE_SEARCH_WORDS; i++ {
		if words[i] == 0 && words[i+1] != 0 {
			return base + uint32(i)*4, nil
		}
	}
	return 0, fmt.Errorf("base %#08x: %w", base, ErrSvcTableNotFound)
}

// ResolveSymbols recovers every symbol of SignatureTable from the kernel
// image. All failures are reported together and no partial result is
// returned.
func ResolveSymbols(mem Memory, region Region, vectors uint32) (*Symbols, error) {
	r := NewSymbolResolver(mem, region, vectors)
	found, err := r.ResolveAll(SignatureTable)
	if err != nil {
		return nil, err
	}
	syms := &Symbols{}
	for name, p := range syms.fields() {
		addr, ok := found[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrPatternNotFound)
		}
		*p = addr
	}
	start, err := findSvcTableStart(mem, syms.SvcTable)
	if err != nil {
		return nil, err
	}
	syms.SvcTable = start
	return syms, nil
}

package kext

import "fmt"

type KernelVersion uint32

func SystemVersion(major, minor, revision uint8) KernelVersion {
	return KernelVersion(major)<<24 | KernelVersion(minor)<<16 | KernelVersion(revision)<<8
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d-%d", uint8(v>>24), uint8(v>>16), uint8(v>>8))
}

// The KProcess rework and the move of the kernel linear mapping happened in
// the same release.
var KERNEL_VERSION_8X = SystemVersion(2, 44, 6)

type Model uint8

const (
	MODEL_O3DS Model = iota
	MODEL_N3DS
)

func (m Model) String() string {
	if m == MODEL_N3DS {
		return "New3DS"
	}
	return "Old3DS"
}

func (m Model) NumCores() int {
	if m == MODEL_N3DS {
		return 4
	}
	return 2
}

// Fixed layouts shared by every supported kernel build.
const (
	_KAUTOOBJECT_VTABLE   = 0x00
	_KAUTOOBJECT_REFCOUNT = 0x04

	_VTABLE_DECREF_SLOT           = 0x08
	_VTABLE_GET_CLASS_TOKEN_SLOT  = 0x10
	_KTHREAD_SCHEDULING_MASK      = 0x33
	_KTHREAD_SHALL_TERMINATE      = 0x34
	_KTHREAD_DYNAMIC_PRIORITY     = 0x38
	_KTHREAD_CORE_ID              = 0x3C
	_KTHREAD_TLS                  = 0x94
	_KTHREAD_OWNER_PROCESS        = 0xA8
	_KSCHEDULER_CORE_ID           = 0x10
	_KSCHEDULER_TRIGGER_CROSSCORE = 0x14

	_KOBJECTMUTEX_OWNER      = 0x00
	_KOBJECTMUTEX_COUNTER    = 0x04
	_KOBJECTMUTEX_CONTENDING = 0x06

	_KRECURSIVELOCK_OWNER = 0x00
	_KRECURSIVELOCK_COUNT = 0x04

	_KLINKEDLIST_SIZE     = 0x00
	_KLINKEDLIST_SENTINEL = 0x04
	_KLINKEDLISTNODE_NEXT = 0x00
	_KLINKEDLISTNODE_PREV = 0x04
	_KLINKEDLISTNODE_KEY  = 0x08

	_KOBJECTLIST_MUTEX = 0x0C

	_KHANDLETABLE_TABLE        = 0x00
	_KHANDLETABLE_MAX_COUNT    = 0x04
	_KHANDLETABLE_MUTEX        = 0x10
	_KHANDLETABLE_INTERNAL     = 0x18
	_HANDLE_DESCRIPTOR_SIZE    = 0x08
	_HANDLE_DESCRIPTOR_INFO    = 0x00
	_HANDLE_DESCRIPTOR_POINTER = 0x04

	_KCODESET_NAME     = 0x50
	_KCODESET_TITLE_ID = 0x5C

	_KCORE_CURRENT_THREAD    = 0x00
	_KCORE_CURRENT_PROCESS   = 0x04
	_KCORE_CURRENT_SCHEDULER = 0x08

	KCORE_CONTEXTS_BASE = 0xFFFC9000
	KCORE_CONTEXT_SIZE  = 0x1000

	// Thread local storage layout of the user exception handler convention.
	TLS_EXCEPTION_HANDLER = 0x40
	TLS_EXCEPTION_STACK   = 0x44
	TLS_EXCEPTION_BUFFER  = 0x48
	TLS_PLUGIN_MAGIC      = 0x50
)

// Layout holds the offsets that move between console models and kernel
// versions. The wrong Layout silently corrupts unrelated kernel state.
type Layout struct {
	Model   Model
	Version KernelVersion

	ProcessHwInfo      uint32
	ProcessCodeSet     uint32
	ProcessID          uint32
	ProcessHandleTable uint32
	ProcessCustomFlags uint32

	HwInfoMutex                uint32
	HwInfoTranslationTableBase uint32

	// Kernel virtual base of the physical memory linear mapping.
	KernelLinearOffset uint32
	// User virtual base of the FCRAM linear heap.
	UserLinearBase uint32
}

func GetLayout(model Model, version KernelVersion) (Layout, error) {
	if version == 0 {
		return Layout{}, fmt.Errorf("unsupported kernel version %v", version)
	}
	l := Layout{
		Model:       model,
		Version:     version,
		HwInfoMutex: 0x00,
	}

	if version < KERNEL_VERSION_8X {
		l.KernelLinearOffset = 0xD0000000
		l.UserLinearBase = 0x14000000
	} else {
		l.KernelLinearOffset = 0xC0000000
		l.UserLinearBase = 0x30000000
	}

	switch {
	case model == MODEL_N3DS:
		l.ProcessHwInfo = 0x54
		l.ProcessCodeSet = 0xB8
		l.ProcessID = 0xBC
		l.ProcessHandleTable = 0xE4
		l.ProcessCustomFlags = 0xC3
		l.HwInfoTranslationTableBase = 0x1C
	case version < KERNEL_VERSION_8X:
		l.ProcessHwInfo = 0x54
		l.ProcessCodeSet = 0xA8
		l.ProcessID = 0xAC
		l.ProcessHandleTable = 0xD4
		l.ProcessCustomFlags = 0xB3
		l.HwInfoTranslationTableBase = 0x18
	default:
		l.ProcessHwInfo = 0x54
		l.ProcessCodeSet = 0xB0
		l.ProcessID = 0xB4
		l.ProcessHandleTable = 0xDC
		l.ProcessCustomFlags = 0xBB
		l.HwInfoTranslationTableBase = 0x18
	}
	return l, nil
}

// Physical base of FCRAM. The user linear heap maps it from its start.
const FCRAM_PA = 0x20000000

func (l *Layout) NumCores() int {
	return l.Model.NumCores()
}

// KernPA2VA converts a physical address to the kernel linear mapping.
func (l *Layout) KernPA2VA(pa uint32) uint32 {
	return pa + l.KernelLinearOffset
}

func (l *Layout) KernVA2PA(va uint32) uint32 {
	return va - l.KernelLinearOffset
}

func coreContextAddr(core int) uint32 {
	return KCORE_CONTEXTS_BASE + uint32(core)*KCORE_CONTEXT_SIZE
}

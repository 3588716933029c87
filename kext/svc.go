package kext

import (
	"fmt"

	"github.com/apex/log"
)

const SVC_TABLE_SIZE = 0x100

// Supervisor calls added by the extension. The ids are ABI.
const (
	SVC_CUSTOM_BACKDOOR                     = 0x80
	SVC_CONVERT_VA_TO_PA                    = 0x90
	SVC_FLUSH_DATA_CACHE_RANGE              = 0x91
	SVC_FLUSH_ENTIRE_DATA_CACHE             = 0x92
	SVC_INVALIDATE_INSTRUCTION_CACHE_RANGE  = 0x93
	SVC_INVALIDATE_ENTIRE_INSTRUCTION_CACHE = 0x94
	SVC_MAP_PROCESS_MEMORY_EX               = 0xA0
	SVC_UNMAP_PROCESS_MEMORY_EX             = 0xA1
	SVC_CONTROL_MEMORY_EX                   = 0xA2
	SVC_CONTROL_MEMORY_UNSAFE               = 0xA3
	SVC_CONTROL_SERVICE                     = 0xB0
	SVC_COPY_HANDLE                         = 0xB1
	SVC_TRANSLATE_HANDLE                    = 0xB2
	SVC_CONTROL_PROCESS                     = 0xB3
)

// SvcFunc runs a supervisor call against the caller's register frame.
// Failures the caller can see are result codes in r0. An error means the
// extension itself could not reach the kernel.
type SvcFunc func(core int, regs *Regs) error

type SvcEntry struct {
	Name    string
	Addr    uint32
	Handler SvcFunc
}

func (e *SvcEntry) Overridden() bool {
	return e.Handler != nil
}

var svcOverrides = []struct {
	id   int
	name string
	fn   func(k *Kernel, core int, regs *Regs) error
}{
	{SVC_CONTROL_MEMORY, "ControlMemory", (*Kernel).svcControlMemory},
	{SVC_EXIT_PROCESS, "ExitProcess", (*Kernel).svcExitProcess},
	{SVC_GET_SYSTEM_INFO, "GetSystemInfo", (*Kernel).svcGetSystemInfo},
	{SVC_GET_PROCESS_INFO, "GetProcessInfo", (*Kernel).svcGetProcessInfo},
	{SVC_GET_THREAD_INFO, "GetThreadInfo", (*Kernel).svcGetThreadInfo},
	{SVC_CONNECT_TO_PORT, "ConnectToPort", (*Kernel).svcConnectToPort},
	{SVC_BREAK, "Break", (*Kernel).svcBreak},
	{SVC_KERNEL_SET_STATE, "KernelSetState", (*Kernel).svcKernelSetState},

	{SVC_CUSTOM_BACKDOOR, "CustomBackdoor", (*Kernel).svcCustomBackdoor},
	{SVC_CONVERT_VA_TO_PA, "ConvertVAToPA", (*Kernel).svcConvertVAToPA},
	{SVC_FLUSH_DATA_CACHE_RANGE, "FlushDataCacheRange", (*Kernel).svcFlushDataCacheRange},
	{SVC_FLUSH_ENTIRE_DATA_CACHE, "FlushEntireDataCache", (*Kernel).svcFlushEntireDataCache},
	{SVC_INVALIDATE_INSTRUCTION_CACHE_RANGE, "InvalidateInstructionCacheRange", (*Kernel).svcInvalidateInstructionCacheRange},
	{SVC_INVALIDATE_ENTIRE_INSTRUCTION_CACHE, "InvalidateEntireInstructionCache", (*Kernel).svcInvalidateEntireInstructionCache},
	{SVC_MAP_PROCESS_MEMORY_EX, "MapProcessMemoryEx", (*Kernel).svcMapProcessMemoryEx},
	{SVC_UNMAP_PROCESS_MEMORY_EX, "UnmapProcessMemoryEx", (*Kernel).svcUnmapProcessMemoryEx},
	{SVC_CONTROL_MEMORY_EX, "ControlMemoryEx", (*Kernel).svcControlMemoryEx},
	{SVC_CONTROL_MEMORY_UNSAFE, "ControlMemoryUnsafe", (*Kernel).svcControlMemoryUnsafe},
	{SVC_CONTROL_SERVICE, "ControlService", (*Kernel).svcControlService},
	{SVC_COPY_HANDLE, "CopyHandle", (*Kernel).svcCopyHandle},
	{SVC_TRANSLATE_HANDLE, "TranslateHandle", (*Kernel).svcTranslateHandle},
	{SVC_CONTROL_PROCESS, "ControlProcess", (*Kernel).svcControlProcess},
}

// OverriddenSVCs maps the id of every supervisor call the extension
// serves itself to its name.
func OverriddenSVCs() map[int]string {
	res := make(map[int]string, len(svcOverrides))
	for _, o := range svcOverrides {
		res[o.id] = o.name
	}
	return res
}

func (k *Kernel) buildAlteredSvcTable() {
	for i := range k.svcs {
		k.svcs[i] = SvcEntry{}
	}
	for i, addr := range k.officialSVCs {
		k.svcs[i] = SvcEntry{Name: fmt.Sprintf("svc%02X", i), Addr: addr}
	}

	for _, o := range svcOverrides {
		o := o
		k.svcs[o.id].Name = o.name
		k.svcs[o.id].Handler = func(core int, regs *Regs) error { return o.fn(k, core, regs) }
	}

	n := 0
	for i := range k.svcs {
		if k.svcs[i].Overridden() {
			n++
		}
	}
	log.WithField("overrides", n).Debug("altered svc table built")
}

// SvcTable returns a copy of the altered table.
func (k *Kernel) SvcTable() []SvcEntry {
	return append([]SvcEntry(nil), k.svcs[:]...)
}

// Dispatch runs supervisor call id for the thread running on core.
func (k *Kernel) Dispatch(core int, id int, regs *Regs) error {
	if !k.booted.Load() {
		return ErrNotBooted
	}
	if err := k.checkCore(core); err != nil {
		return err
	}
	if id < 0 || id >= SVC_TABLE_SIZE {
		return k.caller.CallSVC(k.syms.SvcFallbackHandler, regs)
	}
	e := &k.svcs[id]
	switch {
	case e.Handler != nil:
		return e.Handler(core, regs)
	case e.Addr != 0:
		return k.caller.CallSVC(e.Addr, regs)
	}
	return k.caller.CallSVC(k.syms.SvcFallbackHandler, regs)
}

// callOfficial delegates to the vendor implementation of id.
func (k *Kernel) callOfficial(id int, regs *Regs) error {
	addr := k.OfficialSVC(id)
	if addr == 0 {
		return fmt.Errorf("svc %#02x: %w", id, ErrNoRoutine)
	}
	return k.caller.CallSVC(addr, regs)
}

func setResult(regs *Regs, res Result) {
	regs[0] = uint32(res)
}

// acquireProcess resolves handle in the handle table of the process
// running on core and takes a reference on the result.
func (k *Kernel) acquireProcess(core int, handle uint32) (KProcess, error) {
	cur := k.currentProcess(core)
	if handle == CUR_PROCESS_HANDLE {
		if cur == 0 {
			return 0, nil
		}
		return cur, KAutoObject(cur).AddReference(k)
	}
	return cur.HandleTable(k).ToKProcess(k, handle)
}

func (k *Kernel) acquireObject(core int, handle uint32) (KAutoObject, error) {
	cur := k.currentProcess(core)
	switch handle {
	case CUR_PROCESS_HANDLE:
		if cur == 0 {
			return 0, nil
		}
		return KAutoObject(cur), KAutoObject(cur).AddReference(k)
	case CUR_THREAD_HANDLE:
		t := k.currentThread(core)
		if t == 0 {
			return 0, nil
		}
		return KAutoObject(t), KAutoObject(t).AddReference(k)
	}
	return cur.HandleTable(k).ToKAutoObject(k, handle)
}

// scratch is a per-core word of the extension image used as an out
// parameter of kernel routines.
func scratch(core int) uint32 {
	return KEXT_VA + 0x300 + uint32(core)*4
}

// createHandle installs obj in the handle table of proc.
func (k *Kernel) createHandle(core int, proc KProcess, obj KAutoObject) (uint32, Result, error) {
	token, err := obj.ClassToken(k)
	if err != nil {
		return 0, 0, err
	}
	out := scratch(core)
	res, err := k.caller.Call(k.syms.KProcessHandleTable__CreateHandle,
		uint32(proc.HandleTable(k)), out, uint32(obj), uint32(token))
	if err != nil {
		return 0, 0, err
	}
	if Result(res).IsFailure() {
		return 0, Result(res), nil
	}
	return k.kread32(out), RESULT_SUCCESS, nil
}

package kext

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// Memory operations of ControlMemory. The low byte selects the operation,
// the rest are modifiers.
type MemOp uint32

const (
	MEMOP_FREE    MemOp = 1
	MEMOP_RESERVE MemOp = 2
	MEMOP_COMMIT  MemOp = 3
	MEMOP_MAP     MemOp = 4
	MEMOP_UNMAP   MemOp = 5
	MEMOP_PROT    MemOp = 6

	MEMOP_REGION_APP    MemOp = 0x100
	MEMOP_REGION_SYSTEM MemOp = 0x200
	MEMOP_REGION_BASE   MemOp = 0x300

	MEMOP_LINEAR MemOp = 0x10000

	MEMOP_OP_MASK     MemOp = 0xFF
	MEMOP_REGION_MASK MemOp = 0xF00
)

func (op MemOp) Kind() MemOp {
	return op & MEMOP_OP_MASK
}

func (op MemOp) Linear() bool {
	return op&MEMOP_LINEAR != 0
}

func (op MemOp) String() string {
	var s string
	switch op.Kind() {
	case MEMOP_FREE:
		s = "FREE"
	case MEMOP_RESERVE:
		s = "RESERVE"
	case MEMOP_COMMIT:
		s = "COMMIT"
	case MEMOP_MAP:
		s = "MAP"
	case MEMOP_UNMAP:
		s = "UNMAP"
	case MEMOP_PROT:
		s = "PROT"
	default:
		return fmt.Sprintf("MemOp(%#x)", uint32(op))
	}
	if op.Linear() {
		s += "|LINEAR"
	}
	return s
}

// svcControlMemory: r0 op, r1 addr0, r2 addr1, r3 size, r4 perms. The
// official call runs unchanged. Processes that asked for it are told when
// their layout changed.
func (k *Kernel) svcControlMemory(core int, regs *Regs) error {
	if err := k.callOfficial(SVC_CONTROL_MEMORY, regs); err != nil {
		return err
	}
	if Result(regs[0]).IsFailure() {
		return nil
	}
	return k.notifyMemLayoutChange(k.currentProcess(core))
}

func (k *Kernel) notifyMemLayoutChange(proc KProcess) error {
	if proc == 0 || proc.CustomFlags(k)&SIGNAL_ON_MEM_LAYOUT_CHANGES == 0 {
		return nil
	}
	return k.signalEvent(k.events.get(proc).memChange)
}

// svcExitProcess signals the exit event of the process, drops every event
// it registered and lets the kernel tear it down.
func (k *Kernel) svcExitProcess(core int, regs *Regs) error {
	proc := k.currentProcess(core)
	if proc != 0 {
		if err := k.OnProcessExit(proc); err != nil {
			return err
		}
		if k.cfg.Plugins != nil {
			if err := k.cfg.Plugins.OnProcessExit(context.Background(), proc.PID(k)); err != nil {
				return err
			}
		}
	}
	return k.callOfficial(SVC_EXIT_PROCESS, regs)
}

// OnProcessExit releases what the extension holds for proc.
func (k *Kernel) OnProcessExit(proc KProcess) error {
	ev, ok := k.events.remove(proc)
	if !ok {
		return nil
	}
	if proc.CustomFlags(k)&SIGNAL_ON_EXIT != 0 {
		if err := k.signalEvent(ev.exit); err != nil {
			return err
		}
	}
	for _, obj := range []KAutoObject{ev.memChange, ev.exit} {
		if obj == 0 {
			continue
		}
		if err := obj.DecrementReferenceCount(k); err != nil {
			return err
		}
	}
	log.WithField("process", proc.PID(k)).Debug("process events released")
	return nil
}

// svcControlMemoryEx: r0 op, r1 addr0, r2 addr1, r3 size, r4 perms,
// r5 isLoader. Loader requests bypass the region checks of the official
// call.
func (k *Kernel) svcControlMemoryEx(core int, regs *Regs) error {
	if regs[5] == 0 {
		return k.svcControlMemory(core, regs)
	}
	res, out, err := k.ControlMemoryUnsafe(core, regs[1], regs[3], MemOp(regs[0]), regs[4])
	if err != nil {
		return err
	}
	setResult(regs, res)
	regs[1] = out
	return nil
}

// svcControlMemoryUnsafe: r0 addr, r1 size, r2 op, r3 perms. The mapped
// address comes back in r1.
func (k *Kernel) svcControlMemoryUnsafe(core int, regs *Regs) error {
	res, out, err := k.ControlMemoryUnsafe(core, regs[0], regs[1], MemOp(regs[2]), regs[3])
	if err != nil {
		return err
	}
	setResult(regs, res)
	regs[1] = out
	return nil
}

// ControlMemoryUnsafe changes the memory of the current process without
// any region check. Only alignment is validated. MAP needs a source
// address and is left to the official call.
func (k *Kernel) ControlMemoryUnsafe(core int, addr, size uint32, op MemOp, perms uint32) (Result, uint32, error) {
	if addr&PAGE_MASK != 0 {
		return RESULT_MISALIGNED_ADDRESS, 0, nil
	}
	if size&PAGE_MASK != 0 {
		return RESULT_MISALIGNED_SIZE, 0, nil
	}
	proc := k.currentProcess(core)
	if proc == 0 {
		return RESULT_INVALID_HANDLE, 0, nil
	}
	hw := proc.HwInfo(k)
	pages := size >> PAGE_SIZE_SHIFT

	var res uint32
	var err error
	switch op.Kind() {
	case MEMOP_FREE:
		res, err = k.caller.Call(k.syms.KProcessHwInfo__FreeProcessMemory, uint32(hw), addr, pages)
	case MEMOP_COMMIT:
		if op.Linear() {
			return k.commitLinear(proc, addr, size, perms)
		}
		res, err = k.caller.Call(k.syms.KProcessHwInfo__AllocateProcessMemory, uint32(hw), addr, pages, perms)
	case MEMOP_UNMAP:
		res, err = k.caller.Call(k.syms.KProcessHwInfo__UnmapProcessMemory, uint32(hw), addr, pages)
	case MEMOP_PROT:
		res, err = k.caller.Call(k.syms.KProcessHwInfo__ChangePermissions, uint32(hw), addr, pages, perms)
	default:
		return RESULT_INVALID_COMBINATION, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	log.WithFields(log.Fields{
		"addr":   fmt.Sprintf("%#08x", addr),
		"size":   fmt.Sprintf("%#x", size),
		"op":     op.String(),
		"result": Result(res).Error(),
	}).Debug("ControlMemoryUnsafe")
	if Result(res).IsFailure() {
		return Result(res), 0, nil
	}
	if err = k.notifyMemLayoutChange(proc); err != nil {
		return 0, 0, err
	}
	return RESULT_SUCCESS, addr, nil
}

// commitLinear backs a linear heap commit with freshly allocated kernel
// pages. A zero address maps the block at its linear heap address. The
// block goes back to the kernel heap when it cannot be mapped.
func (k *Kernel) commitLinear(proc KProcess, addr, size, perms uint32) (res Result, out uint32, err error) {
	hw := proc.HwInfo(k)
	pages := size >> PAGE_SIZE_SHIFT
	kva, err := k.caller.Call(k.syms.KAlloc, pages)
	if err != nil {
		return 0, 0, err
	}
	if kva == 0 {
		return RESULT_OUT_OF_MEMORY, 0, nil
	}
	mapped := false
	defer func() {
		if mapped {
			return
		}
		if _, ferr := k.caller.Call(k.syms.KFree, kva, pages); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err = Zero(k.mem, kva, size); err != nil {
		return 0, 0, err
	}
	k.cache.CleanDataCacheRange(kva, size)
	k.cache.DataSyncBarrier()

	pa := k.layout.KernVA2PA(kva)
	if addr == 0 {
		addr = pa - FCRAM_PA + k.layout.UserLinearBase
	}
	r, err := k.caller.Call(k.syms.KProcessHwInfo__MapProcessMemory, uint32(hw), addr, pa, pages, perms)
	if err != nil {
		return 0, 0, err
	}
	if Result(r).IsFailure() {
		log.WithFields(log.Fields{
			"addr":   fmt.Sprintf("%#08x", addr),
			"pages":  pages,
			"result": Result(r).Error(),
		}).Debug("linear commit not mapped")
		return Result(r), 0, nil
	}
	mapped = true
	if err = k.notifyMemLayoutChange(proc); err != nil {
		return 0, 0, err
	}
	return RESULT_SUCCESS, addr, nil
}

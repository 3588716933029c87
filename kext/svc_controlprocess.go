package kext

import (
	"fmt"
	"sync"

	"github.com/apex/log"
)

type ProcessOp uint32

const (
	PROCESSOP_GET_ALL_HANDLES ProcessOp = iota
	PROCESSOP_SET_MMU_TO_RWX
	PROCESSOP_GET_ON_MEMORY_CHANGE_EVENT
	PROCESSOP_GET_ON_EXIT_EVENT
	PROCESSOP_GET_PA_FROM_VA
	PROCESSOP_SCHEDULE_THREADS
	PROCESSOP_SCHEDULE_THREADS_WITHOUT_TLS_MAGIC
	PROCESSOP_DISABLE_CREATETHREAD_RESTRICTIONS
)

func (op ProcessOp) String() string {
	switch op {
	case PROCESSOP_GET_ALL_HANDLES:
		return "GET_ALL_HANDLES"
	case PROCESSOP_SET_MMU_TO_RWX:
		return "SET_MMU_TO_RWX"
	case PROCESSOP_GET_ON_MEMORY_CHANGE_EVENT:
		return "GET_ON_MEMORY_CHANGE_EVENT"
	case PROCESSOP_GET_ON_EXIT_EVENT:
		return "GET_ON_EXIT_EVENT"
	case PROCESSOP_GET_PA_FROM_VA:
		return "GET_PA_FROM_VA"
	case PROCESSOP_SCHEDULE_THREADS:
		return "SCHEDULE_THREADS"
	case PROCESSOP_SCHEDULE_THREADS_WITHOUT_TLS_MAGIC:
		return "SCHEDULE_THREADS_WITHOUT_TLS_MAGIC"
	case PROCESSOP_DISABLE_CREATETHREAD_RESTRICTIONS:
		return "DISABLE_CREATETHREAD_RESTRICTIONS"
	}
	return fmt.Sprintf("ProcessOp(%d)", uint32(op))
}

const RESET_ONESHOT = 0

type processEvents struct {
	memChange KAutoObject
	exit      KAutoObject
}

// eventRegistry keeps the events processes asked to be notified through.
// Each stored event holds one reference.
type eventRegistry struct {
	mtx    sync.Mutex
	events map[KProcess]*processEvents
}

func newEventRegistry() eventRegistry {
	return eventRegistry{events: make(map[KProcess]*processEvents)}
}

func (r *eventRegistry) set(proc KProcess, fn func(ev *processEvents) KAutoObject) KAutoObject {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ev, ok := r.events[proc]
	if !ok {
		ev = &processEvents{}
		r.events[proc] = ev
	}
	return fn(ev)
}

func (r *eventRegistry) get(proc KProcess) processEvents {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if ev, ok := r.events[proc]; ok {
		return *ev
	}
	return processEvents{}
}

func (r *eventRegistry) remove(proc KProcess) (processEvents, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ev, ok := r.events[proc]
	if !ok {
		return processEvents{}, false
	}
	delete(r.events, proc)
	return *ev, true
}

// createEvent creates an event owned by the calling process through the
// official CreateEvent and returns its handle and a referenced object.
func (k *Kernel) createEvent(core int) (uint32, KAutoObject, Result, error) {
	regs := Regs{1: RESET_ONESHOT}
	if err := k.callOfficial(SVC_CREATE_EVENT, &regs); err != nil {
		return 0, 0, 0, err
	}
	if res := Result(regs[0]); res.IsFailure() {
		return 0, 0, res, nil
	}
	handle := regs[1]
	obj, err := k.acquireObject(core, handle)
	if err != nil {
		return 0, 0, 0, err
	}
	if obj == 0 {
		return 0, 0, RESULT_INVALID_HANDLE, nil
	}
	return handle, obj, RESULT_SUCCESS, nil
}

func (k *Kernel) signalEvent(obj KAutoObject) error {
	if obj == 0 {
		return nil
	}
	_, err := k.caller.Call(k.syms.KEvent__Signal, uint32(obj))
	return err
}

// svcControlProcess: r0 process handle, r1 op, r2 and r3 op arguments.
// Results come back in r1.
func (k *Kernel) svcControlProcess(core int, regs *Regs) error {
	res, out, err := k.ControlProcess(core, regs[0], ProcessOp(regs[1]), regs[2], regs[3])
	if err != nil {
		return err
	}
	setResult(regs, res)
	regs[1] = out
	return nil
}

// ControlProcess performs a privileged operation on a process. The
// reference taken on the process is dropped on every path.
func (k *Kernel) ControlProcess(core int, handle uint32, op ProcessOp, varg2, varg3 uint32) (res Result, out uint32, err error) {
	proc, err := k.acquireProcess(core, handle)
	if err != nil {
		return 0, 0, err
	}
	if proc == 0 {
		return RESULT_INVALID_HANDLE, 0, nil
	}
	defer k.release(KAutoObject(proc), &err)

	log.WithFields(log.Fields{"core": core, "process": proc.PID(k), "op": op.String()}).Debug("ControlProcess")

	switch op {
	case PROCESSOP_GET_ALL_HANDLES:
		return k.getAllHandles(core, proc, varg2, varg3)
	case PROCESSOP_SET_MMU_TO_RWX:
		proc.SetCustomFlags(k, proc.CustomFlags(k)|FORCE_RWX_PAGES)
		if err = proc.HwInfo(k).SetMMUTableToRWX(k, core); err != nil {
			return 0, 0, err
		}
		return RESULT_SUCCESS, 0, nil
	case PROCESSOP_GET_ON_MEMORY_CHANGE_EVENT:
		return k.registerProcessEvent(core, proc, SIGNAL_ON_MEM_LAYOUT_CHANGES,
			func(ev *processEvents) *KAutoObject { return &ev.memChange })
	case PROCESSOP_GET_ON_EXIT_EVENT:
		return k.registerProcessEvent(core, proc, SIGNAL_ON_EXIT,
			func(ev *processEvents) *KAutoObject { return &ev.exit })
	case PROCESSOP_GET_PA_FROM_VA:
		// varg2 points at the caller's output word, varg3 is the VA.
		pa, err := proc.HwInfo(k).GetPAFromVA(k, core, varg3)
		if err != nil {
			return 0, 0, err
		}
		if pa == 0 {
			return RESULT_INVALID_ADDRESS, 0, nil
		}
		if Write32(k.mem, varg2, pa) != nil {
			return RESULT_INVALID_POINTER, 0, nil
		}
		return RESULT_SUCCESS, 0, nil
	case PROCESSOP_SCHEDULE_THREADS, PROCESSOP_SCHEDULE_THREADS_WITHOUT_TLS_MAGIC:
		pred := func(t KThread) bool { return t.OwnerProcess(k) == proc }
		if op == PROCESSOP_SCHEDULE_THREADS_WITHOUT_TLS_MAGIC {
			magic := varg3
			pred = func(t KThread) bool {
				return t.OwnerProcess(k) == proc && k.kread32(t.TLS(k)+TLS_PLUGIN_MAGIC) != magic
			}
		}
		if varg2 != 0 {
			err = k.LockThreads(core, pred)
		} else {
			err = k.UnlockThreads(core, pred)
		}
		if err != nil {
			return 0, 0, err
		}
		return RESULT_SUCCESS, 0, nil
	case PROCESSOP_DISABLE_CREATETHREAD_RESTRICTIONS:
		flags := proc.CustomFlags(k)
		if varg2 != 0 {
			flags |= DISABLE_CORE_RESTRICTIONS
		} else {
			flags &^= DISABLE_CORE_RESTRICTIONS
		}
		proc.SetCustomFlags(k, flags)
		return RESULT_SUCCESS, 0, nil
	}
	return RESULT_NOT_IMPLEMENTED, 0, nil
}

// getAllHandles writes every handle of proc to the user buffer at dst and
// returns how many were written. A non-zero token keeps only objects of
// that class.
func (k *Kernel) getAllHandles(core int, proc KProcess, dst, token uint32) (Result, uint32, error) {
	table := proc.HandleTable(k)
	mtx := table.Mutex()
	if err := mtx.Acquire(k, core); err != nil {
		return 0, 0, err
	}
	var handles []uint32
	var err error
	for _, d := range table.Descriptors(k) {
		if token != 0 {
			var t uint8
			if t, err = d.Pointer.ClassToken(k); err != nil {
				break
			}
			if uint32(t) != token {
				continue
			}
		}
		handles = append(handles, d.Handle())
	}
	if rerr := mtx.Release(k, core); err == nil {
		err = rerr
	}
	if err != nil {
		return 0, 0, err
	}
	if len(handles) != 0 && dst != 0 {
		if err = WriteWords(k.mem, dst, handles...); err != nil {
			return RESULT_INVALID_POINTER, 0, nil
		}
	}
	return RESULT_SUCCESS, uint32(len(handles)), nil
}

func (k *Kernel) registerProcessEvent(core int, proc KProcess, flag ProcessFlags, slot func(ev *processEvents) *KAutoObject) (Result, uint32, error) {
	handle, obj, res, err := k.createEvent(core)
	if err != nil || res.IsFailure() {
		return res, 0, err
	}
	prev := k.events.set(proc, func(ev *processEvents) KAutoObject {
		p := slot(ev)
		old := *p
		*p = obj
		return old
	})
	if prev != 0 {
		if err = prev.DecrementReferenceCount(k); err != nil {
			return 0, 0, err
		}
	}
	proc.SetCustomFlags(k, proc.CustomFlags(k)|flag)
	return RESULT_SUCCESS, handle, nil
}

package kext

import (
	"fmt"
	"sync"

	"github.com/apex/log"
)

// svcCustomBackdoor: r0 routine, r1 to r3 its arguments. The routine runs
// in supervisor mode and its return value comes back in r0.
func (k *Kernel) svcCustomBackdoor(core int, regs *Regs) error {
	log.WithFields(log.Fields{"core": core, "routine": fmt.Sprintf("%#08x", regs[0])}).Debug("CustomBackdoor")
	res, err := k.caller.Call(regs[0], regs[1], regs[2], regs[3])
	if err != nil {
		return err
	}
	regs[0] = res
	return nil
}

// svcConvertVAToPA: r0 address, r1 non-zero to require write access. The
// physical address, or 0, comes back in r0.
func (k *Kernel) svcConvertVAToPA(core int, regs *Regs) error {
	pa, err := k.ConvertVAToPA(core, regs[0], regs[1] != 0)
	if err != nil {
		return err
	}
	regs[0] = pa
	return nil
}

func (k *Kernel) ConvertVAToPA(core int, va uint32, writeCheck bool) (uint32, error) {
	proc := k.currentProcess(core)
	if proc == 0 {
		return 0, nil
	}
	hw := proc.HwInfo(k)
	if writeCheck {
		perm, err := hw.GetAddressUserPerm(k, core, va)
		if err != nil {
			return 0, err
		}
		if perm&MEMPERM_WRITE == 0 {
			return 0, nil
		}
	}
	return hw.GetPAFromVA(k, core, va)
}

func (k *Kernel) svcFlushDataCacheRange(core int, regs *Regs) error {
	k.cache.CleanDataCacheRange(regs[0], regs[1])
	k.cache.DataSyncBarrier()
	setResult(regs, RESULT_SUCCESS)
	return nil
}

func (k *Kernel) svcFlushEntireDataCache(core int, regs *Regs) error {
	k.cache.CleanInvalidateEntireDataCache()
	k.cache.DataSyncBarrier()
	setResult(regs, RESULT_SUCCESS)
	return nil
}

func (k *Kernel) svcInvalidateInstructionCacheRange(core int, regs *Regs) error {
	k.cache.InvalidateInstructionCacheRange(regs[0], regs[1])
	k.cache.DataSyncBarrier()
	k.cache.InstructionSyncBarrier()
	setResult(regs, RESULT_SUCCESS)
	return nil
}

func (k *Kernel) svcInvalidateEntireInstructionCache(core int, regs *Regs) error {
	k.cache.InvalidateEntireInstructionCache()
	k.cache.DataSyncBarrier()
	k.cache.InstructionSyncBarrier()
	setResult(regs, RESULT_SUCCESS)
	return nil
}

// svcMapProcessMemoryEx: r0 destination process, r1 destination address,
// r2 source process, r3 source address, r4 size.
func (k *Kernel) svcMapProcessMemoryEx(core int, regs *Regs) error {
	res, err := k.MapProcessMemoryEx(core, regs[0], regs[1], regs[2], regs[3], regs[4])
	if err != nil {
		return err
	}
	setResult(regs, res)
	return nil
}

// MapProcessMemoryEx maps the pages backing a range of the source process
// into the destination process. Physically contiguous runs are mapped with
// one kernel call each.
func (k *Kernel) MapProcessMemoryEx(core int, dstHandle, dstVA, srcHandle, srcVA, size uint32) (res Result, err error) {
	if dstVA&PAGE_MASK != 0 || srcVA&PAGE_MASK != 0 {
		return RESULT_MISALIGNED_ADDRESS, nil
	}
	if size&PAGE_MASK != 0 {
		return RESULT_MISALIGNED_SIZE, nil
	}
	dst, err := k.acquireProcess(core, dstHandle)
	if err != nil {
		return 0, err
	}
	if dst == 0 {
		return RESULT_INVALID_HANDLE, nil
	}
	defer k.release(KAutoObject(dst), &err)
	src, err := k.acquireProcess(core, srcHandle)
	if err != nil {
		return 0, err
	}
	if src == 0 {
		return RESULT_INVALID_HANDLE, nil
	}
	defer k.release(KAutoObject(src), &err)

	runs, res, err := k.physicalRuns(core, src.HwInfo(k), srcVA, size)
	if err != nil || res.IsFailure() {
		return res, err
	}
	va := dstVA
	for _, r := range runs {
		ret, err := k.caller.Call(k.syms.KProcessHwInfo__MapProcessMemory,
			uint32(dst.HwInfo(k)), va, r.pa, r.size>>PAGE_SIZE_SHIFT, MEMPERM_RW)
		if err != nil {
			return 0, err
		}
		if Result(ret).IsFailure() {
			return Result(ret), nil
		}
		va += r.size
	}
	log.WithFields(log.Fields{
		"dst":  fmt.Sprintf("%d:%#08x", dst.PID(k), dstVA),
		"src":  fmt.Sprintf("%d:%#08x", src.PID(k), srcVA),
		"size": fmt.Sprintf("%#x", size),
		"runs": len(runs),
	}).Debug("MapProcessMemoryEx")
	return RESULT_SUCCESS, k.notifyMemLayoutChange(dst)
}

type physRun struct {
	pa   uint32
	size uint32
}

func (k *Kernel) physicalRuns(core int, hw KProcessHwInfo, va, size uint32) ([]physRun, Result, error) {
	mtx := hw.Mutex(k)
	if err := mtx.Acquire(k, core); err != nil {
		return nil, 0, err
	}
	pt := hw.pageTable(k)
	var runs []physRun
	res := RESULT_SUCCESS
	for off := uint32(0); off < size; off += PAGE_SIZE {
		pa := pt.GetPAFromVA(va + off)
		if pa == 0 {
			res = RESULT_INVALID_ADDRESS
			break
		}
		if n := len(runs); n != 0 && runs[n-1].pa+runs[n-1].size == pa {
			runs[n-1].size += PAGE_SIZE
			continue
		}
		runs = append(runs, physRun{pa: pa, size: PAGE_SIZE})
	}
	if err := mtx.Release(k, core); err != nil {
		return nil, 0, err
	}
	if res.IsFailure() {
		return nil, res, nil
	}
	return runs, res, nil
}

// svcUnmapProcessMemoryEx: r0 process, r1 address, r2 size.
func (k *Kernel) svcUnmapProcessMemoryEx(core int, regs *Regs) error {
	res, err := k.UnmapProcessMemoryEx(core, regs[0], regs[1], regs[2])
	if err != nil {
		return err
	}
	setResult(regs, res)
	return nil
}

func (k *Kernel) UnmapProcessMemoryEx(core int, handle, addr, size uint32) (res Result, err error) {
	if addr&PAGE_MASK != 0 {
		return RESULT_MISALIGNED_ADDRESS, nil
	}
	if size&PAGE_MASK != 0 {
		return RESULT_MISALIGNED_SIZE, nil
	}
	proc, err := k.acquireProcess(core, handle)
	if err != nil {
		return 0, err
	}
	if proc == 0 {
		return RESULT_INVALID_HANDLE, nil
	}
	defer k.release(KAutoObject(proc), &err)
	ret, err := k.caller.Call(k.syms.KProcessHwInfo__UnmapProcessMemory,
		uint32(proc.HwInfo(k)), addr, size>>PAGE_SIZE_SHIFT)
	if err != nil {
		return 0, err
	}
	if Result(ret).IsFailure() {
		return Result(ret), nil
	}
	return RESULT_SUCCESS, k.notifyMemLayoutChange(proc)
}

// release drops a reference and reports the failure through err unless an
// earlier error is already there.
func (k *Kernel) release(obj KAutoObject, err *error) {
	if derr := obj.DecrementReferenceCount(k); *err == nil {
		*err = derr
	}
}

// svcCopyHandle: r1 destination process, r2 handle, r3 source process. The
// new handle comes back in r1.
func (k *Kernel) svcCopyHandle(core int, regs *Regs) error {
	res, out, err := k.CopyHandle(core, regs[1], regs[2], regs[3])
	if err != nil {
		return err
	}
	setResult(regs, res)
	regs[1] = out
	return nil
}

// CopyHandle duplicates handle from the table of one process into the
// table of another.
func (k *Kernel) CopyHandle(core int, outProcHandle, handle, inProcHandle uint32) (res Result, out uint32, err error) {
	inProc, err := k.acquireProcess(core, inProcHandle)
	if err != nil {
		return 0, 0, err
	}
	if inProc == 0 {
		return RESULT_INVALID_HANDLE, 0, nil
	}
	defer k.release(KAutoObject(inProc), &err)
	outProc, err := k.acquireProcess(core, outProcHandle)
	if err != nil {
		return 0, 0, err
	}
	if outProc == 0 {
		return RESULT_INVALID_HANDLE, 0, nil
	}
	defer k.release(KAutoObject(outProc), &err)

	obj, err := k.acquireObjectOf(core, inProc, handle)
	if err != nil {
		return 0, 0, err
	}
	if obj == 0 {
		return RESULT_INVALID_HANDLE, 0, nil
	}
	defer k.release(obj, &err)
	out, res, err = k.createHandle(core, outProc, obj)
	return res, out, err
}

// acquireObjectOf resolves handle in the table of proc. Pseudo-handles
// only make sense for the process running on core.
func (k *Kernel) acquireObjectOf(core int, proc KProcess, handle uint32) (KAutoObject, error) {
	if proc == k.currentProcess(core) {
		return k.acquireObject(core, handle)
	}
	if handle == CUR_PROCESS_HANDLE {
		return KAutoObject(proc), KAutoObject(proc).AddReference(k)
	}
	return proc.HandleTable(k).ToKAutoObject(k, handle)
}

// Class tokens of the kernel object types.
var classNames = map[uint8]string{
	0x15: "KSemaphore",
	0x1F: "KEvent",
	0x35: "KTimer",
	0x39: "KMutex",
	0x4D: "KDebug",
	0x55: "KServerPort",
	0x59: "KDmaObject",
	0x65: "KClientPort",
	0x68: "KCodeSet",
	0x70: "KSession",
	0x8D: "KThread",
	0x95: "KServerSession",
	0x98: "KAddressArbiter",
	0xA5: "KClientSession",
	0xA8: "KPort",
	0xB0: "KSharedMemory",
	0xC5: "KProcess",
	0xC8: "KResourceLimit",
}

const _CLASS_NAME_MAX = 12

func ClassName(token uint8) string {
	if name, ok := classNames[token]; ok {
		return name
	}
	return fmt.Sprintf("KAutoObject(%#02x)", token)
}

// svcTranslateHandle: r1 handle, r2 buffer for the class name or 0. The
// kernel address of the object comes back in r1.
func (k *Kernel) svcTranslateHandle(core int, regs *Regs) error {
	res, addr, name, err := k.TranslateHandle(core, regs[1])
	if err != nil {
		return err
	}
	setResult(regs, res)
	regs[1] = addr
	if res.IsSuccess() && regs[2] != 0 {
		buf := make([]byte, _CLASS_NAME_MAX)
		copy(buf[:_CLASS_NAME_MAX-1], name)
		if _, err = k.mem.WriteAt(buf, regs[2]); err != nil {
			setResult(regs, RESULT_INVALID_POINTER)
		}
	}
	return nil
}

func (k *Kernel) TranslateHandle(core int, handle uint32) (res Result, addr uint32, name string, err error) {
	obj, err := k.acquireObject(core, handle)
	if err != nil {
		return 0, 0, "", err
	}
	if obj == 0 {
		return RESULT_INVALID_HANDLE, 0, "", nil
	}
	defer k.release(obj, &err)
	token, err := obj.ClassToken(k)
	if err != nil {
		return 0, 0, "", err
	}
	return RESULT_SUCCESS, uint32(obj), ClassName(token), nil
}

const (
	SERVICEOP_STEAL_CLIENT_SESSION = 0
	SERVICEOP_GET_NAME             = 1
)

// Longest service name a port connection can carry.
const _SERVICE_NAME_MAX = 12

// sessionTracker remembers which service each client session object was
// opened for. Entries hold no reference; an entry is only trusted after
// the object is resolved again through a handle table or re-referenced.
type sessionTracker struct {
	mtx   sync.Mutex
	names map[KAutoObject]string
}

func newSessionTracker() sessionTracker {
	return sessionTracker{names: make(map[KAutoObject]string)}
}

func (s *sessionTracker) record(obj KAutoObject, name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.names[obj] = name
}

func (s *sessionTracker) name(obj KAutoObject) (string, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	name, ok := s.names[obj]
	return name, ok
}

func (s *sessionTracker) find(name string) KAutoObject {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for obj, n := range s.names {
		if n == name {
			return obj
		}
	}
	return 0
}

// svcControlService: r0 op, r1 output pointer, r2 op argument.
func (k *Kernel) svcControlService(core int, regs *Regs) error {
	res, err := k.ControlService(core, regs[0], regs[1], regs[2])
	if err != nil {
		return err
	}
	setResult(regs, res)
	return nil
}

// ControlService either gives the caller a handle to the session some
// process opened to a named service, or names the service behind one of
// its session handles.
func (k *Kernel) ControlService(core int, op, out, arg uint32) (res Result, err error) {
	switch op {
	case SERVICEOP_STEAL_CLIENT_SESSION:
		name, rerr := ReadCString(k.mem, arg, _SERVICE_NAME_MAX)
		if rerr != nil {
			return RESULT_INVALID_POINTER, nil
		}
		obj := k.sessions.find(name)
		if obj == 0 {
			return RESULT_NOT_FOUND, nil
		}
		if err = obj.AddReference(k); err != nil {
			return 0, err
		}
		defer k.release(obj, &err)
		var h uint32
		if h, res, err = k.createHandle(core, k.currentProcess(core), obj); err != nil || res.IsFailure() {
			return res, err
		}
		if werr := Write32(k.mem, out, h); werr != nil {
			return RESULT_INVALID_POINTER, nil
		}
		return RESULT_SUCCESS, nil
	case SERVICEOP_GET_NAME:
		var obj KAutoObject
		if obj, err = k.acquireObject(core, arg); err != nil {
			return 0, err
		}
		if obj == 0 {
			return RESULT_INVALID_HANDLE, nil
		}
		defer k.release(obj, &err)
		name, ok := k.sessions.name(obj)
		if !ok {
			return RESULT_NOT_FOUND, nil
		}
		buf := make([]byte, _SERVICE_NAME_MAX)
		copy(buf[:_SERVICE_NAME_MAX-1], name)
		if _, werr := k.mem.WriteAt(buf, out); werr != nil {
			return RESULT_INVALID_POINTER, nil
		}
		return RESULT_SUCCESS, nil
	}
	return RESULT_INVALID_ENUM_VALUE, nil
}

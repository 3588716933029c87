package kext

import (
	"fmt"
)

const (
	CUR_THREAD_HANDLE  = 0xFFFF8000
	CUR_PROCESS_HANDLE = 0xFFFF8001
)

type KAutoObject uint32
type KThread uint32
type KProcess uint32
type KProcessHwInfo uint32
type KScheduler uint32
type KCoreContext uint32
type KObjectMutex uint32
type KRecursiveLock uint32
type KProcessHandleTable uint32
type KCodeSet uint32

// Reads of kernel objects go through the same Memory the kernel uses. A
// failed read yields zero the way an unmapped kernel load would fault.

func (k *Kernel) kread32(addr uint32) uint32 {
	v, _ := Read32(k.mem, addr)
	return v
}

func (k *Kernel) kread16(addr uint32) uint16 {
	v, _ := Read16(k.mem, addr)
	return v
}

func (k *Kernel) kread8(addr uint32) uint8 {
	v, _ := Read8(k.mem, addr)
	return v
}

func (k *Kernel) kwrite32(addr uint32, value uint32) {
	Write32(k.mem, addr, value)
}

func (k *Kernel) kwrite16(addr uint32, value uint16) {
	Write16(k.mem, addr, value)
}

func (k *Kernel) kwrite8(addr uint32, value uint8) {
	Write8(k.mem, addr, value)
}

func (k *Kernel) CoreContext(core int) KCoreContext {
	return KCoreContext(coreContextAddr(core))
}

func (ctx KCoreContext) CurrentThread(k *Kernel) KThread {
	return KThread(k.kread32(uint32(ctx) + _KCORE_CURRENT_THREAD))
}

func (ctx KCoreContext) CurrentProcess(k *Kernel) KProcess {
	return KProcess(k.kread32(uint32(ctx) + _KCORE_CURRENT_PROCESS))
}

func (ctx KCoreContext) CurrentScheduler(k *Kernel) KScheduler {
	return KScheduler(k.kread32(uint32(ctx) + _KCORE_CURRENT_SCHEDULER))
}

func (k *Kernel) currentThread(core int) KThread {
	return k.CoreContext(core).CurrentThread(k)
}

func (k *Kernel) currentProcess(core int) KProcess {
	return k.CoreContext(core).CurrentProcess(k)
}

func (k *Kernel) currentScheduler(core int) KScheduler {
	return k.CoreContext(core).CurrentScheduler(k)
}

func (obj KAutoObject) RefCount(k *Kernel) uint32 {
	return k.kread32(uint32(obj) + _KAUTOOBJECT_REFCOUNT)
}

func (obj KAutoObject) vtableSlot(k *Kernel, slot uint32) uint32 {
	vtbl := k.kread32(uint32(obj) + _KAUTOOBJECT_VTABLE)
	return k.kread32(vtbl + slot)
}

func (obj KAutoObject) AddReference(k *Kernel) error {
	_, err := k.caller.Call(k.syms.KAutoObject__AddReference, uint32(obj))
	return err
}

// DecrementReferenceCount goes through the object's own vtable, the way
// every kernel object is released.
func (obj KAutoObject) DecrementReferenceCount(k *Kernel) error {
	fn := obj.vtableSlot(k, _VTABLE_DECREF_SLOT)
	_, err := k.caller.Call(fn, uint32(obj))
	return err
}

// ClassToken returns the type flags of the object.
func (obj KAutoObject) ClassToken(k *Kernel) (uint8, error) {
	fn := obj.vtableSlot(k, _VTABLE_GET_CLASS_TOKEN_SLOT)
	res, err := k.caller.Call(fn, uint32(obj))
	return uint8(res), err
}

func (t KThread) SchedulingMask(k *Kernel) uint8 {
	return k.kread8(uint32(t) + _KTHREAD_SCHEDULING_MASK)
}

func (t KThread) SetSchedulingMask(k *Kernel, mask uint8) {
	k.kwrite8(uint32(t)+_KTHREAD_SCHEDULING_MASK, mask)
}

func (t KThread) ShallTerminate(k *Kernel) bool {
	return k.kread8(uint32(t)+_KTHREAD_SHALL_TERMINATE) != 0
}

func (t KThread) CoreID(k *Kernel) int32 {
	return int32(k.kread32(uint32(t) + _KTHREAD_CORE_ID))
}

func (t KThread) TLS(k *Kernel) uint32 {
	return k.kread32(uint32(t) + _KTHREAD_TLS)
}

func (t KThread) OwnerProcess(k *Kernel) KProcess {
	return KProcess(k.kread32(uint32(t) + _KTHREAD_OWNER_PROCESS))
}

func (t KThread) String() string {
	return fmt.Sprintf("KThread@%#08x", uint32(t))
}

func (p KProcess) HwInfo(k *Kernel) KProcessHwInfo {
	return KProcessHwInfo(uint32(p) + k.layout.ProcessHwInfo)
}

// Process returns the process embedding hw.
func (hw KProcessHwInfo) Process(k *Kernel) KProcess {
	if hw == 0 {
		return 0
	}
	return KProcess(uint32(hw) - k.layout.ProcessHwInfo)
}

func (p KProcess) HandleTable(k *Kernel) KProcessHandleTable {
	return KProcessHandleTable(uint32(p) + k.layout.ProcessHandleTable)
}

func (p KProcess) CodeSet(k *Kernel) KCodeSet {
	return KCodeSet(k.kread32(uint32(p) + k.layout.ProcessCodeSet))
}

func (p KProcess) PID(k *Kernel) uint32 {
	return k.kread32(uint32(p) + k.layout.ProcessID)
}

func (p KProcess) CustomFlags(k *Kernel) ProcessFlags {
	return ProcessFlags(k.kread8(uint32(p) + k.layout.ProcessCustomFlags))
}

func (p KProcess) SetCustomFlags(k *Kernel, flags ProcessFlags) {
	k.kwrite8(uint32(p)+k.layout.ProcessCustomFlags, uint8(flags))
}

func (p KProcess) Name(k *Kernel) string {
	cs := p.CodeSet(k)
	if cs == 0 {
		return ""
	}
	name, _ := ReadCString(k.mem, uint32(cs)+_KCODESET_NAME, 8)
	return name
}

func (p KProcess) TitleID(k *Kernel) uint64 {
	cs := p.CodeSet(k)
	if cs == 0 {
		return 0
	}
	lo := k.kread32(uint32(cs) + _KCODESET_TITLE_ID)
	hi := k.kread32(uint32(cs) + _KCODESET_TITLE_ID + 4)
	return uint64(hi)<<32 | uint64(lo)
}

type ProcessFlags uint8

const (
	FORCE_RWX_PAGES ProcessFlags = 1 << iota
	SIGNAL_ON_MEM_LAYOUT_CHANGES
	SIGNAL_ON_EXIT
	DISABLE_CORE_RESTRICTIONS
)

func (hw KProcessHwInfo) Mutex(k *Kernel) KObjectMutex {
	return KObjectMutex(uint32(hw) + k.layout.HwInfoMutex)
}

// TranslationTable is the kernel virtual address of the process L1 table.
func (hw KProcessHwInfo) TranslationTable(k *Kernel) uint32 {
	return k.kread32(uint32(hw) + k.layout.HwInfoTranslationTableBase)
}

func (s KScheduler) CoreID(k *Kernel) int32 {
	return int32(k.kread32(uint32(s) + _KSCHEDULER_CORE_ID))
}

func (s KScheduler) TriggerCrossCoreInterrupt(k *Kernel) bool {
	return k.kread8(uint32(s)+_KSCHEDULER_TRIGGER_CROSSCORE) != 0
}

func (s KScheduler) SetTriggerCrossCoreInterrupt(k *Kernel, v bool) {
	var b uint8
	if v {
		b = 1
	}
	k.kwrite8(uint32(s)+_KSCHEDULER_TRIGGER_CROSSCORE, b)
}

func (m KObjectMutex) Owner(k *Kernel) KThread {
	return KThread(k.kread32(uint32(m) + _KOBJECTMUTEX_OWNER))
}

func (m KObjectMutex) Contending(k *Kernel) int16 {
	return int16(k.kread16(uint32(m) + _KOBJECTMUTEX_CONTENDING))
}

// Acquire takes the uncontended fast path and leaves waiting to the stock
// slow path.
func (m KObjectMutex) Acquire(k *Kernel, core int) error {
	cur := k.currentThread(core)
	if m.Owner(k) == 0 {
		k.kwrite32(uint32(m)+_KOBJECTMUTEX_OWNER, uint32(cur))
		return nil
	}
	_, err := k.caller.Call(k.syms.KObjectMutex__WaitAndAcquire, uint32(m))
	return err
}

func (m KObjectMutex) Release(k *Kernel, core int) error {
	k.kwrite32(uint32(m)+_KOBJECTMUTEX_OWNER, 0)
	if m.Contending(k) > 0 {
		_, err := k.caller.Call(k.syms.KObjectMutex__WakeContender, uint32(m))
		return err
	}
	return nil
}

func (l KRecursiveLock) Lock(k *Kernel) error {
	_, err := k.caller.Call(k.syms.KRecursiveLock__Lock, uint32(l))
	return err
}

func (l KRecursiveLock) Unlock(k *Kernel) error {
	_, err := k.caller.Call(k.syms.KRecursiveLock__Unlock, uint32(l))
	return err
}

// ToKProcess resolves a handle to a referenced process, or 0.
func (t KProcessHandleTable) ToKProcess(k *Kernel, handle uint32) (KProcess, error) {
	res, err := k.caller.Call(k.syms.KProcessHandleTable__ToKProcess, uint32(t), handle)
	return KProcess(res), err
}

func (t KProcessHandleTable) ToKAutoObject(k *Kernel, handle uint32) (KAutoObject, error) {
	res, err := k.caller.Call(k.syms.KProcessHandleTable__ToKAutoObject, uint32(t), handle)
	return KAutoObject(res), err
}

func (t KProcessHandleTable) Mutex() KObjectMutex {
	return KObjectMutex(uint32(t) + _KHANDLETABLE_MUTEX)
}

func (t KProcessHandleTable) MaxCount(k *Kernel) int16 {
	return int16(k.kread16(uint32(t) + _KHANDLETABLE_MAX_COUNT))
}

type HandleDescriptor struct {
	Index   uint32
	Info    uint32
	Pointer KAutoObject
}

// Handle rebuilds the user handle value of the slot.
func (d HandleDescriptor) Handle() uint32 {
	return d.Index | ((d.Info << 16) >> 1)
}

// Descriptors lists the occupied slots of the table. The caller holds the
// table mutex.
func (t KProcessHandleTable) Descriptors(k *Kernel) []HandleDescriptor {
	entries := k.kread32(uint32(t) + _KHANDLETABLE_TABLE)
	count := int(t.MaxCount(k))
	res := make([]HandleDescriptor, 0, count)
	for i := 0; i < count; i++ {
		d := entries + uint32(i)*_HANDLE_DESCRIPTOR_SIZE
		ptr := k.kread32(d + _HANDLE_DESCRIPTOR_POINTER)
		if ptr == 0 {
			continue
		}
		res = append(res, HandleDescriptor{
			Index:   uint32(i),
			Info:    k.kread32(d+_HANDLE_DESCRIPTOR_INFO) & 0xFFFF,
			Pointer: KAutoObject(ptr),
		})
	}
	return res
}

// kernelList walks an intrusive KLinkedList and returns the node keys.
func (k *Kernel) kernelList(list uint32) []uint32 {
	sentinel := list + _KLINKEDLIST_SENTINEL
	size := k.kread32(list + _KLINKEDLIST_SIZE)
	res := make([]uint32, 0, size)
	for node := k.kread32(sentinel + _KLINKEDLISTNODE_NEXT); node != sentinel && node != 0; node = k.kread32(node + _KLINKEDLISTNODE_NEXT) {
		res = append(res, k.kread32(node+_KLINKEDLISTNODE_KEY))
		if uint32(len(res)) > size {
			break
		}
	}
	return res
}

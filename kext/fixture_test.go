package kext

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// The fake kernel image is generated from SignatureTable: every signature
// gets a call site inside the block of its anchor, built so that it
// resolves to an address the fixture chose.

const (
	fakeDataBase   = 0xFFF90000
	fakeUserBase   = 0x1FF82000
	fakeBlockSize  = 0x200
	fakeSvcBodyLen = 0x10
	fakeNop        = 0xE320F000

	fakeL1Core0PA = 0x1FFF8000
	fakeL1Core1PA = 0x1FFFC000
	fakeKextPA    = 0x27000000
)

var fakeVersion = SystemVersion(2, 50, 0)

type fakeBlock struct {
	start  uint32
	cursor uint32
	pool   uint32
}

type fakeCall struct {
	name string
	args []uint32
}

type fakeKernel struct {
	t      *testing.T
	mem    *SparseMemory
	cache  *CacheJournal
	calls  *CallTable
	irq    *HostInterrupts
	layout Layout
	k      *Kernel

	text     uint32
	data     uint32
	user     uint32
	blocks   map[string]*fakeBlock
	sites    map[string]uint32
	expected map[string]uint32
	svcs     map[int]uint32
	handlers [8]uint32
	svcTable uint32
	stub     uint32

	mtx        sync.Mutex
	log        []fakeCall
	vtables    map[uint8]uint32
	decref     uint32
	nextHandle uint32
	kalloc     uint32
}

func newFakeKernel(t *testing.T) *fakeKernel {
	t.Helper()
	f := &fakeKernel{
		t:          t,
		mem:        NewSparseMemory(),
		cache:      &CacheJournal{},
		calls:      NewCallTable(),
		irq:        &HostInterrupts{},
		text:       KERNEL_TEXT_START,
		data:       fakeDataBase,
		user:       fakeUserBase,
		blocks:     make(map[string]*fakeBlock),
		sites:      make(map[string]uint32),
		expected:   make(map[string]uint32),
		svcs:       make(map[int]uint32),
		vtables:    make(map[uint8]uint32),
		nextHandle: 1,
		kalloc:     0x20100000,
	}
	layout, err := GetLayout(MODEL_O3DS, fakeVersion)
	if err != nil {
		t.Fatal(err)
	}
	f.layout = layout
	f.must(f.mem.Map(KERNEL_TEXT_START, KERNEL_TEXT_END-KERNEL_TEXT_START))
	f.must(f.mem.Map(VECTORS_BASE, PAGE_SIZE))
	f.must(f.mem.Map(KEXT_VA, 2*PAGE_SIZE))
	f.must(f.mem.Map(KCORE_CONTEXTS_BASE, 4*KCORE_CONTEXT_SIZE))
	for _, pa := range []uint32{fakeL1Core0PA, fakeL1Core1PA} {
		f.must(f.mem.Map(f.layout.KernPA2VA(pa), 4*PAGE_SIZE))
	}

	f.stub = f.newBlock(fakeSvcBodyLen).start
	f.buildImage()
	f.buildVectors()
	f.writeParams()
	f.registerRoutines()
	return f
}

func (f *fakeKernel) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fakeKernel) w32(addr, v uint32) {
	f.t.Helper()
	f.must(Write32(f.mem, addr, v))
}

func (f *fakeKernel) r32(addr uint32) uint32 {
	f.t.Helper()
	v, err := Read32(f.mem, addr)
	f.must(err)
	return v
}

func (f *fakeKernel) newBlock(size uint32) *fakeBlock {
	b := &fakeBlock{start: f.text, cursor: f.text, pool: f.text + size}
	f.text += size
	for i := b.start; i < b.pool; i += 4 {
		f.w32(i, fakeNop)
	}
	return b
}

// alloc hands out zeroed kernel data.
func (f *fakeKernel) alloc(size uint32) uint32 {
	addr := f.data
	f.data += (size + 0xF) &^ 0xF
	f.must(f.mem.Map(addr, size))
	return addr
}

func (f *fakeKernel) allocAligned(size, align uint32) uint32 {
	f.data = (f.data + align - 1) &^ (align - 1)
	return f.alloc(size)
}

func (f *fakeKernel) allocUser(size uint32) uint32 {
	addr := f.user
	f.user += (size + 0xFF) &^ 0xFF
	f.must(f.mem.Map(addr, size))
	return addr
}

func (f *fakeKernel) blockFor(a Anchor) *fakeBlock {
	switch a.Kind {
	case ANCHOR_SYMBOL:
		f.routine(a.Symbol)
		return f.blocks["sym:"+a.Symbol]
	case ANCHOR_SVC:
		key := fmt.Sprintf("svc:%x", a.Index)
		if b, ok := f.blocks[key]; ok {
			return b
		}
		b := f.newBlock(fakeBlockSize)
		f.blocks[key] = b
		f.svcs[a.Index] = b.start
		return b
	case ANCHOR_VECTOR:
		key := fmt.Sprintf("vec:%d", a.Index)
		if b, ok := f.blocks[key]; ok {
			return b
		}
		b := f.newBlock(fakeBlockSize)
		f.blocks[key] = b
		f.handlers[a.Index] = b.start
		return b
	}
	key := "region"
	if b, ok := f.blocks[key]; ok {
		return b
	}
	b := f.newBlock(fakeBlockSize)
	f.blocks[key] = b
	return b
}

// routine returns the address a code symbol resolves to, giving it a block
// of its own on first use.
func (f *fakeKernel) routine(name string) uint32 {
	if addr, ok := f.expected[name]; ok {
		return addr
	}
	b := f.newBlock(fakeBlockSize)
	f.blocks["sym:"+name] = b
	f.expected[name] = b.start
	return b.start
}

// object returns the address a data symbol resolves to.
func (f *fakeKernel) object(name string) uint32 {
	if addr, ok := f.expected[name]; ok {
		return addr
	}
	var addr uint32
	if name == SYM_SVC_TABLE {
		addr = f.allocAligned(SVC_TABLE_SIZE*4, 0x10)
		f.svcTable = addr
	} else {
		addr = f.alloc(0x100)
	}
	f.expected[name] = addr
	return addr
}

func isPCLiteral(word uint32) bool {
	return word&_LDR_PC_LITERAL_MASK == _LDR_PC_LITERAL_MATCH
}

func branchWord(at, target, pattern uint32) uint32 {
	return EncodeBranch(at, target, false)&_BRANCH_OFFSET_MASK | pattern&0xFF000000
}

func (f *fakeKernel) addSite(sig *Signature) {
	b := f.blockFor(sig.Anchor)
	if len(sig.Pattern) == 0 {
		f.expected[sig.Name] = b.start
		f.blocks["sym:"+sig.Name] = b
		return
	}
	key := fmt.Sprintf("%v %x %x", sig.Anchor, sig.Pattern, sig.Mask)
	site, ok := f.sites[key]
	if !ok {
		site = b.cursor
		b.cursor += uint32(len(sig.Pattern)+1) * 4
		if b.cursor > b.pool {
			f.t.Fatalf("block at %#08x is full", b.start)
		}
		f.sites[key] = site
		for j, p := range sig.Pattern {
			m := uint32(EXACT)
			if sig.Mask != nil {
				m = sig.Mask[j]
			}
			at := site + uint32(j)*4
			word := p
			switch {
			case m == BRANCH_WILDCARD:
				word = branchWord(at, f.stub, p)
			case m == LDR_LITERAL_WILDCARD && isPCLiteral(p):
				b.pool -= 4
				f.w32(b.pool, 0)
				word = EncodePCLiteral(at, p, b.pool)
			case m == LDR_LITERAL_WILDCARD:
				word = p | 0xE4
			}
			f.w32(at, word)
		}
	}

	at := uint32(int64(site) + int64(sig.Delta))
	switch sig.Mode {
	case ADDRESS_AT:
		f.expected[sig.Name] = at
		f.blocks["sym:"+sig.Name] = &fakeBlock{start: at, cursor: at, pool: at}
	case BRANCH_AT:
		f.w32(at, branchWord(at, f.routine(sig.Name), f.r32(at)))
	case PC_LITERAL_AT:
		lit, ok := DecodePCLiteral(at, f.r32(at))
		if !ok {
			f.t.Fatalf("%s: no literal load at %#08x", sig.Name, at)
		}
		f.w32(lit, f.object(sig.Name))
	case LITERAL_AT:
		f.w32(at, f.object(sig.Name))
	}
}

func (f *fakeKernel) buildImage() {
	for i := range SignatureTable {
		f.addSite(&SignatureTable[i])
	}
	f.w32(f.svcTable, 0)
	for id := 1; id < NUM_OFFICIAL_SVCS; id++ {
		if _, ok := f.svcs[id]; !ok {
			f.svcs[id] = f.newBlock(fakeSvcBodyLen).start
		}
		f.w32(f.svcTable+uint32(id)*4, f.svcs[id])
	}
}

func (f *fakeKernel) buildVectors() {
	for v := range f.handlers {
		if f.handlers[v] == 0 {
			f.handlers[v] = f.newBlock(fakeSvcBodyLen).start
		}
		slot := VECTORS_BASE + uint32(v)*4
		veneer := VECTORS_BASE + 0x20 + uint32(v)*8
		f.w32(slot, EncodeBranch(slot, veneer, false))
		f.w32(veneer, LDR_PC_PC_MINUS_4)
		f.w32(veneer+4, f.handlers[v])
	}
}

func (f *fakeKernel) writeParams() {
	p := KExtParameters{
		BasePA:        fakeKextPA,
		StolenSize:    SECTION_SIZE,
		KernelVersion: fakeVersion,
	}
	p.L1MMUTableAddrs[0] = fakeL1Core0PA
	p.L1MMUTableAddrs[1] = fakeL1Core1PA
	copy(p.CfwInfo.Magic[:], CFW_MAGIC)
	p.CfwInfo.VersionMajor = 13
	p.CfwInfo.VersionMinor = 1
	p.CfwInfo.VersionBuild = 2
	p.CfwInfo.CommitHash = 0xDEADBEEF
	p.CfwInfo.Flags = CFW_FLAG_RELEASE
	p.CfwInfo.HbldrTitleID = 0x000400000D921E00
	f.must(f.mem.Load(KEXT_PARAMS_ADDR, p.Marshal()))
}

func (f *fakeKernel) record(name string, args ...uint32) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.log = append(f.log, fakeCall{name, append([]uint32(nil), args...)})
}

func (f *fakeKernel) calledWith(name string) [][]uint32 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var res [][]uint32
	for _, c := range f.log {
		if c.name == name {
			res = append(res, c.args)
		}
	}
	return res
}

func (f *fakeKernel) called(name string) int {
	return len(f.calledWith(name))
}

func (f *fakeKernel) resetCalls() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.log = nil
}

func (f *fakeKernel) totalCalls() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.log)
}

func (f *fakeKernel) register(name string, fn Routine) {
	addr := f.expected[name]
	f.calls.Register(addr, func(args ...uint32) uint32 {
		f.record(name, args...)
		return fn(args...)
	})
}

func (f *fakeKernel) registerSVC(id int, fn SvcRoutine) {
	name := fmt.Sprintf("svc%02X", id)
	f.calls.RegisterSVC(f.svcs[id], func(regs *Regs) {
		f.record(name, regs[:]...)
		fn(regs)
	})
}

func (f *fakeKernel) refCount(obj uint32) uint32 {
	return f.r32(obj + _KAUTOOBJECT_REFCOUNT)
}

func (f *fakeKernel) classToken(obj uint32) uint8 {
	vtbl := f.r32(obj + _KAUTOOBJECT_VTABLE)
	for token, addr := range f.vtables {
		if addr == vtbl {
			return token
		}
	}
	return 0
}

// lookupHandle mirrors the kernel handle table: the low 15 bits index the
// table, the rest must match the slot's info.
func (f *fakeKernel) lookupHandle(table, handle uint32) uint32 {
	entries := f.r32(table + _KHANDLETABLE_TABLE)
	max := f.r32(table+_KHANDLETABLE_MAX_COUNT) & 0xFFFF
	idx := handle & 0x7FFF
	if entries == 0 || idx >= max {
		return 0
	}
	d := entries + idx*_HANDLE_DESCRIPTOR_SIZE
	obj := f.r32(d + _HANDLE_DESCRIPTOR_POINTER)
	info := f.r32(d+_HANDLE_DESCRIPTOR_INFO) & 0xFFFF
	if obj == 0 || (HandleDescriptor{Index: idx, Info: info}).Handle() != handle {
		return 0
	}
	return obj
}

func (f *fakeKernel) addRef(obj uint32) {
	f.w32(obj+_KAUTOOBJECT_REFCOUNT, f.refCount(obj)+1)
}

func (f *fakeKernel) registerRoutines() {
	ok := func(args ...uint32) uint32 { return uint32(RESULT_SUCCESS) }

	f.register(SYM_KRECURSIVELOCK_LOCK, ok)
	f.register(SYM_KRECURSIVELOCK_UNLOCK, ok)
	f.register(SYM_KSCHEDULER_ADJUST_THREAD, ok)
	f.register(SYM_KSCHEDULER_TRIGGER_CROSS_CORE_INTERRUPT, func(args ...uint32) uint32 {
		if f.k == nil {
			return 0
		}
		for c := 0; c < f.layout.NumCores(); c++ {
			f.k.AckReschedule(c)
			if s := f.k.currentScheduler(c); s != 0 {
				s.SetTriggerCrossCoreInterrupt(f.k, false)
			}
		}
		return 0
	})
	f.register(SYM_KOBJECTMUTEX_WAIT_AND_ACQUIRE, ok)
	f.register(SYM_KOBJECTMUTEX_WAKE_CONTENDER, ok)
	f.register(SYM_KPROCESSHANDLETABLE_TO_KPROCESS, func(args ...uint32) uint32 {
		obj := f.lookupHandle(args[0], args[1])
		if obj == 0 || f.classToken(obj) != CLASS_TOKEN_KPROCESS {
			return 0
		}
		f.addRef(obj)
		return obj
	})
	f.register(SYM_KPROCESSHANDLETABLE_TO_KAUTOOBJECT, func(args ...uint32) uint32 {
		obj := f.lookupHandle(args[0], args[1])
		if obj != 0 {
			f.addRef(obj)
		}
		return obj
	})
	f.register(SYM_KAUTOOBJECT_ADD_REFERENCE, func(args ...uint32) uint32 {
		f.addRef(args[0])
		return 0
	})
	f.register(SYM_KPROCESSHANDLETABLE_CREATE_HANDLE, func(args ...uint32) uint32 {
		h := f.insertHandle(args[0], args[2])
		f.w32(args[1], h)
		return uint32(RESULT_SUCCESS)
	})
	f.register(SYM_KEVENT_SIGNAL, ok)
	f.register(SYM_KALLOC, func(args ...uint32) uint32 {
		pa := f.kalloc
		f.kalloc += args[0] << PAGE_SIZE_SHIFT
		va := f.layout.KernPA2VA(pa)
		f.must(f.mem.Map(va, args[0]<<PAGE_SIZE_SHIFT))
		f.must(Write32(f.mem, va, 0xA5A5A5A5))
		return va
	})
	f.register(SYM_KFREE, ok)
	f.register(SYM_KPROCESSHWINFO_ALLOCATE_PROCESS_MEMORY, ok)
	f.register(SYM_KPROCESSHWINFO_FREE_PROCESS_MEMORY, ok)
	f.register(SYM_KPROCESSHWINFO_CHANGE_PERMISSIONS, ok)
	f.register(SYM_KPROCESSHWINFO_MAP_PROCESS_MEMORY, ok)
	f.register(SYM_KPROCESSHWINFO_UNMAP_PROCESS_MEMORY, ok)
	f.register(SYM_KINTERRUPTMANAGER_MAP_INTERRUPT, ok)
	f.register(SYM_KINTERRUPTMANAGER_UNMAP_INTERRUPT, ok)

	f.decref = f.newBlock(fakeSvcBodyLen).start
	f.calls.Register(f.decref, func(args ...uint32) uint32 {
		f.record("DecrementReferenceCount", args...)
		f.w32(args[0]+_KAUTOOBJECT_REFCOUNT, f.refCount(args[0])-1)
		return 0
	})

	f.registerSVC(SVC_CREATE_EVENT, func(regs *Regs) {
		proc := f.r32(coreContextAddr(0) + _KCORE_CURRENT_PROCESS)
		ev := f.newObject(CLASS_TOKEN_KEVENT, 0x40)
		regs[0] = uint32(RESULT_SUCCESS)
		regs[1] = f.insertHandle(proc+f.layout.ProcessHandleTable, ev)
		f.w32(ev+_KAUTOOBJECT_REFCOUNT, 1)
	})
	for _, id := range []int{SVC_CONTROL_MEMORY, SVC_EXIT_PROCESS, SVC_GET_SYSTEM_INFO,
		SVC_GET_PROCESS_INFO, SVC_GET_THREAD_INFO, SVC_BREAK, SVC_KERNEL_SET_STATE} {
		f.registerSVC(id, func(regs *Regs) { regs[0] = uint32(RESULT_SUCCESS) })
	}
}

const (
	CLASS_TOKEN_KEVENT         = 0x1F
	CLASS_TOKEN_KCODESET       = 0x68
	CLASS_TOKEN_KTHREAD        = 0x8D
	CLASS_TOKEN_KCLIENTSESSION = 0xA5
	CLASS_TOKEN_KPROCESS       = 0xC5
)

// vtable returns the vtable shared by objects of one class.
func (f *fakeKernel) vtable(token uint8) uint32 {
	if v, ok := f.vtables[token]; ok {
		return v
	}
	v := f.alloc(0x20)
	fn := f.newBlock(fakeSvcBodyLen).start
	f.calls.Register(fn, func(args ...uint32) uint32 { return uint32(token) })
	f.w32(v+_VTABLE_DECREF_SLOT, f.decref)
	f.w32(v+_VTABLE_GET_CLASS_TOKEN_SLOT, fn)
	f.vtables[token] = v
	return v
}

func (f *fakeKernel) newObject(token uint8, size uint32) uint32 {
	obj := f.alloc(size)
	f.w32(obj+_KAUTOOBJECT_VTABLE, f.vtable(token))
	f.w32(obj+_KAUTOOBJECT_REFCOUNT, 1)
	return obj
}

func (f *fakeKernel) insertHandle(table, obj uint32) uint32 {
	entries := f.r32(table + _KHANDLETABLE_TABLE)
	max := f.r32(table+_KHANDLETABLE_MAX_COUNT) & 0xFFFF
	for i := uint32(0); i < max; i++ {
		d := entries + i*_HANDLE_DESCRIPTOR_SIZE
		if f.r32(d+_HANDLE_DESCRIPTOR_POINTER) != 0 {
			continue
		}
		f.nextHandle++
		info := f.nextHandle & 0x7FFF
		f.w32(d+_HANDLE_DESCRIPTOR_INFO, info)
		f.w32(d+_HANDLE_DESCRIPTOR_POINTER, obj)
		f.addRef(obj)
		return HandleDescriptor{Index: i, Info: info}.Handle()
	}
	f.t.Fatalf("handle table %#08x is full", table)
	return 0
}

type fakeProcess struct {
	proc KProcess
	l1   uint32
}

func (f *fakeKernel) newProcess(pid uint32, name string, titleID uint64) fakeProcess {
	proc := f.newObject(CLASS_TOKEN_KPROCESS, 0x100)
	cs := f.newObject(CLASS_TOKEN_KCODESET, 0x80)
	var raw [8]byte
	copy(raw[:], name)
	_, err := f.mem.WriteAt(raw[:], cs+_KCODESET_NAME)
	f.must(err)
	f.w32(cs+_KCODESET_TITLE_ID, uint32(titleID))
	f.w32(cs+_KCODESET_TITLE_ID+4, uint32(titleID>>32))
	f.w32(proc+f.layout.ProcessCodeSet, cs)
	f.w32(proc+f.layout.ProcessID, pid)

	table := proc + f.layout.ProcessHandleTable
	f.w32(table+_KHANDLETABLE_TABLE, f.alloc(32*_HANDLE_DESCRIPTOR_SIZE))
	f.must(Write16(f.mem, table+_KHANDLETABLE_MAX_COUNT, 32))

	l1 := f.allocAligned(L1_ENTRIES*4, 0x4000)
	f.w32(proc+f.layout.ProcessHwInfo+f.layout.HwInfoTranslationTableBase, l1)
	return fakeProcess{proc: KProcess(proc), l1: l1}
}

// mapSmallPages maps va to pa through a fresh coarse table.
func (f *fakeKernel) mapSmallPages(p fakeProcess, va, pa uint32, n int, attrs PageAttrs) {
	idx := va >> 20
	d := L1Descriptor(f.r32(p.l1 + idx*4))
	var l2 uint32
	if d.Type() == DESC_COARSE_PAGE_TABLE {
		l2 = f.layout.KernPA2VA(d.CoarseBase())
	} else {
		l2 = f.allocAligned(L2_ENTRIES*4, 0x400)
		f.w32(p.l1+idx*4, uint32(MakeCoarse(f.layout.KernVA2PA(l2), 0)))
	}
	for i := 0; i < n; i++ {
		e := ((va >> 12) & 0xFF) + uint32(i)
		f.w32(l2+e*4, uint32(MakeSmallPage(pa+uint32(i)*PAGE_SIZE, attrs)))
	}
}

func (f *fakeKernel) mapSection(p fakeProcess, va, pa uint32, attrs PageAttrs) {
	f.w32(p.l1+(va>>20)*4, uint32(MakeSection(pa, attrs)))
}

func (f *fakeKernel) newThread(owner KProcess, core int32) KThread {
	t := f.newObject(CLASS_TOKEN_KTHREAD, 0xB0)
	f.w32(t+_KTHREAD_CORE_ID, uint32(core))
	f.w32(t+_KTHREAD_TLS, f.allocUser(0x200))
	f.w32(t+_KTHREAD_OWNER_PROCESS, uint32(owner))
	f.linkThread(t)
	return KThread(t)
}

// linkThread appends t to the kernel thread list.
func (f *fakeKernel) linkThread(t uint32) {
	list := f.expected[SYM_THREAD_LIST]
	sentinel := list + _KLINKEDLIST_SENTINEL
	if f.r32(sentinel+_KLINKEDLISTNODE_NEXT) == 0 {
		f.w32(sentinel+_KLINKEDLISTNODE_NEXT, sentinel)
		f.w32(sentinel+_KLINKEDLISTNODE_PREV, sentinel)
	}
	node := f.alloc(0x10)
	last := f.r32(sentinel + _KLINKEDLISTNODE_PREV)
	f.w32(node+_KLINKEDLISTNODE_NEXT, sentinel)
	f.w32(node+_KLINKEDLISTNODE_PREV, last)
	f.w32(node+_KLINKEDLISTNODE_KEY, t)
	f.w32(last+_KLINKEDLISTNODE_NEXT, node)
	f.w32(sentinel+_KLINKEDLISTNODE_PREV, node)
	f.w32(list+_KLINKEDLIST_SIZE, f.r32(list+_KLINKEDLIST_SIZE)+1)
}

func (f *fakeKernel) newScheduler(core int) KScheduler {
	s := f.alloc(0x40)
	f.w32(s+_KSCHEDULER_CORE_ID, uint32(core))
	return KScheduler(s)
}

func (f *fakeKernel) setCurrent(core int, t KThread, p KProcess, s KScheduler) {
	ctx := coreContextAddr(core)
	f.w32(ctx+_KCORE_CURRENT_THREAD, uint32(t))
	f.w32(ctx+_KCORE_CURRENT_PROCESS, uint32(p))
	f.w32(ctx+_KCORE_CURRENT_SCHEDULER, uint32(s))
}

func (f *fakeKernel) config() Config {
	return Config{Mem: f.mem, Cache: f.cache, Caller: f.calls, Interrupts: f.irq}
}

// bootedKernel is a booted kernel with one process running one thread per
// core.
type bootedKernel struct {
	*fakeKernel
	proc    fakeProcess
	threads []KThread
	scheds  []KScheduler
}

func newBootedKernel(t *testing.T) *bootedKernel {
	t.Helper()
	f := newFakeKernel(t)
	b := &bootedKernel{fakeKernel: f, proc: f.newProcess(0x28, "game", 0x0004000000055D00)}
	for c := 0; c < f.layout.NumCores(); c++ {
		th := f.newThread(b.proc.proc, int32(c))
		s := f.newScheduler(c)
		f.setCurrent(c, th, b.proc.proc, s)
		b.threads = append(b.threads, th)
		b.scheds = append(b.scheds, s)
	}
	f.k = NewKernel(f.config())
	if err := f.k.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.resetCalls()
	f.cache.Reset()
	return b
}

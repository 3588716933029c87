package kext

import "sync"

// Cache is the CP15 maintenance surface. Every code or page-table patch is
// followed by clean, invalidate, DSB, ISB in that order.
type Cache interface {
	CleanDataCacheRange(addr, size uint32)
	CleanInvalidateEntireDataCache()
	InvalidateInstructionCacheRange(addr, size uint32)
	InvalidateEntireInstructionCache()
	InvalidateEntireTLB()
	DataSyncBarrier()
	InstructionSyncBarrier()
}

type CacheOpKind int

const (
	CACHE_CLEAN_DCACHE_RANGE CacheOpKind = iota
	CACHE_CLEAN_INVALIDATE_DCACHE
	CACHE_INVALIDATE_ICACHE_RANGE
	CACHE_INVALIDATE_ICACHE
	CACHE_INVALIDATE_TLB
	CACHE_DSB
	CACHE_ISB
)

func (k CacheOpKind) String() string {
	switch k {
	case CACHE_CLEAN_DCACHE_RANGE:
		return "clean-dcache-range"
	case CACHE_CLEAN_INVALIDATE_DCACHE:
		return "clean-invalidate-dcache"
	case CACHE_INVALIDATE_ICACHE_RANGE:
		return "invalidate-icache-range"
	case CACHE_INVALIDATE_ICACHE:
		return "invalidate-icache"
	case CACHE_INVALIDATE_TLB:
		return "invalidate-tlb"
	case CACHE_DSB:
		return "dsb"
	case CACHE_ISB:
		return "isb"
	}
	return "unknown"
}

type CacheOp struct {
	Kind CacheOpKind
	Addr uint32
	Size uint32
}

// CacheJournal records maintenance operations instead of performing them.
type CacheJournal struct {
	mtx sync.Mutex
	ops []CacheOp
}

func (j *CacheJournal) add(op CacheOp) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.ops = append(j.ops, op)
}

func (j *CacheJournal) Ops() []CacheOp {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	return append([]CacheOp(nil), j.ops...)
}

func (j *CacheJournal) Reset() {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.ops = nil
}

func (j *CacheJournal) CleanDataCacheRange(addr, size uint32) {
	j.add(CacheOp{CACHE_CLEAN_DCACHE_RANGE, addr, size})
}

func (j *CacheJournal) CleanInvalidateEntireDataCache() {
	j.add(CacheOp{Kind: CACHE_CLEAN_INVALIDATE_DCACHE})
}

func (j *CacheJournal) InvalidateInstructionCacheRange(addr, size uint32) {
	j.add(CacheOp{CACHE_INVALIDATE_ICACHE_RANGE, addr, size})
}

func (j *CacheJournal) InvalidateEntireInstructionCache() {
	j.add(CacheOp{Kind: CACHE_INVALIDATE_ICACHE})
}

func (j *CacheJournal) InvalidateEntireTLB() {
	j.add(CacheOp{Kind: CACHE_INVALIDATE_TLB})
}

func (j *CacheJournal) DataSyncBarrier() {
	j.add(CacheOp{Kind: CACHE_DSB})
}

func (j *CacheJournal) InstructionSyncBarrier() {
	j.add(CacheOp{Kind: CACHE_ISB})
}

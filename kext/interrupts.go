package kext

import "sync"

// IRQState is the CPSR interrupt mask captured by Disable.
type IRQState uint32

// Interrupts masks IRQs on one core.
type Interrupts interface {
	Disable(core int) IRQState
	Restore(core int, state IRQState)
}

const _CPSR_IRQ_DISABLED = 0x80

// HostInterrupts keeps one mask per core and counts how often each core
// masked its IRQs.
type HostInterrupts struct {
	mtx      sync.Mutex
	masked   [4]bool
	disables [4]int
}

func (h *HostInterrupts) Disable(core int) IRQState {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	var st IRQState
	if h.masked[core] {
		st = _CPSR_IRQ_DISABLED
	}
	h.masked[core] = true
	h.disables[core]++
	return st
}

func (h *HostInterrupts) Restore(core int, state IRQState) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.masked[core] = state&_CPSR_IRQ_DISABLED != 0
}

func (h *HostInterrupts) Masked(core int) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.masked[core]
}

func (h *HostInterrupts) Disables(core int) int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.disables[core]
}

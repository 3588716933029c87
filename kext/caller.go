package kext

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoRoutine = errors.New("no routine at address")

// Regs is the r0-r7 register frame of a supervisor call. Inputs and
// outputs share the frame, r0 carries the result code.
type Regs [8]uint32

// Caller runs code that lives in the kernel image at a resolved address.
type Caller interface {
	// Call runs an AAPCS routine and returns r0.
	Call(addr uint32, args ...uint32) (uint32, error)
	// CallSVC runs a supervisor call body against a full register frame.
	CallSVC(addr uint32, regs *Regs) error
}

type Routine func(args ...uint32) uint32
type SvcRoutine func(regs *Regs)

// CallTable is a Caller backed by Go functions registered per address.
type CallTable struct {
	mtx      sync.RWMutex
	routines map[uint32]Routine
	svcs     map[uint32]SvcRoutine
}

func NewCallTable() *CallTable {
	return &CallTable{
		routines: make(map[uint32]Routine),
		svcs:     make(map[uint32]SvcRoutine),
	}
}

func (t *CallTable) Register(addr uint32, fn Routine) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.routines[addr] = fn
}

func (t *CallTable) RegisterSVC(addr uint32, fn SvcRoutine) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.svcs[addr] = fn
}

func (t *CallTable) Call(addr uint32, args ...uint32) (uint32, error) {
	t.mtx.RLock()
	fn, ok := t.routines[addr]
	t.mtx.RUnlock()
	if !ok {
		return 0, fmt.Errorf("call %#08x: %w", addr, ErrNoRoutine)
	}
	return fn(args...), nil
}

func (t *CallTable) CallSVC(addr uint32, regs *Regs) error {
	t.mtx.RLock()
	fn, ok := t.svcs[addr]
	t.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("svc body %#08x: %w", addr, ErrNoRoutine)
	}
	fn(regs)
	return nil
}

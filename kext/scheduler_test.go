package kext

import (
	"errors"
	"testing"
)

func TestRescheduleThread(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	th := b.threads[1]

	if err := k.LockThread(0, th); err != nil {
		t.Fatal(err)
	}
	if !k.IsThreadLocked(th) {
		t.Fatal("thread not locked")
	}
	adjust := b.calledWith(SYM_KSCHEDULER_ADJUST_THREAD)
	if len(adjust) != 1 {
		t.Fatalf("AdjustThread called %d times", len(adjust))
	}
	if want := []uint32{uint32(b.scheds[0]), uint32(th), 0}; adjust[0][0] != want[0] || adjust[0][1] != want[1] || adjust[0][2] != want[2] {
		t.Errorf("AdjustThread args = %#x, want %#x", adjust[0], want)
	}
	csl := b.expected[SYM_CRITICAL_SECTION_LOCK]
	for _, name := range []string{SYM_KRECURSIVELOCK_LOCK, SYM_KRECURSIVELOCK_UNLOCK} {
		calls := b.calledWith(name)
		if len(calls) != 1 || calls[0][0] != csl {
			t.Errorf("%s calls = %#x", name, calls)
		}
	}

	// Locking a locked thread still goes through the scheduler.
	if err := k.LockThread(0, th); err != nil {
		t.Fatal(err)
	}
	adjust = b.calledWith(SYM_KSCHEDULER_ADJUST_THREAD)
	if len(adjust) != 2 || adjust[1][2] != SCHEDULING_MASK_LOCKED {
		t.Errorf("AdjustThread calls after a repeated lock = %#x", adjust)
	}
	if !k.IsThreadLocked(th) {
		t.Error("repeated lock released the thread")
	}

	if err := k.UnlockThread(0, th); err != nil {
		t.Fatal(err)
	}
	if k.IsThreadLocked(th) {
		t.Error("thread still locked")
	}
	adjust = b.calledWith(SYM_KSCHEDULER_ADJUST_THREAD)
	if len(adjust) != 3 || adjust[2][2] != SCHEDULING_MASK_LOCKED {
		t.Errorf("AdjustThread calls = %#x", adjust)
	}
}

func TestRescheduleThreadKeepsState(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	th := b.threads[0]
	th.SetSchedulingMask(k, SCHEDULING_MASK_CRITICAL|0x2)
	if err := k.LockThread(1, th); err != nil {
		t.Fatal(err)
	}
	if got := th.SchedulingMask(k); got != SCHEDULING_MASK_CRITICAL|SCHEDULING_MASK_LOCKED|0x2 {
		t.Errorf("mask = %#x", got)
	}
	if err := k.UnlockThread(1, th); err != nil {
		t.Fatal(err)
	}
	if got := th.SchedulingMask(k); got != SCHEDULING_MASK_CRITICAL|0x2 {
		t.Errorf("mask = %#x", got)
	}
}

func TestLockThreadSkipsMutexOwner(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	th := b.threads[1]
	b.w32(b.expected[SYM_SYNCHRONIZATION_MUTEX]+_KOBJECTMUTEX_OWNER, uint32(th))

	if err := k.LockThread(0, th); err != nil {
		t.Fatal(err)
	}
	if k.IsThreadLocked(th) {
		t.Error("synchronization mutex owner was locked")
	}
	if n := b.totalCalls(); n != 0 {
		t.Errorf("%d kernel calls for a skipped thread", n)
	}
}

func TestPauseOtherProcesses(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	other := b.newProcess(0x30, "fs", 0x0004013000001102)
	victims := []KThread{
		b.newThread(other.proc, 0),
		b.newThread(other.proc, 1),
		// No fixed core.
		b.newThread(other.proc, -2),
	}

	if err := k.PauseOtherProcesses(0, true); err != nil {
		t.Fatal(err)
	}
	for _, th := range victims {
		if !k.IsThreadLocked(th) {
			t.Errorf("thread %s of another process not paused", th)
		}
	}
	for _, th := range b.threads {
		if k.IsThreadLocked(th) {
			t.Errorf("thread %s of the caller paused", th)
		}
	}
	if n := b.called(SYM_KSCHEDULER_ADJUST_THREAD); n != len(victims) {
		t.Errorf("AdjustThread called %d times, want %d", n, len(victims))
	}
	if b.called(SYM_KSCHEDULER_TRIGGER_CROSS_CORE_INTERRUPT) == 0 {
		t.Error("no cross core interrupt sent")
	}
	for c := range b.scheds {
		if k.Inbox(c).Pending() {
			t.Errorf("core %d has an unacknowledged request", c)
		}
		if b.scheds[c].TriggerCrossCoreInterrupt(k) {
			t.Errorf("scheduler flag of core %d left set", c)
		}
	}
	if b.irq.Disables(0) == 0 {
		t.Error("flags raised with IRQs enabled")
	}
	if b.irq.Masked(0) {
		t.Error("IRQs left masked")
	}
	list := KObjectMutex(b.expected[SYM_THREAD_LIST] + _KOBJECTLIST_MUTEX)
	if owner := list.Owner(k); owner != 0 {
		t.Errorf("thread list mutex still held by %s", owner)
	}

	if err := k.PauseOtherProcesses(0, false); err != nil {
		t.Fatal(err)
	}
	for _, th := range victims {
		if k.IsThreadLocked(th) {
			t.Errorf("thread %s still paused", th)
		}
	}
}

func TestLockThreadsDefersCaller(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	if err := k.LockThreads(0, func(KThread) bool { return true }); err != nil {
		t.Fatal(err)
	}
	for _, th := range b.threads {
		if !k.IsThreadLocked(th) {
			t.Errorf("thread %s not locked", th)
		}
	}
	adjust := b.calledWith(SYM_KSCHEDULER_ADJUST_THREAD)
	if len(adjust) != len(b.threads) {
		t.Fatalf("AdjustThread called %d times", len(adjust))
	}
	if last := adjust[len(adjust)-1]; KThread(last[1]) != b.threads[0] {
		t.Errorf("calling thread locked before %s", KThread(last[1]))
	}
	if err := k.LockThreads(2, func(KThread) bool { return true }); !errors.Is(err, ErrBadCore) {
		t.Errorf("LockThreads on core 2 error = %v", err)
	}
}

func TestSignalRescheduleTimeout(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	b.register(SYM_KSCHEDULER_TRIGGER_CROSS_CORE_INTERRUPT, func(args ...uint32) uint32 { return 0 })

	err := k.signalReschedule(0, CoreMask(0b10), true)
	if !errors.Is(err, ErrIPITimeout) {
		t.Fatalf("signalReschedule error = %v, want ErrIPITimeout", err)
	}
	if !k.Inbox(1).Pending() || k.Inbox(0).Pending() {
		t.Error("request posted to the wrong inbox")
	}
	if !b.scheds[1].TriggerCrossCoreInterrupt(k) {
		t.Error("target scheduler flag not raised")
	}
	if !k.AckReschedule(1) {
		t.Error("AckReschedule found nothing pending")
	}
	if k.AckReschedule(1) || k.AckReschedule(5) {
		t.Error("AckReschedule acknowledged twice")
	}
	if err = k.signalReschedule(0, 0, true); err != nil {
		t.Errorf("empty target set: %v", err)
	}
}

func TestSignalRescheduleWritesSGIR(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	b.must(b.mem.Map(GIC_SGIR_VA, 4))
	k.syms.KScheduler__TriggerCrossCoreInterrupt = 0

	if err := k.signalReschedule(1, CoreMask(0b01), false); err != nil {
		t.Fatal(err)
	}
	if got := b.r32(GIC_SGIR_VA); got != 0x01000008 {
		t.Errorf("SGIR = %#08x, want 0x01000008", got)
	}
	ops := b.cache.Ops()
	if len(ops) == 0 || ops[len(ops)-1].Kind != CACHE_DSB {
		t.Errorf("SGIR write not followed by a barrier: %v", ops)
	}
}

func TestCoreMask(t *testing.T) {
	m := allCores(4)
	if m != 0b1111 || m.Count() != 4 {
		t.Errorf("allCores(4) = %v", m)
	}
	m = CoreMask(0b0101)
	if !m.Has(0) || m.Has(1) || !m.Has(2) {
		t.Errorf("Has on %v", m)
	}
	if m.String() != "0101" {
		t.Errorf("String = %q", m.String())
	}
}

func TestLockThreadsIndependently(t *testing.T) {
	b := newBootedKernel(t)
	k := b.k
	a, other := b.threads[0], b.threads[1]

	if err := k.LockThread(0, a); err != nil {
		t.Fatal(err)
	}
	if err := k.LockThread(1, other); err != nil {
		t.Fatal(err)
	}
	if err := k.UnlockThread(1, a); err != nil {
		t.Fatal(err)
	}
	if k.IsThreadLocked(a) || !k.IsThreadLocked(other) {
		t.Errorf("locked: a %v, b %v", k.IsThreadLocked(a), k.IsThreadLocked(other))
	}
}

package kext

import (
	"github.com/apex/log"
)

// Bits of KThread.schedulingMask.
const (
	SCHEDULING_MASK_STATE       = 0x0F
	SCHEDULING_MASK_LOCKED      = 0x40
	SCHEDULING_MASK_CRITICAL    = 0x80
	SCHEDULING_MASK_TERMINATING = 0x04
)

// ThreadPredicate selects the threads a batch operation applies to.
type ThreadPredicate func(t KThread) bool

// RescheduleThread sets or clears the external lock bit of a thread and
// lets the scheduler of core requeue it. The mask only changes under the
// kernel's critical section lock, and the scheduler is told even when the
// bit was already in the requested state.
func (k *Kernel) RescheduleThread(core int, t KThread, lock bool) error {
	csl := k.syms.CriticalSectionLock
	if err := csl.Lock(k); err != nil {
		return err
	}
	old := t.SchedulingMask(k)
	mask := old
	if lock {
		mask |= SCHEDULING_MASK_LOCKED
	} else {
		mask &^= SCHEDULING_MASK_LOCKED
	}
	t.SetSchedulingMask(k, mask)
	_, err := k.caller.Call(k.syms.KScheduler__AdjustThread,
		uint32(k.currentScheduler(core)), uint32(t), uint32(old))
	if uerr := csl.Unlock(k); err == nil {
		err = uerr
	}
	return err
}

// LockThread pauses t unless t owns the synchronization mutex, in which
// case pausing it would deadlock every waiter.
func (k *Kernel) LockThread(core int, t KThread) error {
	if k.syms.SynchronizationMutex.Owner(k) == t {
		log.WithField("thread", t.String()).Debug("not locking synchronization mutex owner")
		return nil
	}
	return k.RescheduleThread(core, t, true)
}

func (k *Kernel) UnlockThread(core int, t KThread) error {
	return k.RescheduleThread(core, t, false)
}

func (k *Kernel) IsThreadLocked(t KThread) bool {
	return t.SchedulingMask(k)&SCHEDULING_MASK_LOCKED != 0
}

func (k *Kernel) LockThreads(core int, pred ThreadPredicate) error {
	return k.scheduleThreads(core, true, pred)
}

func (k *Kernel) UnlockThreads(core int, pred ThreadPredicate) error {
	return k.scheduleThreads(core, false, pred)
}

// scheduleThreads applies the lock change to every thread of the kernel
// thread list matching pred. The calling thread cannot pause itself while
// holding the list, so it is handled after the list is released and then
// announced to the schedulers like any remote change.
func (k *Kernel) scheduleThreads(core int, lock bool, pred ThreadPredicate) error {
	if err := k.checkCore(core); err != nil {
		return err
	}
	cur := k.currentThread(core)
	mtx := KObjectMutex(k.syms.ThreadList + _KOBJECTLIST_MUTEX)
	if err := mtx.Acquire(k, core); err != nil {
		return err
	}

	var targets CoreMask
	deferred := false
	var err error
	for _, key := range k.kernelList(k.syms.ThreadList) {
		t := KThread(key)
		if !pred(t) {
			continue
		}
		if t == cur {
			deferred = true
			continue
		}
		if lock {
			err = k.LockThread(core, t)
		} else {
			err = k.UnlockThread(core, t)
		}
		if err != nil {
			break
		}
		targets |= k.threadCores(t)
	}
	if rerr := mtx.Release(k, core); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}

	if deferred {
		if lock {
			err = k.LockThread(core, cur)
		} else {
			err = k.UnlockThread(core, cur)
		}
		if err != nil {
			return err
		}
		targets |= CoreMask(1) << core
	}
	if targets == 0 {
		return nil
	}
	return k.signalReschedule(core, targets, false)
}

// threadCores is the set of cores whose scheduler may hold t.
func (k *Kernel) threadCores(t KThread) CoreMask {
	id := t.CoreID(k)
	if id < 0 || int(id) >= k.layout.NumCores() {
		return allCores(k.layout.NumCores())
	}
	return CoreMask(1) << id
}

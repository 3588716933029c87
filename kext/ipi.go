package kext

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"

	"github.com/apex/log"
)

const (
	// Software generated interrupt register of the MPCore GIC distributor.
	GIC_SGIR_PA = 0x17E01F00
	GIC_SGIR_VA = 0xFFFEEF00

	_SGIR_FILTER_SHIFT = 24
	SGIR_FILTER_LIST   = 0
	SGIR_FILTER_OTHERS = 1
	SGIR_FILTER_SELF   = 2

	// Interrupt the schedulers use to reach each other.
	SGI_RESCHEDULE = 8

	_IPI_WAIT_SPINS = 1 << 16
)

var ErrIPITimeout = errors.New("cores did not acknowledge the reschedule request")

type CoreMask uint8

func allCores(n int) CoreMask {
	return CoreMask(1)<<n - 1
}

func (m CoreMask) Has(core int) bool {
	return m&(CoreMask(1)<<core) != 0
}

func (m CoreMask) Count() int {
	return bits.OnesCount8(uint8(m))
}

func (m CoreMask) String() string {
	return fmt.Sprintf("%04b", uint8(m))
}

// CoreInbox holds the reschedule requests posted to one core. A core
// drains its inbox from its interrupt handler.
type CoreInbox struct {
	posted atomic.Uint64
	acked  atomic.Uint64
}

func (in *CoreInbox) post() uint64 {
	return in.posted.Add(1)
}

func (in *CoreInbox) Pending() bool {
	return in.acked.Load() < in.posted.Load()
}

// signalReschedule asks the schedulers of targets to re-evaluate their
// queues. The flags are raised with IRQs masked so the interrupt that
// follows always finds them set.
func (k *Kernel) signalReschedule(core int, targets CoreMask, wait bool) error {
	if err := k.checkCore(core); err != nil {
		return err
	}
	targets &= allCores(k.layout.NumCores())
	local := k.currentScheduler(core)
	seqs := make([]uint64, k.layout.NumCores())

	state := k.irq.Disable(core)
	for c := 0; c < k.layout.NumCores(); c++ {
		if !targets.Has(c) {
			continue
		}
		seqs[c] = k.inboxes[c].post()
		if s := k.currentScheduler(c); s != 0 {
			s.SetTriggerCrossCoreInterrupt(k, true)
		}
	}
	if local != 0 {
		local.SetTriggerCrossCoreInterrupt(k, true)
	}
	k.irq.Restore(core, state)

	if err := k.sendRescheduleInterrupt(local); err != nil {
		return err
	}
	log.WithFields(log.Fields{"core": core, "targets": targets.String()}).Debug("reschedule signalled")
	if !wait {
		return nil
	}
	return k.waitReschedule(targets, seqs)
}

// sendRescheduleInterrupt uses the kernel's own routine, or writes the
// SGI to every other core when the routine could not be found.
func (k *Kernel) sendRescheduleInterrupt(local KScheduler) error {
	if k.syms.KScheduler__TriggerCrossCoreInterrupt != 0 {
		_, err := k.caller.Call(k.syms.KScheduler__TriggerCrossCoreInterrupt, uint32(local))
		return err
	}
	val := uint32(SGIR_FILTER_OTHERS)<<_SGIR_FILTER_SHIFT | SGI_RESCHEDULE
	if err := Write32(k.mem, GIC_SGIR_VA, val); err != nil {
		return err
	}
	k.cache.DataSyncBarrier()
	return nil
}

func (k *Kernel) waitReschedule(targets CoreMask, seqs []uint64) error {
	for spin := 0; spin < _IPI_WAIT_SPINS; spin++ {
		done := true
		for c := range seqs {
			if targets.Has(c) && k.inboxes[c].acked.Load() < seqs[c] {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		runtime.Gosched()
	}
	return fmt.Errorf("targets %v: %w", targets, ErrIPITimeout)
}

// AckReschedule drains the inbox of core. It runs from the reschedule
// interrupt handler of that core and reports whether a request was
// pending.
func (k *Kernel) AckReschedule(core int) bool {
	if core < 0 || core >= len(k.inboxes) {
		return false
	}
	in := &k.inboxes[core]
	posted := in.posted.Load()
	if in.acked.Load() >= posted {
		return false
	}
	in.acked.Store(posted)
	return true
}

func (k *Kernel) Inbox(core int) *CoreInbox {
	return &k.inboxes[core]
}

// bindSchedulerInterrupt routes the reschedule SGI of every core to the
// extension's handler, which acknowledges the inbox before the scheduler
// runs. The cores bound so far are remembered for rollback.
func (k *Kernel) bindSchedulerInterrupt() error {
	var errs []error
	for c := 0; c < k.layout.NumCores(); c++ {
		res, err := k.caller.Call(k.syms.KInterruptManager__MapInterrupt,
			k.syms.InterruptManager, KEXT_SGI_HANDLER, SGI_RESCHEDULE, uint32(c), 0)
		if err == nil {
			err = Result(res).Err()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("core %d: %w", c, err))
			continue
		}
		k.sgiBound |= CoreMask(1) << c
	}
	return errors.Join(errs...)
}

func (k *Kernel) unbindSchedulerInterrupt() {
	for c := 0; k.sgiBound != 0; c++ {
		if !k.sgiBound.Has(c) {
			continue
		}
		res, err := k.caller.Call(k.syms.KInterruptManager__UnmapInterrupt,
			k.syms.InterruptManager, SGI_RESCHEDULE, uint32(c))
		if err == nil {
			err = Result(res).Err()
		}
		if err != nil {
			log.WithError(err).WithField("core", c).Error("unable to unbind reschedule interrupt")
		}
		k.sgiBound &^= CoreMask(1) << c
	}
}

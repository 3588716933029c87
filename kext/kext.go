package kext

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
)

const (
	// Virtual base the extension maps its own physical pages at.
	KEXT_VA = 0x40000000

	// Entry points of the extension's handlers inside its own image. The
	// hardware glue lands here and forwards to HandleException, Dispatch
	// and OnMapSection.
	KEXT_VECTOR_HANDLERS = KEXT_VA + 0x100
	KEXT_MAP_L1_HOOK     = KEXT_VA + 0x200
	KEXT_MAP_L2_HOOK     = KEXT_VA + 0x210
	KEXT_SGI_HANDLER     = KEXT_VA + 0x220

	_BOOT_POLL_INTERVAL = time.Millisecond
)

var (
	ErrNotBooted     = errors.New("kernel extension is not booted")
	ErrAlreadyBooted = errors.New("kernel extension is already booted")
	ErrBadCore       = errors.New("core id out of range")
)

type Config struct {
	Mem        Memory
	Cache      Cache
	Caller     Caller
	Interrupts Interrupts

	// Defaults: KEXT_PARAMS_ADDR, the kernel text, VECTORS_BASE.
	ParamsAddr uint32
	Text       Region
	Vectors    uint32
	// Uncached alias of the vector page. Handler swaps are written through
	// it when set.
	VectorsAlias uint32

	// Told about every process exit when set.
	Plugins *PluginLoaderContext
}

// Kernel is the resolved kernel ABI: everything the hooks need, built
// once by Boot.
type Kernel struct {
	mem    Memory
	cache  Cache
	caller Caller
	irq    Interrupts
	cfg    Config

	params  *KExtParameters
	layout  *Layout
	syms    *Symbols
	patcher *Patcher

	originalHandlers [8]uint32
	officialSVCs     [NUM_OFFICIAL_SVCS]uint32
	svcs             [SVC_TABLE_SIZE]SvcEntry

	inboxes  []CoreInbox
	sgiBound CoreMask
	events   eventRegistry
	sessions sessionTracker

	bootMtx  sync.Mutex
	booted   atomic.Bool
	bootDone chan struct{}
}

func NewKernel(cfg Config) *Kernel {
	if cfg.ParamsAddr == 0 {
		cfg.ParamsAddr = KEXT_PARAMS_ADDR
	}
	if cfg.Text == (Region{}) {
		cfg.Text = Region{KERNEL_TEXT_START, KERNEL_TEXT_END}
	}
	if cfg.Vectors == 0 {
		cfg.Vectors = VECTORS_BASE
	}
	if cfg.Interrupts == nil {
		cfg.Interrupts = &HostInterrupts{}
	}
	return &Kernel{
		mem:      cfg.Mem,
		cache:    cfg.Cache,
		caller:   cfg.Caller,
		irq:      cfg.Interrupts,
		cfg:      cfg,
		patcher:  NewPatcher(cfg.Mem, cfg.Cache),
		events:   newEventRegistry(),
		sessions: newSessionTracker(),
		bootDone: make(chan struct{}),
	}
}

// Boot runs the load sequence on the primary core. A failed boot leaves
// no patch behind.
func (k *Kernel) Boot(ctx context.Context) (err error) {
	k.bootMtx.Lock()
	defer k.bootMtx.Unlock()
	if k.booted.Load() {
		return ErrAlreadyBooted
	}
	defer func() {
		if err != nil {
			k.rollback()
		}
	}()

	params, err := ReadKExtParameters(k.mem, k.cfg.ParamsAddr)
	if err != nil {
		return err
	}
	layout, err := GetLayout(params.CfwInfo.Model(), params.KernelVersion)
	if err != nil {
		return err
	}
	k.params = params
	k.layout = &layout
	log.WithFields(log.Fields{
		"cfw":     params.CfwInfo.String(),
		"model":   layout.Model.String(),
		"kernel":  layout.Version.String(),
		"base_pa": fmt.Sprintf("%#08x", params.BasePA),
	}).Info("kernel extension starting")

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = k.relocateAndSetupMMU(); err != nil {
		return fmt.Errorf("own mapping: %w", err)
	}

	syms, err := ResolveSymbols(k.mem, k.cfg.Text, k.cfg.Vectors)
	if err != nil {
		return fmt.Errorf("symbol resolution: %w", err)
	}
	k.syms = syms

	if err = k.captureOfficialSVCs(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = k.setupExceptionHandlers(); err != nil {
		return fmt.Errorf("exception handlers: %w", err)
	}
	if err = k.installMmuHooks(); err != nil {
		return fmt.Errorf("mmu hooks: %w", err)
	}
	k.buildAlteredSvcTable()
	k.inboxes = make([]CoreInbox, layout.NumCores())
	if err = k.bindSchedulerInterrupt(); err != nil {
		return fmt.Errorf("scheduler interrupt: %w", err)
	}

	if err = setParamsDone(k.mem, k.cfg.ParamsAddr); err != nil {
		return err
	}
	k.cache.CleanDataCacheRange(k.cfg.ParamsAddr+_KEXT_PARAMS_DONE_OFFSET, 1)
	k.cache.DataSyncBarrier()
	k.booted.Store(true)
	close(k.bootDone)
	log.WithField("patches", len(k.patcher.Applied())).Info("kernel extension ready")
	return nil
}

// rollback unbinds the reschedule interrupt where it was bound and reverts
// every patch applied so far, most recent first.
func (k *Kernel) rollback() {
	k.unbindSchedulerInterrupt()
	applied := k.patcher.Applied()
	if len(applied) == 0 {
		return
	}
	if err := k.patcher.Revert(applied[0].Name); err != nil {
		log.WithError(err).Error("unable to roll back boot patches")
		return
	}
	k.cache.InvalidateEntireTLB()
	k.cache.DataSyncBarrier()
	log.WithField("patches", len(applied)).Warn("boot rolled back")
}

// WaitForBoot parks a secondary core until the primary core has set the
// done flag of the parameter block.
func (k *Kernel) WaitForBoot(ctx context.Context, core int) error {
	if core < 0 || core >= MODEL_N3DS.NumCores() {
		return fmt.Errorf("core %d: %w", core, ErrBadCore)
	}
	ticker := time.NewTicker(_BOOT_POLL_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.bootDone:
		case <-ticker.C:
			if !paramsDone(k.mem, k.cfg.ParamsAddr) {
				continue
			}
		}
		log.WithField("core", core).Debug("secondary core released")
		return nil
	}
}

func (k *Kernel) Booted() bool {
	return k.booted.Load()
}

func (k *Kernel) checkCore(core int) error {
	if k.layout == nil {
		return ErrNotBooted
	}
	if core < 0 || core >= k.layout.NumCores() {
		return fmt.Errorf("core %d: %w", core, ErrBadCore)
	}
	return nil
}

func (k *Kernel) Params() *KExtParameters { return k.params }
func (k *Kernel) Layout() *Layout         { return k.layout }
func (k *Kernel) Symbols() *Symbols       { return k.syms }
func (k *Kernel) Patcher() *Patcher       { return k.patcher }
func (k *Kernel) Memory() Memory          { return k.mem }

func (k *Kernel) OriginalHandler(vector int) uint32 {
	return k.originalHandlers[vector]
}

// relocateAndSetupMMU maps the extension's physical pages at KEXT_VA in
// the L1 table of every core.
func (k *Kernel) relocateAndSetupMMU() error {
	nsections := (k.params.StolenSize + SECTION_SIZE - 1) / SECTION_SIZE
	if nsections == 0 {
		nsections = 1
	}
	attrs := PageAttrs{AP: 1, C: true, B: true}
	var patches []Patch
	for core := 0; core < k.layout.NumCores(); core++ {
		table := k.layout.KernPA2VA(k.params.L1MMUTableAddrs[core])
		original := make([]uint32, nsections)
		replacement := make([]uint32, nsections)
		for i := range replacement {
			replacement[i] = uint32(MakeSection(k.params.BasePA+uint32(i)*SECTION_SIZE, attrs))
		}
		patches = append(patches, WordPatch(fmt.Sprintf("kext mapping core %d", core),
			table+(KEXT_VA>>20)*4, original, replacement))
	}
	if err := k.patcher.Apply(patches...); err != nil {
		return err
	}
	k.cache.InvalidateEntireTLB()
	k.cache.DataSyncBarrier()
	k.cache.InstructionSyncBarrier()
	return nil
}

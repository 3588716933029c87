package kext

import (
	"fmt"

	"github.com/apex/log"
)

// Vectors the extension takes over. Reset and IRQ stay with the kernel.
var hookedVectors = []int{
	VECTOR_UNDEFINED,
	VECTOR_SVC,
	VECTOR_PREFETCH_ABORT,
	VECTOR_DATA_ABORT,
	VECTOR_FIQ,
}

func vectorHandlerEntry(vector int) uint32 {
	return KEXT_VECTOR_HANDLERS + uint32(vector)*0x10
}

func (k *Kernel) vectorAlias(addr uint32) uint32 {
	if k.cfg.VectorsAlias == 0 {
		return 0
	}
	return addr - k.cfg.Vectors + k.cfg.VectorsAlias
}

// swapHandlerInVeneer points the veneer of an exception vector at
// newHandler and remembers the handler it replaced.
func (k *Kernel) swapHandlerInVeneer(vector int, newHandler uint32) error {
	slot, original, err := VeneerTarget(k.mem, k.cfg.Vectors+uint32(vector)*4)
	if err != nil {
		return err
	}
	patch := WordPatch(fmt.Sprintf("vector %d handler", vector), slot,
		[]uint32{original}, []uint32{newHandler})
	if slot>>PAGE_SIZE_SHIFT == k.cfg.Vectors>>PAGE_SIZE_SHIFT {
		patch.Alias = k.vectorAlias(slot)
	}
	if err = k.patcher.Apply(patch); err != nil {
		return err
	}
	k.originalHandlers[vector] = original
	return nil
}

func (k *Kernel) setupExceptionHandlers() error {
	for _, v := range hookedVectors {
		if err := k.swapHandlerInVeneer(v, vectorHandlerEntry(v)); err != nil {
			return fmt.Errorf("vector %d: %w", v, err)
		}
		log.WithFields(log.Fields{
			"vector":   v,
			"original": fmt.Sprintf("%#08x", k.originalHandlers[v]),
		}).Debug("exception handler installed")
	}
	return nil
}

// trampolinePatch overwrites the first three words of a function with an
// absolute call to target that returns past the trampoline.
func trampolinePatch(name string, addr uint32, prologue []uint32, target uint32) Patch {
	return WordPatch(name, addr, prologue[:3], []uint32{ADD_LR_PC_4, LDR_PC_PC_MINUS_4, target})
}

func signatureOf(name string) *Signature {
	for i := range SignatureTable {
		if SignatureTable[i].Name == name {
			return &SignatureTable[i]
		}
	}
	return nil
}

// installMmuHooks hooks MapL1Section and MapL2Section. Both prologues are
// checked against their signature before either is written.
func (k *Kernel) installMmuHooks() error {
	l1 := signatureOf(SYM_MAP_L1_SECTION)
	l2 := signatureOf(SYM_MAP_L2_SECTION)
	return k.patcher.Apply(
		trampolinePatch(SYM_MAP_L1_SECTION, k.syms.MapL1Section, l1.Pattern, KEXT_MAP_L1_HOOK),
		trampolinePatch(SYM_MAP_L2_SECTION, k.syms.MapL2Section, l2.Pattern, KEXT_MAP_L2_HOOK),
	)
}

// Registers of the MapL1Section and MapL2Section calls as seen by the
// trampolines.
const (
	_MAP_SECTION_REG_HWINFO = 0
	_MAP_SECTION_REG_VA     = 1
	_MAP_SECTION_REG_PA     = 2
	_MAP_SECTION_REG_PERMS  = 3
)

// OnMapSection runs when either section mapping routine is entered. It
// widens the permissions of new mappings of processes that asked for RWX
// pages and returns the address execution continues at. The process is the
// owner of the tables being filled, which need not be the one running.
func (k *Kernel) OnMapSection(core int, hook uint32, regs *Regs) (uint32, error) {
	if err := k.checkCore(core); err != nil {
		return 0, err
	}
	var resume uint32
	switch hook {
	case KEXT_MAP_L1_HOOK:
		resume = k.syms.MapL1Section + 12
	case KEXT_MAP_L2_HOOK:
		resume = k.syms.MapL2Section + 12
	default:
		return 0, fmt.Errorf("hook %#08x: %w", hook, ErrNoRoutine)
	}
	proc := KProcessHwInfo(regs[_MAP_SECTION_REG_HWINFO]).Process(k)
	if proc != 0 && proc.CustomFlags(k)&FORCE_RWX_PAGES != 0 {
		regs[_MAP_SECTION_REG_PERMS] = MEMPERM_RWX
	}
	return resume, nil
}

// captureOfficialSVCs snapshots the vendor SVC table.
func (k *Kernel) captureOfficialSVCs() error {
	words, err := ReadWords(k.mem, k.syms.SvcTable, NUM_OFFICIAL_SVCS)
	if err != nil {
		return fmt.Errorf("svc table at %#08x: %w", k.syms.SvcTable, err)
	}
	copy(k.officialSVCs[:], words)
	return nil
}

func (k *Kernel) OfficialSVC(id int) uint32 {
	if id < 0 || id >= NUM_OFFICIAL_SVCS {
		return 0
	}
	return k.officialSVCs[id]
}

package kext

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
)

var (
	ErrPatchMismatch = errors.New("original bytes do not match")
	ErrPatchSize     = errors.New("original and replacement differ in size")
	ErrNotApplied    = errors.New("patch is not applied")
)

// Patch replaces Original with Replacement at Addr. Writes go to Alias
// when set, an uncached view of the same physical memory.
type Patch struct {
	Name        string
	Addr        uint32
	Alias       uint32
	Original    []byte
	Replacement []byte
}

func WordPatch(name string, addr uint32, original, replacement []uint32) Patch {
	return Patch{
		Name:        name,
		Addr:        addr,
		Original:    wordsToBytes(original),
		Replacement: wordsToBytes(replacement),
	}
}

func (p *Patch) writeAddr() uint32 {
	if p.Alias != 0 {
		return p.Alias
	}
	return p.Addr
}

func (p *Patch) size() uint32 {
	return uint32(len(p.Replacement))
}

// Patcher is the only place kernel code and kernel data structures are
// rewritten. Every write is followed by the maintenance sequence: clean
// the data cache range, invalidate the instruction cache range, DSB, ISB.
type Patcher struct {
	mtx     sync.Mutex
	mem     Memory
	cache   Cache
	applied []Patch
}

func NewPatcher(mem Memory, cache Cache) *Patcher {
	return &Patcher{mem: mem, cache: cache}
}

func (p *Patcher) verify(patch *Patch) error {
	if len(patch.Original) != len(patch.Replacement) {
		return fmt.Errorf("%s: %w", patch.Name, ErrPatchSize)
	}
	cur := make([]byte, len(patch.Original))
	if _, err := p.mem.ReadAt(cur, patch.Addr); err != nil {
		return fmt.Errorf("%s at %#08x: %w", patch.Name, patch.Addr, err)
	}
	if !bytes.Equal(cur, patch.Original) {
		return fmt.Errorf("%s at %#08x: found % x, want % x: %w",
			patch.Name, patch.Addr, cur, patch.Original, ErrPatchMismatch)
	}
	return nil
}

func (p *Patcher) write(patch *Patch, data []byte) error {
	if _, err := p.mem.WriteAt(data, patch.writeAddr()); err != nil {
		return fmt.Errorf("%s at %#08x: %w", patch.Name, patch.writeAddr(), err)
	}
	p.cache.CleanDataCacheRange(patch.Addr, patch.size())
	if patch.Alias != 0 {
		p.cache.CleanDataCacheRange(patch.Alias, patch.size())
	}
	p.cache.InvalidateInstructionCacheRange(patch.Addr, patch.size())
	p.cache.DataSyncBarrier()
	p.cache.InstructionSyncBarrier()
	return nil
}

func logPatch(patch *Patch, verb string) {
	fields := log.Fields{"addr": fmt.Sprintf("%#08x", patch.Addr), "size": len(patch.Replacement)}
	if len(patch.Replacement) >= 4 {
		fields["insn"] = Disassemble(patch.Addr, binary.LittleEndian.Uint32(patch.Replacement))
	}
	log.WithFields(fields).Debugf("%s %s", verb, patch.Name)
}

// Apply verifies every patch before writing any of them. A single mismatch
// leaves memory untouched.
func (p *Patcher) Apply(patches ...Patch) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var errs []error
	for i := range patches {
		if err := p.verify(&patches[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	for i := range patches {
		patch := &patches[i]
		if err := p.write(patch, patch.Replacement); err != nil {
			return err
		}
		logPatch(patch, "applied")
		p.applied = append(p.applied, *patch)
	}
	return nil
}

// Revert restores the named patch and every patch applied after it, most
// recent first.
func (p *Patcher) Revert(name string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	idx := -1
	for i := range p.applied {
		if p.applied[i].Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%s: %w", name, ErrNotApplied)
	}
	for i := len(p.applied) - 1; i >= idx; i-- {
		patch := &p.applied[i]
		if err := p.write(patch, patch.Original); err != nil {
			return err
		}
		logPatch(patch, "reverted")
		p.applied = p.applied[:i]
	}
	return nil
}

func (p *Patcher) Applied() []Patch {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]Patch(nil), p.applied...)
}

package kext

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

const (
	_BRANCH_OPCODE      = 0xEA000000
	_BRANCH_LINK_OPCODE = 0xEB000000
	_BRANCH_OFFSET_MASK = 0x00FFFFFF

	// The pipeline makes PC read two instructions ahead.
	_PC_OFFSET = 8

	// Signed 26-bit byte displacement.
	BRANCH_RANGE = 32 << 20
)

var ErrNotBranch = errors.New("instruction is not a B/BL")

// EncodeBranch builds an unconditional B (or BL) at src jumping to dst.
// Out of range displacements wrap silently; see BranchInRange.
func EncodeBranch(src, dst uint32, link bool) uint32 {
	instr := ((dst - (src + _PC_OFFSET)) >> 2) & _BRANCH_OFFSET_MASK
	if link {
		return instr | _BRANCH_LINK_OPCODE
	}
	return instr | _BRANCH_OPCODE
}

// DecodeBranch returns the target of the B/BL instruction instr located at src.
func DecodeBranch(src, instr uint32) uint32 {
	off := int32(instr<<8) >> 8
	return src + _PC_OFFSET + uint32(off*4)
}

// IsBranch reports whether instr is a B or BL with any condition.
func IsBranch(instr uint32) bool {
	return instr&0x0E000000 == 0x0A000000 && instr>>28 != 0xF
}

func IsBranchLink(instr uint32) bool {
	return IsBranch(instr) && instr&0x01000000 != 0
}

func BranchInRange(src, dst uint32) bool {
	d := int64(dst) - int64(src+_PC_OFFSET)
	return d >= -BRANCH_RANGE && d < BRANCH_RANGE && d&3 == 0
}

// BranchAt reads the instruction at src and returns its target.
func BranchAt(mem Memory, src uint32) (uint32, error) {
	instr, err := Read32(mem, src)
	if err != nil {
		return 0, err
	}
	if !IsBranch(instr) {
		return 0, fmt.Errorf("%#08x: %#08x: %w", src, instr, ErrNotBranch)
	}
	return DecodeBranch(src, instr), nil
}

// Disassemble renders one ARM word for logs and listings.
func Disassemble(addr, word uint32) string {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, word)
	inst, err := armasm.Decode(buf, armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word %#08x", word)
	}
	if IsBranch(word) {
		return fmt.Sprintf("%s ; -> %#08x", armasm.GNUSyntax(inst), DecodeBranch(addr, word))
	}
	return armasm.GNUSyntax(inst)
}

package kext

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
)

const (
	PSR_MODE_MASK = 0x1F
	PSR_USER_MODE = 0x10
	PSR_T_BIT     = 1 << 5
)

type ExceptionDisposition int

const (
	// The exception goes to the handler the kernel had installed.
	DISPOSITION_ORIGINAL ExceptionDisposition = iota
	// The thread resumes in user mode at its own exception handler.
	DISPOSITION_USER_HANDLER
)

func (d ExceptionDisposition) String() string {
	switch d {
	case DISPOSITION_ORIGINAL:
		return "original"
	case DISPOSITION_USER_HANDLER:
		return "user handler"
	}
	return fmt.Sprintf("ExceptionDisposition(%d)", int(d))
}

// ExceptionInfo precedes the registers in the block handed to user
// handlers.
type ExceptionInfo struct {
	Type    uint32
	FSR     uint32
	FAR     uint32
	FPEXC   uint32
	FPINST  uint32
	FPINST2 uint32
}

type CpuRegisters struct {
	R    [13]uint32
	SP   uint32
	LR   uint32
	PC   uint32
	CPSR uint32
}

// ExceptionFrame is what the vector glue saves on entry.
type ExceptionFrame struct {
	Info ExceptionInfo
	Regs CpuRegisters
}

var _EXCEPTION_FRAME_SIZE = uint32(binary.Size(ExceptionFrame{}))

func (f *ExceptionFrame) Marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, f)
	return buf.Bytes()
}

func (f *ExceptionFrame) FromUser() bool {
	return f.Regs.CPSR&PSR_MODE_MASK == PSR_USER_MODE
}

// HandleException decides where an undefined instruction or abort taken
// on core continues. User threads that registered a handler in their TLS
// get the saved frame and resume there. Everything else goes to the
// original kernel handler, whose address is returned.
func (k *Kernel) HandleException(core int, vector int, frame *ExceptionFrame) (ExceptionDisposition, uint32, error) {
	if err := k.checkCore(core); err != nil {
		return 0, 0, err
	}
	if vector < 0 || vector >= len(k.originalHandlers) {
		return 0, 0, fmt.Errorf("vector %d: %w", vector, ErrNotVeneer)
	}
	original := k.originalHandlers[vector]
	switch vector {
	case VECTOR_UNDEFINED, VECTOR_PREFETCH_ABORT, VECTOR_DATA_ABORT:
	default:
		return DISPOSITION_ORIGINAL, original, nil
	}
	if !frame.FromUser() {
		return DISPOSITION_ORIGINAL, original, nil
	}
	thread := k.currentThread(core)
	proc := k.currentProcess(core)
	if thread == 0 || proc == 0 {
		return DISPOSITION_ORIGINAL, original, nil
	}
	tls := thread.TLS(k)
	if tls == 0 {
		return DISPOSITION_ORIGINAL, original, nil
	}
	handler := k.kread32(tls + TLS_EXCEPTION_HANDLER)
	stack := k.kread32(tls + TLS_EXCEPTION_STACK)
	buf := k.kread32(tls + TLS_EXCEPTION_BUFFER)
	if handler == 0 {
		return DISPOSITION_ORIGINAL, original, nil
	}

	hw := proc.HwInfo(k)
	perm, err := hw.GetAddressUserPerm(k, core, handler&^1)
	if err != nil {
		return 0, 0, err
	}
	if perm&MEMPERM_EXECUTE == 0 {
		return DISPOSITION_ORIGINAL, original, nil
	}
	// A buffer of 0 or 1 asks for the frame to go on the handler stack.
	if buf <= 1 {
		stack = (stack - _EXCEPTION_FRAME_SIZE) &^ 7
		buf = stack
	}
	for _, addr := range []uint32{stack - 4, buf, buf + _EXCEPTION_FRAME_SIZE - 1} {
		perm, err := hw.GetAddressUserPerm(k, core, addr)
		if err != nil {
			return 0, 0, err
		}
		if perm&MEMPERM_WRITE == 0 {
			return DISPOSITION_ORIGINAL, original, nil
		}
	}

	frame.Info.Type = uint32(vector)
	if _, err = k.mem.WriteAt(frame.Marshal(), buf); err != nil {
		return DISPOSITION_ORIGINAL, original, nil
	}
	k.cache.CleanDataCacheRange(buf, _EXCEPTION_FRAME_SIZE)
	k.cache.DataSyncBarrier()

	frame.Regs.R[0] = buf
	frame.Regs.SP = stack
	frame.Regs.PC = handler &^ 1
	frame.Regs.CPSR &^= PSR_T_BIT
	if handler&1 != 0 {
		frame.Regs.CPSR |= PSR_T_BIT
	}
	log.WithFields(log.Fields{
		"core":    core,
		"vector":  vector,
		"thread":  thread.String(),
		"handler": fmt.Sprintf("%#08x", handler),
		"far":     fmt.Sprintf("%#08x", frame.Info.FAR),
	}).Debug("exception forwarded to user handler")
	return DISPOSITION_USER_HANDLER, handler &^ 1, nil
}

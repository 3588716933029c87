package kext

import (
	"errors"
	"fmt"
)

// IPC command buffers live at TLS+0x80 and start with a header word.
const (
	TLS_IPC_COMMAND_BUFFER = 0x80
	IPC_COMMAND_BUFFER_LEN = 64

	_IPC_CMD_SHIFT    = 16
	_IPC_NORMAL_SHIFT = 6
	_IPC_NORMAL_MASK  = 0x3F
	_IPC_XLATE_MASK   = 0x3F
)

var ErrBadDescriptor = errors.New("bad ipc translate descriptor")

type Header uint32

func MakeHeader(cmd uint16, normal, translate uint8) Header {
	return Header(uint32(cmd)<<_IPC_CMD_SHIFT | uint32(normal&_IPC_NORMAL_MASK)<<_IPC_NORMAL_SHIFT | uint32(translate&_IPC_XLATE_MASK))
}

func (h Header) Command() uint16 { return uint16(h >> _IPC_CMD_SHIFT) }
func (h Header) Normal() uint8   { return uint8(h>>_IPC_NORMAL_SHIFT) & _IPC_NORMAL_MASK }
func (h Header) Translate() uint8 { return uint8(h) & _IPC_XLATE_MASK }

// Valid reports whether h is exactly the header of cmd with the given
// parameter counts.
func (h Header) Valid(cmd uint16, normal, translate uint8) bool {
	return h == MakeHeader(cmd, normal, translate)
}

// Words is the length of the command the header describes, itself included.
func (h Header) Words() int {
	return 1 + int(h.Normal()) + int(h.Translate())
}

func (h Header) String() string {
	return fmt.Sprintf("IPC(%#x, %d, %d)", h.Command(), h.Normal(), h.Translate())
}

// Translate descriptors.
const (
	IPC_DESC_COPY_HANDLE = 0
	IPC_DESC_MOVE_HANDLE = 0x10
	IPC_DESC_CALLING_PID = 0x20

	_IPC_DESC_STATIC_TAG      = 2
	_IPC_DESC_STATIC_TAG_MASK = 0xF
	_IPC_DESC_STATIC_ID_SHIFT = 10
	_IPC_DESC_STATIC_ID_MASK  = 0xF
	_IPC_DESC_STATIC_SZ_SHIFT = 14
)

func StaticBufferDesc(size uint32, id uint8) uint32 {
	return size<<_IPC_DESC_STATIC_SZ_SHIFT | uint32(id&_IPC_DESC_STATIC_ID_MASK)<<_IPC_DESC_STATIC_ID_SHIFT | _IPC_DESC_STATIC_TAG
}

// ParseStaticBufferDesc returns the size and id of a static buffer
// descriptor.
func ParseStaticBufferDesc(desc uint32) (uint32, uint8, error) {
	if desc&_IPC_DESC_STATIC_TAG_MASK != _IPC_DESC_STATIC_TAG {
		return 0, 0, fmt.Errorf("%#08x: %w", desc, ErrBadDescriptor)
	}
	return desc >> _IPC_DESC_STATIC_SZ_SHIFT, uint8(desc>>_IPC_DESC_STATIC_ID_SHIFT) & _IPC_DESC_STATIC_ID_MASK, nil
}

// HandleDesc describes count handles following the descriptor.
func HandleDesc(kind uint32, count int) uint32 {
	return uint32(count-1)<<26 | kind
}

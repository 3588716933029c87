package kext

import "fmt"

// Result is a kernel result code. Bit 31 set means failure.
type Result uint32

const (
	RESULT_SUCCESS Result = 0

	RESULT_INVALID_HANDLE      Result = 0xD8E007F7
	RESULT_NOT_IMPLEMENTED     Result = 0xF8C007F4
	RESULT_INVALID_ADDRESS     Result = 0xE0E01BF5
	RESULT_OUT_OF_MEMORY       Result = 0xD86007F3
	RESULT_INVALID_COMMAND     Result = 0xD9001830
	RESULT_INVALID_COMBINATION Result = 0xE0E01BEE
	RESULT_INVALID_ENUM_VALUE  Result = 0xD8E007ED
	RESULT_MISALIGNED_SIZE     Result = 0xE0E01BF2
	RESULT_MISALIGNED_ADDRESS  Result = 0xE0E01BF1
	RESULT_NOT_AUTHORIZED      Result = 0xD9001BEA
	RESULT_INVALID_POINTER     Result = 0xD8E007F6
	RESULT_OUT_OF_RANGE        Result = 0xE0E01BFD
	RESULT_TIMEOUT             Result = 0x09401BFE
	RESULT_NOT_FOUND           Result = 0xD88007FA
)

func (r Result) IsSuccess() bool {
	return int32(r) >= 0
}

func (r Result) IsFailure() bool {
	return int32(r) < 0
}

func (r Result) Level() uint32 {
	return uint32(r) >> 27
}

func (r Result) Summary() uint32 {
	return (uint32(r) >> 21) & 0x3F
}

func (r Result) Module() uint32 {
	return (uint32(r) >> 10) & 0xFF
}

func (r Result) Description() uint32 {
	return uint32(r) & 0x3FF
}

func (r Result) Error() string {
	return fmt.Sprintf("result %#08x (level %d, summary %d, module %d, description %d)",
		uint32(r), r.Level(), r.Summary(), r.Module(), r.Description())
}

// Err returns nil for success codes.
func (r Result) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return r
}

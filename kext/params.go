package kext

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// The loader leaves the parameter block inside the extension image.
	KEXT_PARAMS_ADDR = KEXT_VA + 0x1000

	_KEXT_PARAMS_DONE_OFFSET = 0x2C
	_KEXT_PARAMS_SIZE        = 0x30 + _CFW_INFO_SIZE
	_CFW_INFO_SIZE           = 0x40

	CFW_MAGIC = "LUMA"
)

const (
	CFW_FLAG_RELEASE  = 1 << 0
	CFW_FLAG_ISN3DS   = 1 << 4
	CFW_FLAG_SAFEMODE = 1 << 5
	CFW_FLAG_SDMODE   = 1 << 6
)

var ErrBadParams = errors.New("bad kernel extension parameters")

// CfwInfo is the build and configuration block of the loader.
type CfwInfo struct {
	Magic                [4]byte
	VersionMajor         uint8
	VersionMinor         uint8
	VersionBuild         uint8
	Flags                uint8
	CommitHash           uint32
	ConfigFormatVersion  uint32
	Config               uint32
	MultiConfig          uint32
	BootConfig           uint32
	SplashDurationMsec   uint32
	HbldrTitleID         uint64
	RosalinaMenuCombo    uint32
	PluginLoaderFlags    uint32
	NtpTimeOffsetMinutes int16
	_                    [14]byte
}

func (c *CfwInfo) IsN3DS() bool {
	return c.Flags&CFW_FLAG_ISN3DS != 0
}

func (c *CfwInfo) IsRelease() bool {
	return c.Flags&CFW_FLAG_RELEASE != 0
}

func (c *CfwInfo) Model() Model {
	if c.IsN3DS() {
		return MODEL_N3DS
	}
	return MODEL_O3DS
}

func (c *CfwInfo) String() string {
	return fmt.Sprintf("%s v%d.%d.%d (%08x)", bytes.TrimRight(c.Magic[:], "\x00"),
		c.VersionMajor, c.VersionMinor, c.VersionBuild, c.CommitHash)
}

// KExtParameters is the handoff block written by the loader. Its layout is
// shared with the loader and must not change.
type KExtParameters struct {
	BasePA           uint32
	StolenSize       uint32
	OriginalHandlers [4]uint32
	L1MMUTableAddrs  [4]uint32
	KernelVersion    KernelVersion
	Done             uint8
	_                [3]byte
	CfwInfo          CfwInfo
}

func (p *KExtParameters) Marshal() []byte {
	var buf bytes.Buffer
	buf.Grow(_KEXT_PARAMS_SIZE)
	binary.Write(&buf, binary.LittleEndian, p)
	return buf.Bytes()
}

// ReadKExtParameters decodes the block at addr.
func ReadKExtParameters(mem Memory, addr uint32) (*KExtParameters, error) {
	buf := make([]byte, _KEXT_PARAMS_SIZE)
	if _, err := mem.ReadAt(buf, addr); err != nil {
		return nil, fmt.Errorf("read parameters at %#08x: %w", addr, err)
	}
	p := &KExtParameters{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, p); err != nil {
		return nil, err
	}
	if string(p.CfwInfo.Magic[:]) != CFW_MAGIC {
		return nil, fmt.Errorf("magic %q: %w", p.CfwInfo.Magic[:], ErrBadParams)
	}
	if p.BasePA&(SECTION_SIZE-1) != 0 {
		return nil, fmt.Errorf("base %#08x not section aligned: %w", p.BasePA, ErrBadParams)
	}
	return p, nil
}

func setParamsDone(mem Memory, addr uint32) error {
	return Write8(mem, addr+_KEXT_PARAMS_DONE_OFFSET, 1)
}

func paramsDone(mem Memory, addr uint32) bool {
	v, err := Read8(mem, addr+_KEXT_PARAMS_DONE_OFFSET)
	return err == nil && v != 0
}

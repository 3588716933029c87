package kext

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// Shared config word the plugin polls. The low half is the status set by
// the loader, the high half carries events. The plugin acknowledges a
// status by signalling PLG_REPLY_ADDR.
const (
	PLG_CFG_ADDR   = 0x1FF800F0
	PLG_REPLY_ADDR = PLG_CFG_ADDR + 4
)

type PluginStatus uint32

const (
	PLG_CFG_NONE         PluginStatus = 0
	PLG_CFG_RUNNING      PluginStatus = 1
	PLG_CFG_INHOME       PluginStatus = 2
	PLG_CFG_EXITING      PluginStatus = 3
	PLG_CFG_SWAPPED      PluginStatus = 4
	PLG_CFG_HOME_SWAPPED PluginStatus = 5

	PLG_CFG_EXIT_EVENT       PluginStatus = 1 << 16
	PLG_CFG_HOME_ENTER_EVENT PluginStatus = 1 << 17
	PLG_CFG_HOME_EXIT_EVENT  PluginStatus = 1 << 18
	PLG_CFG_SWAP_EVENT       PluginStatus = 1 << 19

	_PLG_CFG_STATUS_MASK = 0xFFFF
)

func (s PluginStatus) String() string {
	var name string
	switch s & _PLG_CFG_STATUS_MASK {
	case PLG_CFG_NONE:
		name = "NONE"
	case PLG_CFG_RUNNING:
		name = "RUNNING"
	case PLG_CFG_INHOME:
		name = "INHOME"
	case PLG_CFG_EXITING:
		name = "EXITING"
	case PLG_CFG_SWAPPED:
		name = "SWAPPED"
	case PLG_CFG_HOME_SWAPPED:
		name = "HOME_SWAPPED"
	default:
		name = fmt.Sprintf("%#x", uint32(s&_PLG_CFG_STATUS_MASK))
	}
	if ev := s &^ _PLG_CFG_STATUS_MASK; ev != 0 {
		name += fmt.Sprintf("|events(%#x)", uint32(ev>>16))
	}
	return name
}

// plg:ldr commands.
const (
	PLGLDR_LOAD_PLUGIN                  = 1
	PLGLDR_IS_ENABLED                   = 2
	PLGLDR_SET_ENABLED                  = 3
	PLGLDR_SET_LOAD_PARAMETERS          = 4
	PLGLDR_DISPLAY_MESSAGE              = 5
	PLGLDR_DISPLAY_ERR_MESSAGE          = 6
	PLGLDR_GET_VERSION                  = 8
	PLGLDR_GET_ARBITER                  = 9
	PLGLDR_CLEAR_PLUGIN_LOAD_PARAMETERS = 0xA
)

const (
	PLUGIN_LOADER_VERSION = 1<<24 | 2<<16

	_PLG_STATUS_TIMEOUT = 10 * time.Second

	_PLG_PATH_MAX    = 256
	_PLG_CONFIG_LEN  = 32
	_PLG_MESSAGE_MAX = 256
)

var ErrPluginUnresponsive = errors.New("plugin did not answer")

// Arbiter is the address arbiter shared with the plugin. Watch returns a
// channel closed by the next Signal of addr.
type Arbiter interface {
	Signal(addr uint32)
	Watch(addr uint32) <-chan struct{}
}

// HostArbiter is an Arbiter backed by channels.
type HostArbiter struct {
	mtx     sync.Mutex
	waiters map[uint32]chan struct{}
	signals map[uint32]int
}

func NewHostArbiter() *HostArbiter {
	return &HostArbiter{
		waiters: make(map[uint32]chan struct{}),
		signals: make(map[uint32]int),
	}
}

func (a *HostArbiter) Watch(addr uint32) <-chan struct{} {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	ch, ok := a.waiters[addr]
	if !ok {
		ch = make(chan struct{})
		a.waiters[addr] = ch
	}
	return ch
}

func (a *HostArbiter) Signal(addr uint32) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.signals[addr]++
	if ch, ok := a.waiters[addr]; ok {
		close(ch)
		delete(a.waiters, addr)
	}
}

func (a *HostArbiter) Signals(addr uint32) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.signals[addr]
}

type PluginLoadParameters struct {
	NoFlash    bool
	LowTitleID uint32
	Path       string
	Config     [_PLG_CONFIG_LEN]uint32
}

// PluginLoaderContext is the state of the plg:ldr service.
type PluginLoaderContext struct {
	mem     Memory
	arbiter Arbiter
	// Handle of the arbiter in the service's own table.
	arbiterHandle uint32
	timeout       time.Duration

	mtx          sync.Mutex
	enabled      bool
	params       *PluginLoadParameters
	target       uint32
	running      bool
	unresponsive bool
	messages     []string
}

func NewPluginLoader(mem Memory, arbiter Arbiter, arbiterHandle uint32) *PluginLoaderContext {
	return &PluginLoaderContext{
		mem:           mem,
		arbiter:       arbiter,
		arbiterHandle: arbiterHandle,
		timeout:       _PLG_STATUS_TIMEOUT,
	}
}

func (c *PluginLoaderContext) Enabled() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.enabled
}

func (c *PluginLoaderContext) Params() *PluginLoadParameters {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.params
}

func (c *PluginLoaderContext) Unresponsive() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.unresponsive
}

func (c *PluginLoaderContext) Target() (uint32, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.target, c.running
}

func (c *PluginLoaderContext) Status() PluginStatus {
	v, _ := Read32(c.mem, PLG_CFG_ADDR)
	return PluginStatus(v)
}

// SetStatusAndWait publishes status to the plugin and waits for it to
// answer through the arbiter. A plugin that does not answer in time is
// marked unresponsive and later requests no longer wait on it.
func (c *PluginLoaderContext) SetStatusAndWait(ctx context.Context, status PluginStatus) error {
	c.mtx.Lock()
	unresponsive := c.unresponsive
	c.mtx.Unlock()

	reply := c.arbiter.Watch(PLG_REPLY_ADDR)
	if err := Write32(c.mem, PLG_CFG_ADDR, uint32(status)); err != nil {
		return err
	}
	c.arbiter.Signal(PLG_CFG_ADDR)
	if unresponsive {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	c.mtx.Lock()
	c.unresponsive = true
	c.mtx.Unlock()
	log.WithField("status", status.String()).Warn(ErrPluginUnresponsive.Error())
	return nil
}

// OnProcessExit tells the plugin of pid to exit and clears the context.
func (c *PluginLoaderContext) OnProcessExit(ctx context.Context, pid uint32) error {
	c.mtx.Lock()
	if !c.running || c.target != pid {
		c.mtx.Unlock()
		return nil
	}
	c.mtx.Unlock()

	err := c.SetStatusAndWait(ctx, PLG_CFG_EXITING|PLG_CFG_EXIT_EVENT)

	c.mtx.Lock()
	c.running = false
	c.target = 0
	c.unresponsive = false
	c.params = nil
	c.mtx.Unlock()
	if werr := Write32(c.mem, PLG_CFG_ADDR, uint32(PLG_CFG_NONE)); err == nil {
		err = werr
	}
	log.WithField("pid", pid).Info("plugin unloaded")
	return err
}

// HandleCommand serves one plg:ldr request in place. The reply replaces
// the request in cmdbuf.
func (c *PluginLoaderContext) HandleCommand(ctx context.Context, cmdbuf []uint32) error {
	if len(cmdbuf) < IPC_COMMAND_BUFFER_LEN {
		return fmt.Errorf("command buffer of %d words: %w", len(cmdbuf), ErrOutOfBounds)
	}
	hdr := Header(cmdbuf[0])
	cmd := hdr.Command()
	var res Result
	var err error

	switch cmd {
	case PLGLDR_LOAD_PLUGIN:
		if !hdr.Valid(cmd, 1, 0) {
			break
		}
		res, err = c.loadPlugin(ctx, cmdbuf[1])
		cmdbuf[0] = uint32(MakeHeader(cmd, 1, 0))
		cmdbuf[1] = uint32(res)
		return err
	case PLGLDR_IS_ENABLED:
		if !hdr.Valid(cmd, 0, 0) {
			break
		}
		cmdbuf[0] = uint32(MakeHeader(cmd, 2, 0))
		cmdbuf[1] = uint32(RESULT_SUCCESS)
		cmdbuf[2] = boolWord(c.Enabled())
		return nil
	case PLGLDR_SET_ENABLED:
		if !hdr.Valid(cmd, 1, 0) {
			break
		}
		c.mtx.Lock()
		c.enabled = cmdbuf[1] != 0
		c.mtx.Unlock()
		cmdbuf[0] = uint32(MakeHeader(cmd, 1, 0))
		cmdbuf[1] = uint32(RESULT_SUCCESS)
		return nil
	case PLGLDR_SET_LOAD_PARAMETERS:
		if !hdr.Valid(cmd, 2, 4) {
			break
		}
		res = c.setLoadParameters(cmdbuf)
		cmdbuf[0] = uint32(MakeHeader(cmd, 1, 0))
		cmdbuf[1] = uint32(res)
		return nil
	case PLGLDR_DISPLAY_MESSAGE, PLGLDR_DISPLAY_ERR_MESSAGE:
		normal := uint8(0)
		if cmd == PLGLDR_DISPLAY_ERR_MESSAGE {
			normal = 1
		}
		if !hdr.Valid(cmd, normal, 4) {
			break
		}
		res = c.displayMessage(cmdbuf, cmd == PLGLDR_DISPLAY_ERR_MESSAGE)
		cmdbuf[0] = uint32(MakeHeader(cmd, 1, 0))
		cmdbuf[1] = uint32(res)
		return nil
	case PLGLDR_GET_VERSION:
		if !hdr.Valid(cmd, 0, 0) {
			break
		}
		cmdbuf[0] = uint32(MakeHeader(cmd, 2, 0))
		cmdbuf[1] = uint32(RESULT_SUCCESS)
		cmdbuf[2] = PLUGIN_LOADER_VERSION
		return nil
	case PLGLDR_GET_ARBITER:
		if !hdr.Valid(cmd, 0, 0) {
			break
		}
		cmdbuf[0] = uint32(MakeHeader(cmd, 1, 2))
		cmdbuf[1] = uint32(RESULT_SUCCESS)
		cmdbuf[2] = HandleDesc(IPC_DESC_COPY_HANDLE, 1)
		cmdbuf[3] = c.arbiterHandle
		return nil
	case PLGLDR_CLEAR_PLUGIN_LOAD_PARAMETERS:
		if !hdr.Valid(cmd, 0, 0) {
			break
		}
		c.mtx.Lock()
		c.params = nil
		c.mtx.Unlock()
		cmdbuf[0] = uint32(MakeHeader(cmd, 1, 0))
		cmdbuf[1] = uint32(RESULT_SUCCESS)
		return nil
	}

	log.WithField("header", hdr.String()).Warn("plg:ldr: invalid command")
	cmdbuf[0] = uint32(MakeHeader(0, 1, 0))
	cmdbuf[1] = uint32(RESULT_INVALID_COMMAND)
	return nil
}

func boolWord(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// loadPlugin starts the plugin of the process pid when the loader is
// enabled. A second load for a running plugin is refused.
func (c *PluginLoaderContext) loadPlugin(ctx context.Context, pid uint32) (Result, error) {
	c.mtx.Lock()
	if !c.enabled {
		c.mtx.Unlock()
		return RESULT_NOT_AUTHORIZED, nil
	}
	if c.running {
		c.mtx.Unlock()
		return RESULT_INVALID_COMBINATION, nil
	}
	c.target = pid
	c.running = true
	c.unresponsive = false
	c.mtx.Unlock()

	log.WithField("pid", pid).Info("plugin loaded")
	return RESULT_SUCCESS, Write32(c.mem, PLG_CFG_ADDR, uint32(PLG_CFG_RUNNING))
}

// setLoadParameters reads the parameters of the next load. Normal words:
// noFlash, low title id. Translate words: the path and config static
// buffers.
func (c *PluginLoaderContext) setLoadParameters(cmdbuf []uint32) Result {
	p := &PluginLoadParameters{NoFlash: cmdbuf[1]&0xFF != 0, LowTitleID: cmdbuf[2]}
	size, _, err := ParseStaticBufferDesc(cmdbuf[3])
	if err != nil {
		return RESULT_INVALID_POINTER
	}
	if size > _PLG_PATH_MAX {
		size = _PLG_PATH_MAX
	}
	if p.Path, err = ReadCString(c.mem, cmdbuf[4], int(size)); err != nil {
		return RESULT_INVALID_POINTER
	}
	size, _, err = ParseStaticBufferDesc(cmdbuf[5])
	if err != nil || size < _PLG_CONFIG_LEN*4 {
		return RESULT_INVALID_POINTER
	}
	words, err := ReadWords(c.mem, cmdbuf[6], _PLG_CONFIG_LEN)
	if err != nil {
		return RESULT_INVALID_POINTER
	}
	copy(p.Config[:], words)

	c.mtx.Lock()
	c.params = p
	c.mtx.Unlock()
	log.WithFields(log.Fields{"title": fmt.Sprintf("%08x", p.LowTitleID), "path": p.Path}).Debug("plugin load parameters")
	return RESULT_SUCCESS
}

// displayMessage logs the title and body the plugin sent. Error messages
// carry a result code as their only normal word.
func (c *PluginLoaderContext) displayMessage(cmdbuf []uint32, isErr bool) Result {
	i := 1
	var code uint32
	if isErr {
		code = cmdbuf[1]
		i = 2
	}
	var text [2]string
	for n := range text {
		size, _, err := ParseStaticBufferDesc(cmdbuf[i])
		if err != nil {
			return RESULT_INVALID_POINTER
		}
		if size > _PLG_MESSAGE_MAX {
			size = _PLG_MESSAGE_MAX
		}
		if text[n], err = ReadCString(c.mem, cmdbuf[i+1], int(size)); err != nil {
			return RESULT_INVALID_POINTER
		}
		i += 2
	}
	c.mtx.Lock()
	c.messages = append(c.messages, text[0]+": "+text[1])
	c.mtx.Unlock()
	entry := log.WithField("title", text[0])
	if isErr {
		entry.WithField("code", Result(code).Error()).Error(text[1])
	} else {
		entry.Info(text[1])
	}
	return RESULT_SUCCESS
}

func (c *PluginLoaderContext) Messages() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.messages...)
}

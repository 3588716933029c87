package kext

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	PAGE_SIZE       = 0x1000
	PAGE_MASK       = PAGE_SIZE - 1
	PAGE_SIZE_SHIFT = 12
)

var (
	ErrUnmapped    = errors.New("address is not mapped")
	ErrMisaligned  = errors.New("misaligned address")
	ErrOutOfBounds = errors.New("range wraps the 32-bit address space")
)

// Memory is the kernel's view of the 32-bit virtual address space.
type Memory interface {
	ReadAt(p []byte, addr uint32) (n int, err error)
	WriteAt(p []byte, addr uint32) (n int, err error)
}

func Read32(mem Memory, addr uint32) (uint32, error) {
	buf := make([]byte, 4)
	_, err := mem.ReadAt(buf, addr)
	return binary.LittleEndian.Uint32(buf), err
}

func Read16(mem Memory, addr uint32) (uint16, error) {
	buf := make([]byte, 2)
	_, err := mem.ReadAt(buf, addr)
	return binary.LittleEndian.Uint16(buf), err
}

func Read8(mem Memory, addr uint32) (uint8, error) {
	buf := make([]byte, 1)
	_, err := mem.ReadAt(buf, addr)
	return buf[0], err
}

func Write32(mem Memory, addr uint32, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	_, err := mem.WriteAt(buf, addr)
	return err
}

func Write16(mem Memory, addr uint32, value uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	_, err := mem.WriteAt(buf, addr)
	return err
}

func Write8(mem Memory, addr uint32, value uint8) error {
	_, err := mem.WriteAt([]byte{value}, addr)
	return err
}

// ReadWords reads count consecutive little-endian words starting at addr.
func ReadWords(mem Memory, addr uint32, count int) ([]uint32, error) {
	buf := make([]byte, count*4)
	_, err := mem.ReadAt(buf, addr)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return words, nil
}

func WriteWords(mem Memory, addr uint32, words ...uint32) error {
	_, err := mem.WriteAt(wordsToBytes(words), addr)
	return err
}

func wordsToBytes(words []uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// ReadCString reads a NUL terminated string of at most max bytes.
func ReadCString(mem Memory, addr uint32, max int) (string, error) {
	buf := make([]byte, max)
	_, err := mem.ReadAt(buf, addr)
	if err != nil {
		return "", err
	}
	i := bytes.IndexByte(buf, 0)
	if i == -1 {
		return string(buf), nil
	}
	return string(buf[:i]), nil
}

// Zero clears size bytes at addr.
func Zero(mem Memory, addr uint32, size uint32) error {
	_, err := mem.WriteAt(make([]byte, size), addr)
	return err
}

type page [PAGE_SIZE]byte

// SparseMemory is a page-granular address space. Pages come into existence
// on first write or through Map, and several virtual pages may share one
// backing page through Alias.
type SparseMemory struct {
	mtx   sync.RWMutex
	pages map[uint32]*page
}

func NewSparseMemory() *SparseMemory {
	return &SparseMemory{pages: make(map[uint32]*page)}
}

func checkRange(addr uint32, length int) error {
	if uint64(addr)+uint64(length) > 1<<32 {
		return fmt.Errorf("%#08x+%#x: %w", addr, length, ErrOutOfBounds)
	}
	return nil
}

// Map makes [addr, addr+size) readable, zero filled.
func (m *SparseMemory) Map(addr uint32, size uint32) error {
	if err := checkRange(addr, int(size)); err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for pg := addr &^ PAGE_MASK; uint64(pg) < uint64(addr)+uint64(size); pg += PAGE_SIZE {
		if _, ok := m.pages[pg]; !ok {
			m.pages[pg] = new(page)
		}
		if pg == 0xFFFFF000 {
			break
		}
	}
	return nil
}

// Alias makes [dst, dst+size) share the backing pages of [src, src+size).
func (m *SparseMemory) Alias(dst, src, size uint32) error {
	if dst&PAGE_MASK != 0 || src&PAGE_MASK != 0 || size&PAGE_MASK != 0 {
		return ErrMisaligned
	}
	if err := m.Map(src, size); err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for off := uint32(0); off < size; off += PAGE_SIZE {
		m.pages[dst+off] = m.pages[src+off]
	}
	return nil
}

// Load copies data to addr, mapping pages as needed.
func (m *SparseMemory) Load(addr uint32, data []byte) error {
	if err := m.Map(addr, uint32(len(data))); err != nil {
		return err
	}
	_, err := m.WriteAt(data, addr)
	return err
}

func (m *SparseMemory) IsMapped(addr uint32) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, ok := m.pages[addr&^PAGE_MASK]
	return ok
}

// Pages returns the base address of every mapped page in ascending order.
func (m *SparseMemory) Pages() []uint32 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	res := make([]uint32, 0, len(m.pages))
	for pg := range m.pages {
		res = append(res, pg)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (m *SparseMemory) ReadAt(p []byte, addr uint32) (n int, err error) {
	if err = checkRange(addr, len(p)); err != nil {
		return
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for n < len(p) {
		cur := addr + uint32(n)
		pg, ok := m.pages[cur&^PAGE_MASK]
		off := cur & PAGE_MASK
		chunk := min(len(p)-n, int(PAGE_SIZE-off))
		if !ok {
			clear(p[n : n+chunk])
			if err == nil {
				err = fmt.Errorf("read %#08x: %w", cur, ErrUnmapped)
			}
		} else {
			copy(p[n:n+chunk], pg[off:])
		}
		n += chunk
	}
	return
}

func (m *SparseMemory) WriteAt(p []byte, addr uint32) (n int, err error) {
	if err = checkRange(addr, len(p)); err != nil {
		return
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for n < len(p) {
		cur := addr + uint32(n)
		base := cur &^ PAGE_MASK
		pg, ok := m.pages[base]
		if !ok {
			pg = new(page)
			m.pages[base] = pg
		}
		off := cur & PAGE_MASK
		n += copy(pg[off:], p[n:])
	}
	return
}

// ImageMemory exposes a flat byte image (a kernel dump) at a base address.
// Writes land in the image itself.
type ImageMemory struct {
	Base uint32
	Data []byte
}

func (m *ImageMemory) bounds(addr uint32, length int) (int, error) {
	if addr < m.Base || uint64(addr-m.Base)+uint64(length) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("%#08x+%#x outside image [%#08x, %#08x): %w",
			addr, length, m.Base, uint64(m.Base)+uint64(len(m.Data)), ErrUnmapped)
	}
	return int(addr - m.Base), nil
}

func (m *ImageMemory) ReadAt(p []byte, addr uint32) (int, error) {
	off, err := m.bounds(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.Data[off:]), nil
}

func (m *ImageMemory) WriteAt(p []byte, addr uint32) (int, error) {
	off, err := m.bounds(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.Data[off:], p), nil
}

// Overlay routes accesses to the first region containing the address and
// falls back to Rest.
type Overlay struct {
	Regions []*ImageMemory
	Rest    Memory
}

func (o *Overlay) pick(addr uint32, length int) Memory {
	for _, r := range o.Regions {
		if _, err := r.bounds(addr, length); err == nil {
			return r
		}
	}
	return o.Rest
}

func (o *Overlay) ReadAt(p []byte, addr uint32) (int, error) {
	return o.pick(addr, len(p)).ReadAt(p, addr)
}

func (o *Overlay) WriteAt(p []byte, addr uint32) (int, error) {
	return o.pick(addr, len(p)).WriteAt(p, addr)
}

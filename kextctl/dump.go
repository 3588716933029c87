package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/LumaTeam/Luma3DS-sub000/kext"
	"github.com/apex/log"
)

var ErrNoDump = errors.New("no -dump given")

// dumpSpec is one memory image and the virtual address of its first byte.
type dumpSpec struct {
	path string
	addr uint32
}

// dumpList collects repeated -dump path[@addr] flags. The first dump
// defaults to the start of the kernel text, later ones must name their
// address.
type dumpList []dumpSpec

func (l *dumpList) String() string {
	parts := make([]string, len(*l))
	for i, d := range *l {
		parts[i] = fmt.Sprintf("%s@%#08x", d.path, d.addr)
	}
	return strings.Join(parts, ",")
}

func (l *dumpList) Set(v string) error {
	d := dumpSpec{path: v}
	if i := strings.LastIndexByte(v, '@'); i != -1 {
		addr, err := strconv.ParseUint(v[i+1:], 0, 32)
		if err != nil {
			return fmt.Errorf("dump address %q: %w", v[i+1:], err)
		}
		d.path, d.addr = v[:i], uint32(addr)
	} else if len(*l) == 0 {
		d.addr = kext.KERNEL_TEXT_START
	} else {
		return fmt.Errorf("%s: only the first dump may omit its address", v)
	}
	if d.path == "" {
		return errors.New("empty dump path")
	}
	*l = append(*l, d)
	return nil
}

// dumpFlags are shared by every command working on a kernel dump.
type dumpFlags struct {
	dumps   dumpList
	n3ds    bool
	version string
}

func (d *dumpFlags) register(fs *flag.FlagSet) {
	fs.Var(&d.dumps, "dump", "memory `image`, as path[@address]; repeatable")
	fs.BoolVar(&d.n3ds, "n3ds", false, "the dump comes from a New 3DS")
	fs.StringVar(&d.version, "version", "2.50-0", "kernel `version` as major.minor-revision")
}

func (d *dumpFlags) layout() (kext.Layout, error) {
	var major, minor, rev uint8
	if _, err := fmt.Sscanf(d.version, "%d.%d-%d", &major, &minor, &rev); err != nil {
		return kext.Layout{}, fmt.Errorf("kernel version %q: %w", d.version, err)
	}
	model := kext.MODEL_O3DS
	if d.n3ds {
		model = kext.MODEL_N3DS
	}
	return kext.GetLayout(model, kext.SystemVersion(major, minor, rev))
}

// open maps every dump into one address space. Writes stay in memory.
func (d *dumpFlags) open() (*kext.Overlay, func(), error) {
	if len(d.dumps) == 0 {
		return nil, nil, ErrNoDump
	}
	mem := &kext.Overlay{Rest: kext.NewSparseMemory()}
	var releases []func() error
	release := func() {
		for _, r := range releases {
			if err := r(); err != nil {
				log.WithError(err).Warn("unmap dump")
			}
		}
	}
	for _, spec := range d.dumps {
		data, unmap, err := mapFile(spec.path)
		if err != nil {
			release()
			return nil, nil, err
		}
		releases = append(releases, unmap)
		if uint64(spec.addr)+uint64(len(data)) > 1<<32 {
			release()
			return nil, nil, fmt.Errorf("%s: %#x bytes do not fit at %#08x", spec.path, len(data), spec.addr)
		}
		mem.Regions = append(mem.Regions, &kext.ImageMemory{Base: spec.addr, Data: data})
		log.WithFields(log.Fields{
			"path": spec.path,
			"addr": fmt.Sprintf("%#08x", spec.addr),
			"size": len(data),
		}).Debug("dump mapped")
	}
	return mem, release, nil
}

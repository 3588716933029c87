package main

import (
	"flag"
	"fmt"
	"image/color"
	"os"

	"github.com/LumaTeam/Luma3DS-sub000/kext"
	"github.com/apex/log"
	"github.com/fogleman/gg"
)

// One cell per megabyte, one pixel per page inside it.
const (
	mapCellsPerRow = 32
	mapCellSize    = 16
	mapSize        = mapCellsPerRow * mapCellSize
	mapLegendSize  = 24
)

var (
	permFault  = color.RGBA{0x10, 0x10, 0x10, 0xFF}
	permKernel = color.RGBA{0x40, 0x40, 0x40, 0xFF}
	permColors = map[uint32]color.RGBA{
		kext.MEMPERM_READ: {0x90, 0x90, 0x90, 0xFF},
		kext.MEMPERM_RW:   {0x30, 0xB0, 0x40, 0xFF},
		kext.MEMPERM_RX:   {0x30, 0x70, 0xE0, 0xFF},
		kext.MEMPERM_RWX:  {0xE0, 0x30, 0x30, 0xFF},
	}
	legend = []struct {
		label string
		perm  uint32
	}{
		{"R", kext.MEMPERM_READ},
		{"RW", kext.MEMPERM_RW},
		{"RX", kext.MEMPERM_RX},
		{"RWX", kext.MEMPERM_RWX},
	}
)

func permColor(perm uint32) color.RGBA {
	if c, ok := permColors[perm&kext.MEMPERM_RWX]; ok {
		return c
	}
	return permKernel
}

// pagePoint is the top left pixel of the page at va.
func pagePoint(va uint32) (float64, float64) {
	mb := va >> 20
	page := (va >> 12) & 0xFF
	x := (mb%mapCellsPerRow)*mapCellSize + page%mapCellSize
	y := (mb/mapCellsPerRow)*mapCellSize + page/mapCellSize
	return float64(x), float64(y)
}

// renderMmuMap draws every mapping of a translation table. Unmapped
// memory stays dark, mappings user mode cannot reach are grey.
func renderMmuMap(mappings []kext.Mapping) *gg.Context {
	dc := gg.NewContext(mapSize, mapSize+mapLegendSize)
	dc.SetColor(permFault)
	dc.Clear()

	for _, m := range mappings {
		dc.SetColor(permColor(m.Perm))
		if m.Size >= kext.SECTION_SIZE {
			for off := uint32(0); off < m.Size; off += kext.SECTION_SIZE {
				x, y := pagePoint(m.VA + off)
				dc.DrawRectangle(x, y, mapCellSize, mapCellSize)
			}
		} else {
			for off := uint32(0); off < m.Size; off += kext.SMALL_PAGE_SIZE {
				x, y := pagePoint(m.VA + off)
				dc.DrawRectangle(x, y, 1, 1)
			}
		}
		dc.Fill()
	}

	dc.SetRGBA(1, 1, 1, 0.08)
	dc.SetLineWidth(1)
	for i := 0; i <= mapCellsPerRow; i++ {
		p := float64(i * mapCellSize)
		dc.DrawLine(p, 0, p, mapSize)
		dc.DrawLine(0, p, mapSize, p)
	}
	dc.Stroke()

	x := 4.0
	for _, l := range legend {
		dc.SetColor(permColor(l.perm))
		dc.DrawRectangle(x, mapSize+6, 12, 12)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(l.label, x+16, mapSize+12, 0, 0.5)
		x += 64
	}
	return dc
}

func runMmuMap(args []string) error {
	fs := flag.NewFlagSet("mmumap", flag.ExitOnError)
	var d dumpFlags
	d.register(fs)
	table := fs.Uint64("table", 0, "virtual address of the L1 translation `table`")
	out := fs.String("o", "mmumap.png", "output `file`")
	fs.Parse(args)
	if *table == 0 {
		return fmt.Errorf("mmumap: -table is required")
	}

	layout, err := d.layout()
	if err != nil {
		return err
	}
	mem, release, err := d.open()
	if err != nil {
		return err
	}
	defer release()

	pt := kext.PageTable{Mem: mem, Base: uint32(*table), Layout: &layout}
	mappings, err := pt.Mappings()
	if err != nil {
		// The mappings read so far are still worth drawing.
		log.WithError(err).Warn("translation table partially read")
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err = renderMmuMap(mappings).EncodePNG(f); err != nil {
		f.Close()
		return err
	}
	log.WithFields(log.Fields{"mappings": len(mappings), "file": *out}).Info("map written")
	return f.Close()
}

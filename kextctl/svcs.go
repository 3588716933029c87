package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/LumaTeam/Luma3DS-sub000/kext"
)

// printSvcs lists the official table next to the calls the extension
// takes over. Ids neither the kernel nor the extension serve are skipped
// unless all is set.
func printSvcs(w io.Writer, official []uint32, all bool) {
	overrides := kext.OverriddenSVCs()
	for id := 0; id < kext.SVC_TABLE_SIZE; id++ {
		var addr uint32
		if id < len(official) {
			addr = official[id]
		}
		name, ok := overrides[id]
		if addr == 0 && !ok && !all {
			continue
		}
		where := colorAddr("%#08x", addr)
		if addr == 0 {
			where = colorAddr("%-10s", "-")
		}
		switch {
		case ok && addr == 0:
			fmt.Fprintf(w, "%#02x  %s  %s\n", id, where, colorNew(name))
		case ok:
			fmt.Fprintf(w, "%#02x  %s  %s\n", id, where, colorOverride(name))
		default:
			fmt.Fprintf(w, "%#02x  %s\n", id, where)
		}
	}
}

func runSvcs(args []string) error {
	fs := flag.NewFlagSet("svcs", flag.ExitOnError)
	var r resolveFlags
	r.register(fs)
	all := fs.Bool("all", false, "list unused ids too")
	fs.Parse(args)

	syms, mem, release, err := r.resolve()
	if err != nil {
		return err
	}
	defer release()
	official, err := kext.ReadWords(mem, syms.SvcTable, kext.NUM_OFFICIAL_SVCS)
	if err != nil {
		return fmt.Errorf("svc table at %#08x: %w", syms.SvcTable, err)
	}
	fmt.Printf("svc table at %s, handler %s\n", colorAddr("%#08x", syms.SvcTable), colorAddr("%#08x", syms.SvcHandler))
	printSvcs(os.Stdout, official, *all)
	return nil
}

package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/LumaTeam/Luma3DS-sub000/kext"
	"github.com/fatih/color"
)

var (
	colorAddr     = color.New(color.Faint).SprintfFunc()
	colorSymbol   = color.New(color.FgHiCyan).SprintFunc()
	colorInstr    = color.New(color.FgHiBlack).SprintFunc()
	colorOverride = color.New(color.Bold, color.FgYellow).SprintFunc()
	colorNew      = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorErr      = color.New(color.FgRed).SprintFunc()
)

// resolveFlags locate the kernel text and vectors inside the dumps.
type resolveFlags struct {
	dumpFlags
	textStart uint64
	textEnd   uint64
	vectors   uint64
}

func (r *resolveFlags) register(fs *flag.FlagSet) {
	r.dumpFlags.register(fs)
	fs.Uint64Var(&r.textStart, "text", kext.KERNEL_TEXT_START, "start of the kernel text")
	fs.Uint64Var(&r.textEnd, "text-end", kext.KERNEL_TEXT_END, "end of the kernel text")
	fs.Uint64Var(&r.vectors, "vectors", kext.VECTORS_BASE, "address of the exception vectors")
}

func (r *resolveFlags) resolve() (*kext.Symbols, kext.Memory, func(), error) {
	mem, release, err := r.open()
	if err != nil {
		return nil, nil, nil, err
	}
	region := kext.Region{Start: uint32(r.textStart), End: uint32(r.textEnd)}
	syms, err := kext.ResolveSymbols(mem, region, uint32(r.vectors))
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return syms, mem, release, nil
}

func printSymbols(w io.Writer, mem kext.Memory, syms *kext.Symbols) {
	for _, s := range syms.List() {
		instr := ""
		if word, err := kext.Read32(mem, s.Addr); err == nil {
			instr = kext.Disassemble(s.Addr, word)
		}
		fmt.Fprintf(w, "%s  %-40s %s\n", colorAddr("%#08x", s.Addr), colorSymbol(s.Name), colorInstr(instr))
	}
}

func runSyms(args []string) error {
	fs := flag.NewFlagSet("syms", flag.ExitOnError)
	var r resolveFlags
	r.register(fs)
	fs.Parse(args)

	syms, mem, release, err := r.resolve()
	if err != nil {
		return err
	}
	defer release()
	printSymbols(os.Stdout, mem, syms)
	return nil
}

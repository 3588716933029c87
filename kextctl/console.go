package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/LumaTeam/Luma3DS-sub000/kext"
	"github.com/mattn/go-tty"
)

var errQuit = errors.New("quit")

// console runs inspection commands against a memory image.
type console struct {
	mem    kext.Memory
	layout kext.Layout
	out    io.Writer
}

type consoleCmd struct {
	args  string
	help  string
	nargs int
	run   func(c *console, args []uint32) error
}

var consoleCmds map[string]consoleCmd

func init() {
	consoleCmds = map[string]consoleCmd{
		"r":    {"addr [count]", "read words", 1, (*console).read},
		"w":    {"addr value", "write a word", 2, (*console).write},
		"dis":  {"addr [count]", "disassemble", 1, (*console).disassemble},
		"b":    {"from to", "encode a branch", 2, (*console).branch},
		"find": {"start end word...", "scan for a word sequence", 3, (*console).find},
		"perm": {"table va", "user permissions of va", 2, (*console).perm},
		"help": {"", "list commands", 0, (*console).help},
	}
}

func parseWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a 32-bit value", s)
	}
	return uint32(v), nil
}

// exec runs one command line.
func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if fields[0] == "q" || fields[0] == "quit" {
		return errQuit
	}
	cmd, ok := consoleCmds[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	if len(fields)-1 < cmd.nargs {
		return fmt.Errorf("usage: %s %s", fields[0], cmd.args)
	}
	args := make([]uint32, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := parseWord(f)
		if err != nil {
			return err
		}
		args = append(args, v)
	}
	return cmd.run(c, args)
}

func count(args []uint32, i int) int {
	if len(args) > i && args[i] > 0 {
		return int(min(args[i], 0x100))
	}
	return 1
}

func (c *console) read(args []uint32) error {
	words, err := kext.ReadWords(c.mem, args[0], count(args, 1))
	if err != nil {
		return err
	}
	for i, w := range words {
		if i%4 == 0 {
			if i != 0 {
				fmt.Fprintln(c.out)
			}
			fmt.Fprintf(c.out, "%s:", colorAddr("%#08x", args[0]+uint32(i)*4))
		}
		fmt.Fprintf(c.out, " %08x", w)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *console) write(args []uint32) error {
	old, err := kext.Read32(c.mem, args[0])
	if err != nil {
		return err
	}
	if err = kext.Write32(c.mem, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %08x -> %08x\n", colorAddr("%#08x", args[0]), old, args[1])
	return nil
}

func (c *console) disassemble(args []uint32) error {
	words, err := kext.ReadWords(c.mem, args[0], count(args, 1))
	if err != nil {
		return err
	}
	for i, w := range words {
		addr := args[0] + uint32(i)*4
		fmt.Fprintf(c.out, "%s  %08x  %s\n", colorAddr("%#08x", addr), w, kext.Disassemble(addr, w))
	}
	return nil
}

func (c *console) branch(args []uint32) error {
	from, to := args[0], args[1]
	if !kext.BranchInRange(from, to) {
		return fmt.Errorf("%#08x is out of branch range of %#08x", to, from)
	}
	word := kext.EncodeBranch(from, to, false)
	fmt.Fprintf(c.out, "%08x  %s\n", word, kext.Disassemble(from, word))
	return nil
}

func (c *console) find(args []uint32) error {
	addr, err := kext.Scanner{Mem: c.mem}.Find(args[0], args[1], args[2:], nil, 4)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\n", colorAddr("%#08x", addr))
	return nil
}

func (c *console) perm(args []uint32) error {
	pt := kext.PageTable{Mem: c.mem, Base: args[0], Layout: &c.layout}
	perm := pt.GetAddressUserPerm(args[1])
	var s strings.Builder
	for _, p := range []struct {
		bit uint32
		c   byte
	}{{kext.MEMPERM_READ, 'r'}, {kext.MEMPERM_WRITE, 'w'}, {kext.MEMPERM_EXECUTE, 'x'}} {
		if perm&p.bit != 0 {
			s.WriteByte(p.c)
		} else {
			s.WriteByte('-')
		}
	}
	fmt.Fprintf(c.out, "%s  %s\n", colorAddr("%#08x", args[1]), s.String())
	return nil
}

func (c *console) help([]uint32) error {
	for _, name := range []string{"r", "w", "dis", "b", "find", "perm", "help"} {
		cmd := consoleCmds[name]
		fmt.Fprintf(c.out, "  %-5s %-18s %s\n", name, cmd.args, cmd.help)
	}
	fmt.Fprintf(c.out, "  %-5s %-18s %s\n", "q", "", "quit")
	return nil
}

func runConsole(args []string) error {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	var d dumpFlags
	d.register(fs)
	fs.Parse(args)

	layout, err := d.layout()
	if err != nil {
		return err
	}
	mem, release, err := d.open()
	if err != nil {
		return err
	}
	defer release()

	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()
	c := &console{mem: mem, layout: layout, out: t.Output()}
	for {
		fmt.Fprint(c.out, "kext> ")
		line, err := t.ReadString()
		if err != nil {
			return err
		}
		switch err = c.exec(line); {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintln(c.out, colorErr(err))
		}
	}
}

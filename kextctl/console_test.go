package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/LumaTeam/Luma3DS-sub000/kext"
	"github.com/fatih/color"
)

func init() {
	color.NoColor = true
}

func newTestConsole(t *testing.T) (*console, *kext.SparseMemory, *bytes.Buffer) {
	t.Helper()
	mem := kext.NewSparseMemory()
	if err := kext.WriteWords(mem, 0xFFF00000, 0xE3A00001, 0xE12FFF1E, 0xEAFFFFFE, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	layout, err := kext.GetLayout(kext.MODEL_O3DS, kext.SystemVersion(2, 50, 0))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	return &console{mem: mem, layout: layout, out: &out}, mem, &out
}

func TestConsole(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"r 0xFFF00000 2", "0xfff00000: e3a00001 e12fff1e\n"},
		{"r 0xFFF00000 5", "0xfff00000: e3a00001 e12fff1e eafffffe deadbeef\n0xfff00010: 00000000\n"},
		{"dis 0xFFF00008", "0xfff00008  eafffffe  "},
		{"find 0xFFF00000 0xFFF00010 0xEAFFFFFE 0xDEADBEEF", "0xfff00008\n"},
		{"w 0xFFF0000C 0", "0xfff0000c: deadbeef -> 00000000\n"},
		{"b 0xFFF00000 0xFFF00100", "ea00003e"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, _, out := newTestConsole(t)
			if err := c.exec(tt.line); err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(out.String(), tt.want) {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestConsoleDisassemblesBranchTargets(t *testing.T) {
	c, _, out := newTestConsole(t)
	if err := c.exec("dis 0xFFF00008"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.String(), "; -> 0xfff00008\n") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsolePerm(t *testing.T) {
	c, mem, out := newTestConsole(t)
	const table = 0xFFF10000
	attrs := kext.PageAttrs{AP: 3, XN: true}
	if err := kext.Write32(mem, table+0x080*4, uint32(kext.MakeSection(0x20000000, attrs))); err != nil {
		t.Fatal(err)
	}
	if err := c.exec("perm 0xFFF10000 0x08000123"); err != nil {
		t.Fatal(err)
	}
	if err := c.exec("perm 0xFFF10000 0x09000000"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "0x08000123  rw-\n0x09000000  ---\n" {
		t.Errorf("output = %q", got)
	}
}

func TestConsoleErrors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"bogus", "unknown command"},
		{"r", "usage: r"},
		{"r banana", "not a 32-bit value"},
		{"b 0 0x10000000", "out of branch range"},
		{"find 0xFFF00000 0xFFF00010 0x12345678", "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, _, _ := newTestConsole(t)
			err := c.exec(tt.line)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("exec(%q) = %v, want %q", tt.line, err, tt.want)
			}
		})
	}
	c, _, _ := newTestConsole(t)
	if err := c.exec("quit"); !errors.Is(err, errQuit) {
		t.Errorf("quit = %v", err)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"syms", "resolve the kernel symbols of a dump", runSyms},
	{"svcs", "list the svc table of a dump and the calls the extension serves", runSvcs},
	{"mmumap", "render the user permissions of a translation table as a PNG", runMmuMap},
	{"console", "inspect and patch a dump interactively", runConsole},
}

func init() {
	log.SetHandler(cli.Default)
	log.SetLevel(log.InfoLevel)
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: kextctl [-v] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(flag.CommandLine.Output())
	flag.PrintDefaults()
}

func main() {
	verbose := flag.Bool("v", false, "log every symbol and patch")
	flag.Usage = usage
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(flag.Args()[1:]); err != nil {
			log.WithError(err).Fatal(name)
		}
		return
	}
	log.Errorf("unknown command %q", name)
	usage()
	os.Exit(2)
}

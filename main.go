// Command rbpfvm loads a program container and either runs it or prints
// its disassembly, mirroring the CLI split other small interpreters in
// this corpus use: one subcommand per verb, stdlib flag per subcommand,
// errors wrapped with context at the boundary before being logged.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/koenz/rbpfvm/rbpf"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("rbpfvm: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "dump":
		err = dumpCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rbpfvm run <program.bpf> [-ctx <file>] [-branches N] [-no-return]")
	fmt.Fprintln(os.Stderr, "       rbpfvm dump <program.bpf>")
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	ctxPath := fs.String("ctx", "", "path to a file bound as the argument/ctx region")
	branches := fs.Uint("branches", 1<<20, "branch budget before OUT_OF_BRANCHES")
	noReturn := fs.Bool("no-return", false, "skip the trailing-EXIT preflight requirement")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	path := fs.Arg(0)
	// Flags may also follow the program path, as in the usage line.
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		usage()
		os.Exit(2)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading program")
	}

	vm, err := rbpf.New(blob)
	if err != nil {
		return errors.Wrap(err, "loading program")
	}
	if *noReturn {
		vm.ForceNoReturn()
	}
	vm.SetBranchBudget(uint32(*branches))
	vm.Setup()

	if status := vm.Preflight(); !status.OK() {
		return errors.Errorf("preflight rejected program: %s", status)
	}

	var status rbpf.Status
	var result int64
	if *ctxPath != "" {
		ctx, err := os.ReadFile(*ctxPath)
		if err != nil {
			return errors.Wrap(err, "reading ctx file")
		}
		status, result = vm.ExecuteCtx(ctx)
	} else {
		status, result = vm.Execute()
	}

	fmt.Printf("status=%s result=%d\n", status, result)
	if !status.OK() {
		os.Exit(1)
	}
	return nil
}

func dumpCommand(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "reading program")
	}

	header, err := rbpf.ParseHeader(blob)
	if err != nil {
		return errors.Wrap(err, "parsing header")
	}
	fmt.Printf("version=%d flags=%#04x data=%dB rodata=%dB text=%dB functions=%d\n",
		header.Version, header.Flags, header.DataLen, header.RodataLen, header.TextLen, header.FunctionsCount)

	instrs, err := rbpf.Instructions(blob)
	if err != nil {
		return errors.Wrap(err, "decoding text section")
	}
	for i, instr := range instrs {
		fmt.Printf("%4d: %s\n", i, instr)
	}
	return nil
}

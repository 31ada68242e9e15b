package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/kern-lang/kern/kern/config"
)

// runInteractive is the line-oriented REPL spec §6's --interactive
// names. Each line is one of:
//
//	load <brain>     deserialize and run the named KAST file
//	explain          print the last run's rule trace
//	quit             exit
//
// There is no textual KERN surface syntax (spec.md §1 treats the
// lexer/parser as an external collaborator), so the REPL drives
// already-compiled brains rather than accepting KERN source lines.
func runInteractive(in io.Reader, out io.Writer, cfg *config.Config, debug bool) error {
	scanner := bufio.NewScanner(in)
	var last runResult
	haveRun := false
	runCount := 0

	fmt.Fprintln(out, "kern interactive mode. commands: load <brain>, explain, quit")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "explain":
			if !haveRun {
				fmt.Fprintln(out, "no run yet")
				continue
			}
			fmt.Fprint(out, explainTrace(last))
		case "load":
			if len(fields) < 2 {
				fmt.Fprintln(out, "usage: load <brain>")
				continue
			}
			runCount++
			p, err := buildPipeline(fields[1], cfg, fmt.Sprintf("interactive-%d", runCount), debug)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			last = p.run()
			haveRun = true
			if last.err != nil {
				fmt.Fprintln(out, "run failed:", last.err)
			} else {
				fmt.Fprintln(out, "run completed")
			}
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
	}
}

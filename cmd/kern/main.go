// Command kern is the non-core CLI surface spec.md §6 specifies: load
// a compiled brain and run it, batch a list of brains, or drive one
// interactively. The pipeline itself (AST -> execution graph -> rule
// engine) is the core this binary wires together, not reimplements.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kern-lang/kern/kern/config"
	"github.com/spf13/cobra"
)

// Exit codes fixed by spec §6.
const (
	exitSuccess  = 0
	exitUsage    = 1
	exitPipeline = 2
)

var (
	flagInteractive bool
	flagBatch       string
	flagLoad        string
	flagLanguage    string
	flagDebug       bool
	flagExplain     bool
	flagConfig      string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if ue, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, "kern:", ue.err)
			return exitUsage
		}
		fmt.Fprintln(os.Stderr, "kern:", err)
		return exitPipeline
	}
	return exitSuccess
}

// wrapBuildError maps a buildPipeline error to spec §6's exit-code
// classes: pipelineError (graph build / bytecode compile) stays as is
// so run() exits 2; anything else (file read, KAST decode) is file-I/O
// class and is wrapped as usageError so run() exits 1.
func wrapBuildError(err error) error {
	var pe pipelineError
	if errors.As(err, &pe) {
		return err
	}
	return usageError{err}
}

// usageError marks an error as spec §6's exit code 1 ("invalid
// arguments or file I/O error") rather than code 2 ("pipeline
// failure").
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kern",
		Short:         "Run compiled KERN rule programs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}

	cmd.Flags().BoolVar(&flagInteractive, "interactive", false, "start a line-oriented REPL")
	cmd.Flags().StringVar(&flagBatch, "batch", "", "run a YAML or JSON list of tasks")
	cmd.Flags().StringVar(&flagLoad, "load", "", "load and run a single compiled brain (KAST file)")
	cmd.Flags().StringVar(&flagLanguage, "language", "go", "target language; only \"go\" is implemented here")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "emit structured logs to stderr")
	cmd.Flags().BoolVar(&flagExplain, "explain", false, "print a rule-firing trace after each run")
	cmd.Flags().StringVar(&flagConfig, "config", "", "path to a kern/config YAML file")

	return cmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	if flagLanguage != "go" {
		return usageError{fmt.Errorf("--language %q is accepted for interface compatibility but only \"go\" is implemented", flagLanguage)}
	}

	modes := 0
	for _, set := range []bool{flagInteractive, flagBatch != "", flagLoad != ""} {
		if set {
			modes++
		}
	}
	if modes == 0 {
		return usageError{fmt.Errorf("one of --interactive, --batch, or --load is required")}
	}
	if modes > 1 {
		return usageError{fmt.Errorf("--interactive, --batch, and --load are mutually exclusive")}
	}

	var cfg *config.Config
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return usageError{err}
		}
		cfg = loaded
	}

	switch {
	case flagInteractive:
		if err := runInteractive(os.Stdin, os.Stdout, cfg, flagDebug); err != nil {
			return usageError{err}
		}
		return nil

	case flagBatch != "":
		bf, err := loadBatchFile(flagBatch)
		if err != nil {
			return usageError{err}
		}
		return runBatch(bf, cfg, flagDebug, flagExplain)

	default: // flagLoad != ""
		p, err := buildPipeline(flagLoad, cfg, "load", flagDebug)
		if err != nil {
			return wrapBuildError(err)
		}
		result := p.run()
		if flagExplain {
			fmt.Fprint(os.Stdout, explainTrace(result))
		}
		return result.err
	}
}

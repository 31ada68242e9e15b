package main

import (
	"fmt"
	"os"

	"github.com/kern-lang/kern/kern/ast"
	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/config"
	"github.com/kern-lang/kern/kern/emit"
	"github.com/kern-lang/kern/kern/ir"
	"github.com/kern-lang/kern/kern/ruleengine"
)

// pipeline holds everything one run of the engine needs: the execution
// graph the engine runs, its compiled bytecode Module (kept for callers
// that persist it), the engine, and the observability backends wired
// from --debug/--config.
type pipeline struct {
	graph    *ir.ExecutionGraph
	module   *bytecode.Module
	engine   *ruleengine.Engine
	emitter  emit.Emitter
	runID    string
}

// pipelineError marks an error as spec §6's exit code 2 ("pipeline
// failure (parser/semantic/VM)"), as opposed to the exit-code-1
// file-I/O errors buildPipeline can also return.
type pipelineError struct{ err error }

func (p pipelineError) Error() string { return p.err.Error() }
func (p pipelineError) Unwrap() error { return p.err }

// buildPipeline loads a KAST-encoded Program from brainPath, lowers it
// to an execution graph, compiles it to bytecode (kept for callers
// that persist it via kern/store), and constructs an Engine configured
// from cfg. cfg may be nil, in which case engine defaults and a null
// emitter are used.
//
// Errors reading or decoding brainPath are plain errors (spec §6 exit
// code 1, file I/O); errors building or compiling the graph are
// wrapped in pipelineError (exit code 2, pipeline failure).
func buildPipeline(brainPath string, cfg *config.Config, runID string, debug bool) (*pipeline, error) {
	data, err := os.ReadFile(brainPath)
	if err != nil {
		return nil, fmt.Errorf("read brain file: %w", err)
	}

	prog, err := ast.DeserializeAST(data)
	if err != nil {
		return nil, fmt.Errorf("decode KAST: %w", err)
	}

	graph, err := ir.Build(prog)
	if err != nil {
		return nil, pipelineError{fmt.Errorf("build execution graph: %w", err)}
	}

	module, err := bytecode.Compile(graph)
	if err != nil {
		return nil, pipelineError{fmt.Errorf("compile bytecode: %w", err)}
	}

	engine := ruleengine.NewEngine()

	var emitter emit.Emitter = emit.NewNullEmitter()
	if cfg != nil {
		emitter = cfg.Emitter()
		engine.SetPriorityStrategy(cfg.PriorityStrategy())
		if reg, err := cfg.CapabilityRegistry(); err == nil {
			engine.Capabilities = newRegistryInvoker(reg)
		}
	}
	if debug {
		emitter = emit.NewLogEmitter(os.Stderr, false)
	}

	return &pipeline{
		graph:   graph,
		module:  module,
		engine:  engine,
		emitter: emitter,
		runID:   runID,
	}, nil
}

// runResult is what explain/batch output is built from.
type runResult struct {
	err         error
	ruleResults map[string]bool
}

func (p *pipeline) run() runResult {
	p.emitter.Emit(emit.Event{RunID: p.runID, Msg: "run started"})

	err := p.engine.ExecuteGraph(p.graph)

	meta := map[string]interface{}{"step_count": p.engine.StepCount}
	if err != nil {
		meta["error"] = err.Error()
		p.emitter.Emit(emit.Event{RunID: p.runID, Msg: "run failed", Meta: meta})
	} else {
		p.emitter.Emit(emit.Event{RunID: p.runID, Msg: "run completed", Meta: meta})
	}

	return runResult{err: err, ruleResults: p.engine.Context.RuleResults}
}

// explainTrace renders the final per-rule fired/not-fired results the
// way --explain dumps a trace of the run (spec §6's "--explain").
func explainTrace(result runResult) string {
	out := "rule trace:\n"
	for name, fired := range result.ruleResults {
		out += fmt.Sprintf("  %s: fired=%t\n", name, fired)
	}
	return out
}

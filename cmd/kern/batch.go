package main

import (
	"fmt"
	"os"

	"github.com/kern-lang/kern/kern/config"
	"gopkg.in/yaml.v3"
)

// batchTask is one entry in a --batch file: a brain to load and run,
// optionally overriding the globally loaded config.
type batchTask struct {
	Name       string `yaml:"name" json:"name"`
	Brain      string `yaml:"brain" json:"brain"`
	ConfigPath string `yaml:"config" json:"config"`
}

// batchFile is the YAML or JSON document --batch <file> reads: a named
// list of tasks run in order, stopping at the first failure.
type batchFile struct {
	Tasks []batchTask `yaml:"tasks" json:"tasks"`
}

func loadBatchFile(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var bf batchFile
	// yaml.Unmarshal also accepts well-formed JSON, since JSON is a
	// YAML subset; one decoder covers both formats the CLI surface
	// promises (spec §6: "YAML or JSON list of tasks").
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	return &bf, nil
}

// runBatch executes every task in order, sharing baseCfg unless a task
// names its own config file. It stops and returns the first task
// error, matching spec §6's exit-code-2 "pipeline failure" behavior.
func runBatch(bf *batchFile, baseCfg *config.Config, debug, explain bool) error {
	for _, task := range bf.Tasks {
		cfg := baseCfg
		if task.ConfigPath != "" {
			loaded, err := config.Load(task.ConfigPath)
			if err != nil {
				return fmt.Errorf("task %q: %w", task.Name, err)
			}
			cfg = loaded
		}

		p, err := buildPipeline(task.Brain, cfg, task.Name, debug)
		if err != nil {
			return fmt.Errorf("task %q: %w", task.Name, err)
		}

		result := p.run()
		if explain {
			fmt.Fprintf(os.Stdout, "== task %s ==\n%s", task.Name, explainTrace(result))
		}
		if result.err != nil {
			return fmt.Errorf("task %q: %w", task.Name, result.err)
		}
	}
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentmon/internal/scheduler"
)

// PipelineFile is a YAML pipeline manifest. Tasks may be listed flat, each
// with its own order, or grouped into stages where the stage index becomes
// the order of every task inside it.
//
//	stages:
//	  - tasks:
//	      - name: schema
//	        prompt: Design the schema
//	  - tasks:
//	      - name: api
//	        prompt: Build the API
//	        provider: codex
type PipelineFile struct {
	Tasks  []scheduler.NewTask `yaml:"tasks,omitempty"`
	Stages []PipelineStage     `yaml:"stages,omitempty"`
}

// PipelineStage groups tasks that start together.
type PipelineStage struct {
	Tasks []scheduler.NewTask `yaml:"tasks"`
}

// LoadPipelineFile reads a manifest and returns its tasks in file order.
func LoadPipelineFile(path string) ([]scheduler.NewTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	tasks, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return tasks, nil
}

// ParsePipeline decodes a manifest. Unknown keys are rejected so typos
// don't silently drop settings.
func ParsePipeline(data []byte) ([]scheduler.NewTask, error) {
	var file PipelineFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if len(file.Tasks) > 0 && len(file.Stages) > 0 {
		return nil, errors.New("manifest may use tasks or stages, not both")
	}

	tasks := file.Tasks
	for i, stage := range file.Stages {
		for _, t := range stage.Tasks {
			if t.Order != nil && *t.Order != i {
				return nil, fmt.Errorf("task %q sets order %d inside stage %d", t.Name, *t.Order, i)
			}
			order := i
			t.Order = &order
			tasks = append(tasks, t)
		}
	}

	if len(tasks) == 0 {
		return nil, errors.New("manifest has no tasks")
	}
	for i, t := range tasks {
		if t.Name == "" || t.Prompt == "" {
			return nil, fmt.Errorf("task %d: name and prompt are required", i+1)
		}
	}
	return tasks, nil
}

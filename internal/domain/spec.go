package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineSpec is an ordered stage list plus gate placements. It is
// immutable once a run has started (the run stores its own copy).
type PipelineSpec struct {
	Name   string      `json:"name" yaml:"name"`
	Stages []StageSpec `json:"stages" yaml:"stages"`
	Gates  []GateSpec  `json:"gates,omitempty" yaml:"gates,omitempty"`
}

// StageSpec declares one unit of work in the pipeline.
type StageSpec struct {
	Name    string `json:"name" yaml:"name"`
	Handler string `json:"handler" yaml:"handler"`
	// Provider names the external job provider the handler submits to.
	// Empty for stages that complete synchronously.
	Provider    string `json:"provider,omitempty" yaml:"provider,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// BackoffMs is the base retry delay, doubled per attempt.
	BackoffMs int `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
}

// GateSpec places an approval gate after the named stage.
type GateSpec struct {
	Name  string   `json:"name" yaml:"name"`
	After string   `json:"after" yaml:"after"`
	Mode  GateMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	// TimeoutMs bounds the human-decision window for soft gates.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoffMs   = 1000
)

// Validate checks the spec is non-empty and that gate placements reference
// existing stage boundaries. Violations wrap ErrInvalidSpec.
func (p *PipelineSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidSpec)
	}

	stageNames := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidSpec, i)
		}
		if st.Handler == "" {
			return fmt.Errorf("%w: stage %q has no handler", ErrInvalidSpec, st.Name)
		}
		if stageNames[st.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidSpec, st.Name)
		}
		stageNames[st.Name] = true
	}

	gateBoundaries := make(map[string]bool, len(p.Gates))
	for _, g := range p.Gates {
		if g.Name == "" {
			return fmt.Errorf("%w: gate after %q has no name", ErrInvalidSpec, g.After)
		}
		if !stageNames[g.After] {
			return fmt.Errorf("%w: gate %q references unknown stage %q", ErrInvalidSpec, g.Name, g.After)
		}
		if gateBoundaries[g.After] {
			return fmt.Errorf("%w: multiple gates after stage %q", ErrInvalidSpec, g.After)
		}
		gateBoundaries[g.After] = true
		switch g.Mode {
		case GateModeHard, GateModeSoft, GateModePolicy, "":
		default:
			return fmt.Errorf("%w: gate %q has unknown mode %q", ErrInvalidSpec, g.Name, g.Mode)
		}
		if g.Mode == GateModeSoft && g.TimeoutMs <= 0 {
			return fmt.Errorf("%w: soft gate %q requires timeout_ms", ErrInvalidSpec, g.Name)
		}
	}
	return nil
}

// GateAfter returns the gate placed after the named stage, if any.
func (p *PipelineSpec) GateAfter(stageName string) *GateSpec {
	for i := range p.Gates {
		if p.Gates[i].After == stageName {
			return &p.Gates[i]
		}
	}
	return nil
}

// StageAttempts returns the retry budget for a stage, applying defaults.
func (s *StageSpec) StageAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Backoff returns the base retry delay in milliseconds, applying defaults.
func (s *StageSpec) Backoff() int {
	if s.BackoffMs > 0 {
		return s.BackoffMs
	}
	return DefaultBackoffMs
}

// LoadSpecDir parses every .yaml/.yml file in dir as a PipelineSpec,
// keyed by spec name. Invalid specs fail the load; a missing dir is not an
// error so the orchestrator can run on inline specs alone.
func LoadSpecDir(dir string) (map[string]*PipelineSpec, error) {
	specs := make(map[string]*PipelineSpec)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return specs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spec dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read spec %s: %w", entry.Name(), err)
		}
		var spec PipelineSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse spec %s: %w", entry.Name(), err)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("spec %s: %w", entry.Name(), err)
		}
		if _, ok := specs[spec.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate spec name %q", ErrInvalidSpec, spec.Name)
		}
		specs[spec.Name] = &spec
	}
	return specs, nil
}

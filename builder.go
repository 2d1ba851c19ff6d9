package debtflow

import (
	"fmt"
)

// PipelineBuilder provides a fluent API for defining custom stage tables:
//
//	p, err := debtflow.NewPipeline().
//	    Stage("Render", "render", "render-done", nil).
//	    Stage("RenderDone", "render-done", "archive", api.SetDocumentHash(api.RandomHash)).
//	    Terminal("Archive", "archive", nil).Require(api.RequireDocument).
//	    Build()
//
// Build validates that the stages form a single chain.
type PipelineBuilder struct {
	stages []StageDefinition
}

// NewPipeline creates an empty builder.
func NewPipeline() *PipelineBuilder {
	return &PipelineBuilder{}
}

// Stage appends a stage that consumes input and publishes to output.
// effect may be nil for a stage that only checks the entity exists.
func (b *PipelineBuilder) Stage(name, input, output string, effect EffectFunc) *PipelineBuilder {
	if name == "" {
		panic("debtflow: stage name must not be empty")
	}
	if output == "" {
		panic(fmt.Sprintf("debtflow: stage %q has no output channel; use Terminal", name))
	}
	b.stages = append(b.stages, StageDefinition{
		Name:   name,
		Input:  input,
		Output: output,
		Effect: effect,
	})
	return b
}

// Terminal appends the final stage, which publishes nothing.
func (b *PipelineBuilder) Terminal(name, input string, effect EffectFunc) *PipelineBuilder {
	if name == "" {
		panic("debtflow: stage name must not be empty")
	}
	b.stages = append(b.stages, StageDefinition{
		Name:   name,
		Input:  input,
		Effect: effect,
	})
	return b
}

// Require sets the precondition guard of the most recently added stage.
func (b *PipelineBuilder) Require(guard GuardFunc) *PipelineBuilder {
	if len(b.stages) == 0 {
		panic("debtflow: Require called before any stage")
	}
	b.stages[len(b.stages)-1].Guard = guard
	return b
}

// Build returns the pipeline, or an error wrapping api.ErrInvalidPipeline
// when the stages do not chain.
func (b *PipelineBuilder) Build() (Pipeline, error) {
	p := Pipeline{Stages: append([]StageDefinition(nil), b.stages...)}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// MustBuild is like Build but panics on error.
func (b *PipelineBuilder) MustBuild() Pipeline {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

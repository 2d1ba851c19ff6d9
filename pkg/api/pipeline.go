package api

import (
	"context"
	"fmt"
)

// Channel names of the default topology.
const (
	ChannelGenerateDocument     = "gen-doc"
	ChannelGenerateDocumentDone = "gen-doc-done"
	ChannelSignDocument         = "sign-doc"
	ChannelSignDocumentDone     = "sign-doc-done"
	ChannelRunScript            = "run-script"
	ChannelRunScriptDone        = "run-script-done"
)

// Stage names of the default pipeline.
const (
	StageGenerateDocument = "GenerateDocument"
	StageDocumentDone     = "DocumentDone"
	StageSignDocument     = "SignDocument"
	StageSignatureDone    = "SignatureDone"
	StageRunScript        = "RunScript"
	StageScriptDone       = "ScriptDone"
)

// EffectFunc applies a stage's side effect to e in place. It reports whether
// e was changed; an unchanged entity is not written back. Effects must be
// idempotent: applying one to its own output must report changed == false.
type EffectFunc func(ctx context.Context, e *Entity, m Message) (changed bool, err error)

// GuardFunc checks that e has passed the stages a stage depends on. It
// returns an error wrapping ErrStageOutOfOrder when it has not.
type GuardFunc func(e *Entity) error

// StageDefinition is one row of the pipeline table.
//
// Output is empty for the terminal stage. Effect nil means the stage only
// validates that the entity exists.
type StageDefinition struct {
	Name   string
	Input  string
	Output string
	Effect EffectFunc
	Guard  GuardFunc
}

// Terminal reports whether the stage ends the workflow.
func (s StageDefinition) Terminal() bool { return s.Output == "" }

// Pipeline is the ordered stage table every handler is derived from.
type Pipeline struct {
	Stages []StageDefinition
}

// DefaultPipeline returns the document → signature → script workflow.
func DefaultPipeline() Pipeline {
	return Pipeline{Stages: []StageDefinition{
		{
			Name:   StageGenerateDocument,
			Input:  ChannelGenerateDocument,
			Output: ChannelGenerateDocumentDone,
		},
		{
			Name:   StageDocumentDone,
			Input:  ChannelGenerateDocumentDone,
			Output: ChannelSignDocument,
			Effect: SetDocumentHash(RandomHash),
		},
		{
			Name:   StageSignDocument,
			Input:  ChannelSignDocument,
			Output: ChannelSignDocumentDone,
			Guard:  RequireDocument,
		},
		{
			Name:   StageSignatureDone,
			Input:  ChannelSignDocumentDone,
			Output: ChannelRunScript,
			Effect: SetSignatureHash(RandomHash),
			Guard:  RequireDocument,
		},
		{
			Name:   StageRunScript,
			Input:  ChannelRunScript,
			Output: ChannelRunScriptDone,
			Guard:  RequireSignature,
		},
		{
			Name:   StageScriptDone,
			Input:  ChannelRunScriptDone,
			Effect: MarkScriptExecuted,
			Guard:  RequireSignature,
		},
	}}
}

// Validate checks that the table forms a single linear chain: names and
// input channels are unique, every non-terminal output feeds the next
// stage's input, and only the last stage is terminal.
func (p Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidPipeline)
	}

	names := make(map[string]struct{}, len(p.Stages))
	inputs := make(map[string]struct{}, len(p.Stages))

	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidPipeline, i)
		}
		if s.Input == "" {
			return fmt.Errorf("%w: stage %s has no input channel", ErrInvalidPipeline, s.Name)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage %s", ErrInvalidPipeline, s.Name)
		}
		if _, dup := inputs[s.Input]; dup {
			return fmt.Errorf("%w: channel %s consumed by more than one stage", ErrInvalidPipeline, s.Input)
		}
		if s.Output == s.Input {
			return fmt.Errorf("%w: stage %s publishes to its own input", ErrInvalidPipeline, s.Name)
		}
		names[s.Name] = struct{}{}
		inputs[s.Input] = struct{}{}

		last := i == len(p.Stages)-1
		switch {
		case last && !s.Terminal():
			return fmt.Errorf("%w: last stage %s must be terminal", ErrInvalidPipeline, s.Name)
		case !last && s.Terminal():
			return fmt.Errorf("%w: stage %s is terminal but not last", ErrInvalidPipeline, s.Name)
		case !last && p.Stages[i+1].Input != s.Output:
			return fmt.Errorf("%w: stage %s publishes to %s but %s consumes %s",
				ErrInvalidPipeline, s.Name, s.Output, p.Stages[i+1].Name, p.Stages[i+1].Input)
		}
	}
	return nil
}

// Entry returns the input channel of the first stage.
func (p Pipeline) Entry() string {
	if len(p.Stages) == 0 {
		return ""
	}
	return p.Stages[0].Input
}

// StageFor returns the stage consuming channel.
func (p Pipeline) StageFor(channel string) (StageDefinition, bool) {
	for _, s := range p.Stages {
		if s.Input == channel {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// Stage returns the stage with the given name.
func (p Pipeline) Stage(name string) (StageDefinition, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// Channels lists every input channel in pipeline order.
func (p Pipeline) Channels() []string {
	out := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.Input)
	}
	return out
}

// ChannelOverride renames the channels of one stage. Empty fields keep the
// current name.
type ChannelOverride struct {
	Input  string
	Output string
}

// WithChannels returns a copy of p with channel names replaced per stage
// name. Renaming a stage's output does not rename the next stage's input;
// callers override both and Validate the result.
func (p Pipeline) WithChannels(overrides map[string]ChannelOverride) Pipeline {
	out := Pipeline{Stages: make([]StageDefinition, len(p.Stages))}
	copy(out.Stages, p.Stages)
	for i, s := range out.Stages {
		o, ok := overrides[s.Name]
		if !ok {
			continue
		}
		if o.Input != "" {
			out.Stages[i].Input = o.Input
		}
		if o.Output != "" && !s.Terminal() {
			out.Stages[i].Output = o.Output
		}
	}
	return out
}

package engine

import (
	"fmt"

	"github.com/petrijr/debtflow/pkg/api"
)

// stageRegistry resolves the stage consuming a channel. It is built once
// from a validated pipeline and never mutated, so lookups need no locking.
type stageRegistry struct {
	byChannel map[string]api.StageDefinition
}

func newStageRegistry(p api.Pipeline) (*stageRegistry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &stageRegistry{byChannel: make(map[string]api.StageDefinition, len(p.Stages))}
	for _, s := range p.Stages {
		r.byChannel[s.Input] = s
	}
	return r, nil
}

func (r *stageRegistry) lookup(channel string) (api.StageDefinition, error) {
	s, ok := r.byChannel[channel]
	if !ok {
		return api.StageDefinition{}, fmt.Errorf("%w: %q", api.ErrUnknownChannel, channel)
	}
	return s, nil
}

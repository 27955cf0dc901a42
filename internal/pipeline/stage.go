package pipeline

import (
	"context"
	"fmt"
)

// Stage is one unit of work attached to a phase.
type Stage interface {
	Execute(ctx context.Context, p *Pipeline) error
	Clean(ctx context.Context, p *Pipeline) error
}

// Querier is implemented by stages that can tell whether their work is
// already done. Query runs before every Execute.
type Querier interface {
	Query(ctx context.Context, p *Pipeline) (completed bool, err error)
}

// Reaper is implemented by stages that delete artifacts on rebuild.
type Reaper interface {
	Reap(ctx context.Context, p *Pipeline) error
}

// Named stages report their name as the progress message while running.
type Named interface {
	Name() string
}

// TransientStage is removed from the pipeline after the run that saw it.
type TransientStage interface {
	Transient() bool
}

// DisableableStage is skipped by build and clean while disabled.
type DisableableStage interface {
	Disabled() bool
}

// Addin attaches stages when a pipeline initializes.
type Addin interface {
	Name() string
	Load(ctx context.Context, p *Pipeline) error
	Unload(p *Pipeline)
}

// StageName returns the stage's name, or its type name.
func StageName(s Stage) string {
	if n, ok := s.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

func isDisabled(s Stage) bool {
	d, ok := s.(DisableableStage)
	return ok && d.Disabled()
}

func isTransient(s Stage) bool {
	t, ok := s.(TransientStage)
	return ok && t.Transient()
}

func hasQuery(s Stage) bool {
	_, ok := s.(Querier)
	return ok
}

// StageFunc adapts plain functions into a Stage. Nil functions are no-ops.
type StageFunc struct {
	StageName string
	ExecuteFn func(ctx context.Context, p *Pipeline) error
	CleanFn   func(ctx context.Context, p *Pipeline) error
}

func (s *StageFunc) Name() string { return s.StageName }

func (s *StageFunc) Execute(ctx context.Context, p *Pipeline) error {
	if s.ExecuteFn == nil {
		return nil
	}
	return s.ExecuteFn(ctx, p)
}

func (s *StageFunc) Clean(ctx context.Context, p *Pipeline) error {
	if s.CleanFn == nil {
		return nil
	}
	return s.CleanFn(ctx, p)
}

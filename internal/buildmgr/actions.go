package buildmgr

import (
	"context"
	"fmt"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// Action names a user-facing build action.
type Action string

const (
	ActionBuild   Action = "build"
	ActionRebuild Action = "rebuild"
	ActionClean   Action = "clean"
	ActionInstall Action = "install"
	ActionExport  Action = "export"
	ActionCancel  Action = "cancel"
)

// AllActions lists every action in display order.
var AllActions = []Action{
	ActionBuild,
	ActionRebuild,
	ActionClean,
	ActionInstall,
	ActionExport,
	ActionCancel,
}

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Actions reports which actions are currently enabled.
func (m *Manager) Actions() map[Action]bool {
	p := m.Pipeline()
	busy := p != nil && p.Busy()
	ready := !busy && m.CanBuild()

	return map[Action]bool{
		ActionBuild:   ready,
		ActionRebuild: ready,
		ActionClean:   ready,
		ActionInstall: ready,
		ActionExport:  ready && p != nil && p.CanExport(),
		ActionCancel:  busy,
	}
}

// Activate runs action with its default phase.
func (m *Manager) Activate(ctx context.Context, action Action) error {
	switch action {
	case ActionBuild:
		return m.Execute(ctx, pipeline.PhaseBuild)
	case ActionRebuild:
		return m.Rebuild(ctx, pipeline.PhaseBuild)
	case ActionClean:
		return m.Clean(ctx, pipeline.PhaseBuild)
	case ActionInstall:
		return m.Execute(ctx, pipeline.PhaseInstall)
	case ActionExport:
		return m.Execute(ctx, pipeline.PhaseExport)
	case ActionCancel:
		m.Cancel()
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

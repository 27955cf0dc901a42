// Package addins holds the built-in pipeline addins.
package addins

import (
	"context"
	"sync"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// Default returns the built-in addins in load order.
func Default() []pipeline.Addin {
	return []pipeline.Addin{
		&BuildDir{},
		&Bootstrap{},
		&Commands{},
		&Export{},
	}
}

// connections tracks entry ids so Unload can disconnect exactly what Load
// connected.
type connections struct {
	mu  sync.Mutex
	ids []uint
}

func (c *connections) connect(p *pipeline.Pipeline, phase pipeline.Phase, priority int, stage pipeline.Stage) error {
	id, err := p.Connect(phase, priority, stage)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
	return nil
}

func (c *connections) disconnectAll(p *pipeline.Pipeline) {
	c.mu.Lock()
	ids := c.ids
	c.ids = nil
	c.mu.Unlock()

	for _, id := range ids {
		p.Disconnect(id)
	}
}

// BuildDir creates the build directory during PREPARE.
type BuildDir struct {
	conns connections
}

func (a *BuildDir) Name() string { return "builddir" }

func (a *BuildDir) Load(ctx context.Context, p *pipeline.Pipeline) error {
	return a.conns.connect(p, pipeline.PhasePrepare|pipeline.PhaseBefore, 0,
		&pipeline.MkdirStage{Path: p.BuildDir()})
}

func (a *BuildDir) Unload(p *pipeline.Pipeline) { a.conns.disconnectAll(p) }

// Bootstrap runs the configuration's config commands during CONFIGURE.
type Bootstrap struct {
	conns connections
}

func (a *Bootstrap) Name() string { return "bootstrap" }

func (a *Bootstrap) Load(ctx context.Context, p *pipeline.Pipeline) error {
	if len(p.Config().ConfigCommands) == 0 {
		return nil
	}
	return a.conns.connect(p, pipeline.PhaseConfigure, 0, &pipeline.BootstrapStage{})
}

func (a *Bootstrap) Unload(p *pipeline.Pipeline) { a.conns.disconnectAll(p) }

package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
	"github.com/NikhilSetiya/agentcore/pkg/pool"
)

// Agent is the pooled worker resource: an identity plus a private scratch
// directory that operations may use for intermediate files.
type Agent struct {
	ID        string
	Workspace string
	CreatedAt time.Time
}

// minimalAgent is the stand-in used when a pooled agent cannot be spawned.
// It has no workspace.
func minimalAgent() *Agent {
	return &Agent{ID: "minimal-" + uuid.NewString(), CreatedAt: time.Now()}
}

// agentLifecycle creates and tears down agents under root
type agentLifecycle struct {
	root string
}

func (l agentLifecycle) create(ctx context.Context) (*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	dir, err := os.MkdirTemp(l.root, "agent-"+id[:8]+"-")
	if err != nil {
		return nil, errors.Wrap(errors.KindLifecycleSpawnFailed, err, "create agent workspace",
			map[string]interface{}{"component": "agent", "root": l.root})
	}
	return &Agent{ID: id, Workspace: dir, CreatedAt: time.Now()}, nil
}

func (l agentLifecycle) destroy(a *Agent) error {
	if a == nil || a.Workspace == "" {
		return nil
	}
	if err := os.RemoveAll(a.Workspace); err != nil {
		return fmt.Errorf("remove workspace %s: %w", a.Workspace, err)
	}
	return nil
}

// validate keeps an agent only while its workspace is still writable
func (l agentLifecycle) validate(ctx context.Context, a *Agent) bool {
	check := health.NewDirectoryChecker(a.Workspace, a.ID).Check(ctx)
	return check.Status == health.StatusHealthy
}

func newAgentPool(cfg pool.Config, root string, opts pool.Options[*Agent]) (*pool.Pool[*Agent], error) {
	l := agentLifecycle{root: root}
	opts.Factory = l.create
	opts.Destroy = l.destroy
	opts.Validate = l.validate
	return pool.New(cfg, opts)
}

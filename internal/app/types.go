package app

import (
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/cache"
	"github.com/NikhilSetiya/agentcore/pkg/pool"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
)

// Task asks the runtime to run one operation against a tool server
type Task struct {
	ID        string                 `json:"id"`
	Service   string                 `json:"service"`
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
	// NoCache skips the result cache for both lookup and store
	NoCache bool          `json:"no_cache,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// TaskResult is delivered once per submitted task. Substituted is set when
// the task ran on a minimal agent because a pooled one could not be spawned.
type TaskResult struct {
	TaskID      string            `json:"task_id"`
	AgentID     string            `json:"agent_id,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
	Cached      bool              `json:"cached"`
	Substituted bool              `json:"substituted,omitempty"`
	Result      resilience.Result `json:"result"`
	Error       string            `json:"error,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// WorkerStats describes one task worker
type WorkerStats struct {
	WorkerID       string        `json:"worker_id"`
	Status         string        `json:"status"`
	TasksProcessed int64         `json:"tasks_processed"`
	TasksFailed    int64         `json:"tasks_failed"`
	LastTaskAt     *time.Time    `json:"last_task_at,omitempty"`
	Uptime         time.Duration `json:"uptime"`
}

// QueueStats describes the task queue
type QueueStats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
}

// Stats is the monitoring snapshot of every resource the runtime owns
type Stats struct {
	Pool    pool.Stats            `json:"pool"`
	Cache   cache.Stats           `json:"cache"`
	Errors  resilience.ErrorStats `json:"errors"`
	Queue   QueueStats            `json:"queue"`
	Workers []WorkerStats         `json:"workers"`
}

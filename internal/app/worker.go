package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// job is a queued task and where to deliver its result
type job struct {
	ctx  context.Context
	task Task
	done chan TaskResult
}

// Worker processes tasks from the runtime queue
type Worker struct {
	id      string
	runtime *Runtime

	// Statistics
	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	running        atomic.Bool
	mu             sync.Mutex
	lastTaskAt     *time.Time
	startTime      time.Time
}

// NewWorker creates a new worker
func NewWorker(id string, runtime *Runtime) *Worker {
	return &Worker{
		id:        id,
		runtime:   runtime,
		startTime: time.Now(),
	}
}

// Start runs the processing loop until ctx is done, stopCh is closed or the
// queue is closed.
func (w *Worker) Start(ctx context.Context, queue <-chan *job, stopCh <-chan struct{}) {
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			w.processTask(j)
		}
	}
}

// processTask runs one task and delivers its result. The submitter's context
// governs the task, not the worker's.
func (w *Worker) processTask(j *job) {
	start := time.Now()
	w.mu.Lock()
	w.lastTaskAt = &start
	w.mu.Unlock()

	if err := j.ctx.Err(); err != nil {
		w.tasksFailed.Add(1)
		j.done <- TaskResult{TaskID: j.task.ID, WorkerID: w.id, Error: err.Error()}
		return
	}

	res := w.runtime.Run(j.ctx, j.task)
	res.WorkerID = w.id

	if res.Error != "" || !res.Result.Success {
		w.tasksFailed.Add(1)
	} else {
		w.tasksProcessed.Add(1)
	}
	j.done <- res
}

// GetStats returns worker statistics
func (w *Worker) GetStats() WorkerStats {
	w.mu.Lock()
	last := w.lastTaskAt
	w.mu.Unlock()

	status := "stopped"
	if w.running.Load() {
		status = "running"
	}
	return WorkerStats{
		WorkerID:       w.id,
		Status:         status,
		TasksProcessed: w.tasksProcessed.Load(),
		TasksFailed:    w.tasksFailed.Load(),
		LastTaskAt:     last,
		Uptime:         time.Since(w.startTime),
	}
}

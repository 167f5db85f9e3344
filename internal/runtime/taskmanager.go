// Package runtime manages the gateway's long-running background tasks
// (health sweeps, config watching) with cancellation and status reporting.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Task describes one background task.
type Task struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	StartTime   time.Time  `json:"start_time"`
	Status      TaskStatus `json:"status"`
	Error       error      `json:"-"`
	cancel      context.CancelFunc
}

// TaskFunc runs until its context is canceled or the work is done.
type TaskFunc func(ctx context.Context) error

// TaskManager owns the background goroutines of the process. All tasks
// descend from one root context so StopAll cancels everything.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskManager creates a task manager rooted at ctx.
func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches a named background task. Names are unique; starting a
// second task under an existing name is an error.
func (tm *TaskManager) Start(name, description string, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	taskCtx, taskCancel := context.WithCancel(tm.ctx)
	task := &Task{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      TaskStatusRunning,
		cancel:      taskCancel,
	}
	tm.tasks[name] = task

	tm.wg.Add(1)
	go tm.run(taskCtx, task, fn)
	return nil
}

func (tm *TaskManager) run(ctx context.Context, task *Task, fn TaskFunc) {
	defer tm.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"task": task.Name, "panic": r}).Error("Task panicked")
			tm.setStatus(task, TaskStatusFailed, fmt.Errorf("panic: %v", r))
		}
	}()

	log.WithField("task", task.Name).Info("Task started")
	err := fn(ctx)

	switch {
	case err != nil && ctx.Err() == context.Canceled:
		tm.setStatus(task, TaskStatusCanceled, nil)
	case err != nil:
		log.WithFields(log.Fields{"task": task.Name, "error": err}).Error("Task failed")
		tm.setStatus(task, TaskStatusFailed, err)
	default:
		log.WithField("task", task.Name).Info("Task stopped")
		tm.setStatus(task, TaskStatusStopped, nil)
	}
}

func (tm *TaskManager) setStatus(task *Task, status TaskStatus, err error) {
	tm.mu.Lock()
	task.Status = status
	task.Error = err
	tm.mu.Unlock()
}

// Stop cancels a single running task.
func (tm *TaskManager) Stop(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.tasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}
	task.cancel()
	return nil
}

// StopAll cancels every task.
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait blocks until all tasks have exited.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// GetTask returns a snapshot of one task.
func (tm *TaskManager) GetTask(name string) (*Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	task, exists := tm.tasks[name]
	if !exists {
		return nil, fmt.Errorf("task %s not found", name)
	}
	return snapshot(task), nil
}

// ListTasks returns snapshots of all tasks.
func (tm *TaskManager) ListTasks() []*Task {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tasks := make([]*Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		tasks = append(tasks, snapshot(task))
	}
	return tasks
}

func snapshot(task *Task) *Task {
	return &Task{
		Name:        task.Name,
		Description: task.Description,
		StartTime:   task.StartTime,
		Status:      task.Status,
		Error:       task.Error,
	}
}

// TaskStats aggregates task states for the ops surface.
type TaskStats struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Stopped  int `json:"stopped"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}

// GetStats counts tasks by status.
func (tm *TaskManager) GetStats() TaskStats {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	stats := TaskStats{Total: len(tm.tasks)}
	for _, task := range tm.tasks {
		switch task.Status {
		case TaskStatusRunning:
			stats.Running++
		case TaskStatusStopped:
			stats.Stopped++
		case TaskStatusFailed:
			stats.Failed++
		case TaskStatusCanceled:
			stats.Canceled++
		}
	}
	return stats
}

// StartPeriodic runs fn immediately and then on every interval tick until
// the task is canceled. Individual run errors are logged, not fatal.
func (tm *TaskManager) StartPeriodic(name, description string, interval time.Duration, fn TaskFunc) error {
	return tm.Start(name, description, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runOnce := func() {
			if err := fn(ctx); err != nil {
				log.WithFields(log.Fields{"task": name, "error": err}).Warn("Periodic task execution failed")
			}
		}
		runOnce()
		for {
			select {
			case <-ticker.C:
				runOnce()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

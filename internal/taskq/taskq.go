// Package taskq is the task execution backend: a bounded in-process worker
// pool with trackable task groups. A group is submitted with a completion
// continuation that fires exactly once, after every member has reached a
// terminal state, regardless of individual member outcomes. Member states
// and group membership live in a result store (Redis in production) so
// progress stays queryable after submission, with a bounded expiry window.
package taskq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a task as seen by the result store.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateSkipped State = "skipped"
	StateNoData  State = "no_data"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateSkipped, StateNoData:
		return true
	}
	return false
}

// ErrNotFound is returned for unknown or expired groups and tasks.
var ErrNotFound = errors.New("not found")

// Task is one schedulable unit. Run returns the terminal state; a non-nil
// error records the task as failed without affecting siblings.
type Task struct {
	ID  string
	Run func(ctx context.Context) (State, error)
}

// Store persists task states and group membership. Entries carry a TTL;
// expired groups surface as ErrNotFound, which callers must treat as an
// operational constraint (poll within the window), not an error in the data.
type Store interface {
	CreateGroup(ctx context.Context, groupID string, taskIDs []string, ttl time.Duration) error
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	SetTaskState(ctx context.Context, taskID string, state State, ttl time.Duration) error
	TaskState(ctx context.Context, taskID string) (State, error)
}

// Pool executes tasks with bounded parallelism.
type Pool struct {
	store     Store
	workers   int
	resultTTL time.Duration
	logger    *slog.Logger

	queue chan job
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

type job struct {
	task    Task
	barrier *barrier
}

// barrier counts terminal member states and fires the continuation once the
// count matches the batch size.
type barrier struct {
	remaining    int
	mu           sync.Mutex
	continuation func(ctx context.Context)
}

func (b *barrier) arrive(ctx context.Context) {
	b.mu.Lock()
	b.remaining--
	fire := b.remaining == 0
	b.mu.Unlock()
	if fire && b.continuation != nil {
		b.continuation(ctx)
	}
}

// NewPool builds a pool over the given result store.
func NewPool(store Store, workers int, resultTTL time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:     store,
		workers:   workers,
		resultTTL: resultTTL,
		logger:    logger,
		queue:     make(chan job, workers*4),
		done:      make(chan struct{}),
	}
}

// Run starts the worker goroutines. The workers stop when ctx is cancelled
// and in-flight tasks run to completion.
func (p *Pool) Run(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			go p.worker(ctx)
		}
	})
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.execute(ctx, j)
		}
	}
}

func (p *Pool) execute(ctx context.Context, j job) {
	defer p.wg.Done()
	if err := p.store.SetTaskState(ctx, j.task.ID, StateRunning, p.resultTTL); err != nil {
		p.logger.Error("record running state", "task_id", j.task.ID, "error", err)
	}
	state, err := p.runTask(ctx, j.task)
	if err != nil {
		// A failed member must not block siblings or the continuation.
		p.logger.Error("task failed", "task_id", j.task.ID, "error", err)
		state = StateFailure
	}
	if !state.Terminal() {
		state = StateFailure
	}
	if err := p.store.SetTaskState(ctx, j.task.ID, state, p.resultTTL); err != nil {
		p.logger.Error("record terminal state", "task_id", j.task.ID, "error", err)
	}
	if j.barrier != nil {
		j.barrier.arrive(ctx)
	}
}

func (p *Pool) runTask(ctx context.Context, t Task) (state State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Submit enqueues a single task outside any group.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if err := p.store.SetTaskState(ctx, t.ID, StatePending, p.resultTTL); err != nil {
		return fmt.Errorf("record pending state: %w", err)
	}
	p.enqueue(job{task: t})
	return nil
}

// SubmitGroup persists the group handle, marks every member pending, and
// enqueues the batch. It returns as soon as the handle is durable; callers
// poll progress by group id. The continuation runs after the last member
// reaches a terminal state.
func (p *Pool) SubmitGroup(ctx context.Context, groupID string, tasks []Task, continuation func(ctx context.Context)) error {
	if len(tasks) == 0 {
		return errors.New("empty task group")
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := p.store.CreateGroup(ctx, groupID, ids, p.resultTTL); err != nil {
		return fmt.Errorf("persist group %s: %w", groupID, err)
	}
	for _, t := range tasks {
		if err := p.store.SetTaskState(ctx, t.ID, StatePending, p.resultTTL); err != nil {
			return fmt.Errorf("record pending state: %w", err)
		}
	}
	b := &barrier{remaining: len(tasks), continuation: continuation}
	// Feed the queue off the request path so submission never blocks on a
	// full queue.
	go func() {
		for _, t := range tasks {
			p.enqueue(job{task: t, barrier: b})
		}
	}()
	return nil
}

func (p *Pool) enqueue(j job) {
	p.wg.Add(1)
	select {
	case p.queue <- j:
	case <-p.done:
		p.wg.Done()
	}
}

// Progress reports total and terminal member counts for a group.
func (p *Pool) Progress(ctx context.Context, groupID string) (total, completed int, err error) {
	members, err := p.store.GroupMembers(ctx, groupID)
	if err != nil {
		return 0, 0, err
	}
	total = len(members)
	for _, id := range members {
		state, err := p.store.TaskState(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		if state.Terminal() {
			completed++
		}
	}
	return total, completed, nil
}

// TaskState reads a single member's state from the result store.
func (p *Pool) TaskState(ctx context.Context, taskID string) (State, error) {
	return p.store.TaskState(ctx, taskID)
}

// Shutdown stops accepting work and waits for in-flight tasks.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })
	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package domain

import (
	"context"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskRunning         TaskStatus = "running"
	TaskWaitingApproval TaskStatus = "waiting_approval"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: no transition may
// leave it, not even another transition to the same terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// taskTransitions is the full set of legal status edges. Anything not
// listed here is rejected by Transition with ErrInvalidTransition.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:         {TaskRunning, TaskCancelled},
	TaskRunning:         {TaskWaitingApproval, TaskCompleted, TaskFailed, TaskCancelled},
	TaskWaitingApproval: {TaskRunning, TaskCancelled},
}

// Task is a single unit of work dispatched to one agent. Entities carry
// no locks; callers (the council's task book) serialize access.
type Task struct {
	ID          string
	Description string
	AgentID     string

	// Repository is an optional "owner/name" reference. When set and the
	// agent holds the pull-request grant, the run pauses for approval
	// before anything is published.
	Repository string

	Status TaskStatus

	// PendingAction describes the gated step while Status is
	// waiting_approval; empty otherwise.
	PendingAction string

	Result      string
	ErrorDetail string

	Branch         string
	PullRequestURL string

	// Reply routing back to the originating conversation.
	ChannelName    string
	ConversationID string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Transition moves the task to the given status, recording the started
// timestamp on the first entry into running and the completed timestamp
// on entry into any terminal state. Illegal edges — including any edge
// out of a terminal state — fail with ErrInvalidTransition.
func (t *Task) Transition(to TaskStatus) error {
	for _, allowed := range taskTransitions[t.Status] {
		if allowed != to {
			continue
		}
		now := time.Now().UTC()
		if to == TaskRunning && t.StartedAt.IsZero() {
			t.StartedAt = now
		}
		if to.Terminal() {
			t.CompletedAt = now
			t.PendingAction = ""
		}
		t.Status = to
		return nil
	}
	return NewDomainError("Task.Transition", ErrInvalidTransition,
		fmt.Sprintf("%s -> %s", t.Status, to))
}

// TaskArchive persists terminal tasks for history queries. It is a
// best-effort log, not a recovery journal.
type TaskArchive interface {
	Save(ctx context.Context, t Task) error
	Recent(ctx context.Context, limit int) ([]Task, error)
	Close() error
}

// Package board is the task-board application layer over the sync core.
//
// Remote is the typed client for the authority's tables. Board keeps an
// optimistic task collection in step with the authority through realtime
// merges and gates every mutation on the session's capabilities. Inbox
// tracks the principal's notifications and the persisted unread watermark.
package board

import (
	"fmt"
	"time"
)

// Authority tables.
const (
	TableTasks         = "tasks"
	TableNotifications = "notifications"
	TableProfiles      = "profiles"
)

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// ParseTaskStatus validates a status name.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case StatusTodo, StatusInProgress, StatusDone:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

// Task is a unit of work on the board.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func taskKey(t Task) string { return t.ID }

// TaskPatch lists the fields an update changes. Nil fields are kept.
type TaskPatch struct {
	Title      *string
	Status     *TaskStatus
	AssigneeID *string
}

// Apply returns t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	return t
}

// Notification tells a member something happened to them.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

func notificationKey(n Notification) string { return n.ID }

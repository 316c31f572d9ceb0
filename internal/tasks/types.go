package tasks

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
)

// Valid reports whether s is one of the four wire status values.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWorking, TaskStatusInputRequired, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is the pollable view of a unit of asynchronous work. TTL and
// PollInterval are carried in milliseconds on the wire.
type Task struct {
	ID             string     `json:"taskId"`
	SessionID      string     `json:"sessionId,omitempty"`
	Status         TaskStatus `json:"status"`
	StatusMessage  string     `json:"statusMessage,omitempty"`
	TTLMS          int64      `json:"ttl"`
	PollIntervalMS int64      `json:"pollInterval"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUpdatedAt  time.Time  `json:"lastUpdatedAt"`
}

func (t Task) TTL() time.Duration {
	return time.Duration(t.TTLMS) * time.Millisecond
}

func (t Task) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// ExpiredAt reports whether the task is past its TTL at now.
func (t Task) ExpiredAt(now time.Time) bool {
	if t.TTLMS <= 0 {
		return false
	}
	return !now.Before(t.CreatedAt.Add(t.TTL()))
}

type ContentType string

const ContentTypeText ContentType = "text"

type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// Result is the terminal payload attached to a task.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitzero"`
}

func TextResult(text string) Result {
	return Result{Content: []Content{{Type: ContentTypeText, Text: text}}}
}

func ErrorResult(text string) Result {
	r := TextResult(text)
	r.IsError = true
	return r
}

// Text joins all text content blocks.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == ContentTypeText {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (r Result) Clone() Result {
	out := r
	if r.Content != nil {
		out.Content = make([]Content, len(r.Content))
		copy(out.Content, r.Content)
	}
	return out
}

type CreateRequest struct {
	SessionID    string
	TTL          time.Duration
	PollInterval time.Duration
}

type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
)

type Event struct {
	Type EventType `json:"type"`
	Task Task      `json:"task"`
	At   time.Time `json:"at"`
}

package tasks

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock *fakeClock) *Store {
	return NewStore(Options{Now: clock.Now})
}

func TestStoreCreateDefaults(t *testing.T) {
	s := newTestStore(newFakeClock())
	task, err := s.CreateTask(CreateRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.ID == "" {
		t.Fatalf("task.ID empty")
	}
	if task.Status != TaskStatusWorking {
		t.Fatalf("task.Status = %q, want %q", task.Status, TaskStatusWorking)
	}
	if task.TTL() != DefaultTTL || task.PollInterval() != DefaultPollInterval {
		t.Fatalf("ttl/poll = %s/%s, want defaults", task.TTL(), task.PollInterval())
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Fatalf("GetTask() mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreCreateRejectsInvalidInput(t *testing.T) {
	s := newTestStore(newFakeClock())
	cases := []CreateRequest{
		{TTL: -time.Second},
		{PollInterval: -time.Second},
		{TTL: time.Second, PollInterval: time.Minute},
	}
	for _, req := range cases {
		if _, err := s.CreateTask(req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CreateTask(%+v) error = %v, want ErrInvalidInput", req, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after rejected creates", s.Len())
	}
}

func TestStoreGetUnknown(t *testing.T) {
	s := newTestStore(newFakeClock())
	if _, err := s.GetTask("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask() error = %v, want ErrNotFound", err)
	}
}

func TestStoreStatusTransitions(t *testing.T) {
	s := newTestStore(newFakeClock())
	task, _ := s.CreateTask(CreateRequest{})

	if _, err := s.UpdateTaskStatus(task.ID, TaskStatusWorking, "Gathering sources..."); err != nil {
		t.Fatalf("UpdateTaskStatus(working) error = %v", err)
	}
	if _, err := s.UpdateTaskStatus(task.ID, TaskStatusInputRequired, "clarify"); err != nil {
		t.Fatalf("UpdateTaskStatus(input_required) error = %v", err)
	}
	if _, err := s.UpdateTaskStatus(task.ID, TaskStatusInputRequired, "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second input_required error = %v, want ErrInvalidState", err)
	}
	if _, err := s.UpdateTaskStatus(task.ID, TaskStatusCompleted, "done"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("terminal via UpdateTaskStatus error = %v, want ErrInvalidState", err)
	}
	if _, err := s.UpdateTaskStatus(task.ID, TaskStatus("paused"), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown status error = %v, want ErrInvalidInput", err)
	}
	got, err := s.UpdateTaskStatus(task.ID, TaskStatusWorking, "Synthesizing findings...")
	if err != nil {
		t.Fatalf("resume to working error = %v", err)
	}
	if got.StatusMessage != "Synthesizing findings..." {
		t.Fatalf("StatusMessage = %q", got.StatusMessage)
	}
}

func TestStoreResultLifecycle(t *testing.T) {
	s := newTestStore(newFakeClock())
	task, _ := s.CreateTask(CreateRequest{})

	if _, _, err := s.GetTaskResult(task.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("GetTaskResult() before terminal error = %v, want ErrNotReady", err)
	}
	if _, err := s.StoreTaskResult(task.ID, TaskStatusWorking, TextResult("x")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("StoreTaskResult(working) error = %v, want ErrInvalidInput", err)
	}

	want := TextResult("report")
	if _, err := s.StoreTaskResult(task.ID, TaskStatusCompleted, want); err != nil {
		t.Fatalf("StoreTaskResult() error = %v", err)
	}
	if _, err := s.StoreTaskResult(task.ID, TaskStatusFailed, ErrorResult("late")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second StoreTaskResult() error = %v, want ErrInvalidState", err)
	}
	if _, err := s.UpdateTaskStatus(task.ID, TaskStatusWorking, "zombie"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("UpdateTaskStatus() after completion error = %v, want ErrInvalidState", err)
	}

	for i := 0; i < 3; i++ {
		got, gotTask, err := s.GetTaskResult(task.ID)
		if err != nil {
			t.Fatalf("GetTaskResult() #%d error = %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("GetTaskResult() #%d mismatch (-want +got):\n%s", i, diff)
		}
		if gotTask.Status != TaskStatusCompleted {
			t.Fatalf("task status = %q, want completed", gotTask.Status)
		}
	}

	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, _, err := s.GetTaskResult(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTaskResult() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStoreFailedResultSetsMessage(t *testing.T) {
	s := newTestStore(newFakeClock())
	task, _ := s.CreateTask(CreateRequest{})
	got, err := s.StoreTaskResult(task.ID, TaskStatusFailed, ErrorResult("elicitation failed: socket closed\nmore"))
	if err != nil {
		t.Fatalf("StoreTaskResult() error = %v", err)
	}
	if got.StatusMessage != "elicitation failed: socket closed" {
		t.Fatalf("StatusMessage = %q", got.StatusMessage)
	}
}

func TestStoreFailedMessageTruncatesOnRuneBoundary(t *testing.T) {
	s := newTestStore(newFakeClock())
	task, _ := s.CreateTask(CreateRequest{})
	got, err := s.StoreTaskResult(task.ID, TaskStatusFailed, ErrorResult("a"+strings.Repeat("é", 300)))
	if err != nil {
		t.Fatalf("StoreTaskResult() error = %v", err)
	}
	if !utf8.ValidString(got.StatusMessage) {
		t.Fatalf("StatusMessage is not valid UTF-8: %q", got.StatusMessage)
	}
	if want := "a" + strings.Repeat("é", 199) + "..."; got.StatusMessage != want {
		t.Fatalf("StatusMessage = %q, want %q", got.StatusMessage, want)
	}
}

func TestStoreExpiryIsPassive(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	task, err := s.CreateTask(CreateRequest{TTL: time.Minute, PollInterval: time.Second})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := s.StoreTaskResult(task.ID, TaskStatusCompleted, TextResult("ok")); err != nil {
		t.Fatalf("StoreTaskResult() error = %v", err)
	}

	clock.Advance(59 * time.Second)
	if _, _, err := s.GetTaskResult(task.ID); err != nil {
		t.Fatalf("GetTaskResult() before ttl error = %v", err)
	}

	clock.Advance(time.Second)
	if _, err := s.GetTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask() after ttl error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.GetTaskResult(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTaskResult() after ttl error = %v, want ErrNotFound", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want record kept until sweep", s.Len())
	}
}

func TestStoreSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	old, _ := s.CreateTask(CreateRequest{SessionID: "s1", TTL: time.Minute, PollInterval: time.Second})
	clock.Advance(30 * time.Second)
	fresh, _ := s.CreateTask(CreateRequest{SessionID: "s1", TTL: time.Minute, PollInterval: time.Second})

	var expired []string
	s.SetExpireHook(func(task Task) { expired = append(expired, task.ID) })

	clock.Advance(45 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if diff := cmp.Diff([]string{old.ID}, expired); diff != "" {
		t.Fatalf("expired ids mismatch (-want +got):\n%s", diff)
	}
	list := s.ListBySession("s1", 0)
	if len(list) != 1 || list[0].ID != fresh.ID {
		t.Fatalf("ListBySession() = %+v, want only fresh task", list)
	}
}

func TestStoreListBySessionNewestFirst(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	a, _ := s.CreateTask(CreateRequest{SessionID: "s1"})
	clock.Advance(time.Second)
	b, _ := s.CreateTask(CreateRequest{SessionID: "s1"})
	_, _ = s.CreateTask(CreateRequest{SessionID: "s2"})

	got := s.ListBySession("s1", 0)
	ids := []string{}
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	if diff := cmp.Diff([]string{b.ID, a.ID}, ids); diff != "" {
		t.Fatalf("ListBySession() mismatch (-want +got):\n%s", diff)
	}
	if got := s.ListBySession("s1", 1); len(got) != 1 {
		t.Fatalf("ListBySession(limit=1) len = %d", len(got))
	}
}

func TestStoreSubscribeScopedToSession(t *testing.T) {
	s := newTestStore(newFakeClock())
	events, unsubscribe := s.Subscribe("s1")
	defer unsubscribe()
	others, unsubscribeOthers := s.Subscribe("s2")
	defer unsubscribeOthers()

	task, _ := s.CreateTask(CreateRequest{SessionID: "s1"})
	_, _ = s.UpdateTaskStatus(task.ID, TaskStatusWorking, "Gathering sources...")

	for _, want := range []EventType{EventTaskCreated, EventTaskStatusChanged} {
		select {
		case evt := <-events:
			if evt.Type != want || evt.Task.ID != task.ID {
				t.Fatalf("event = %+v, want %s for %s", evt, want, task.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	select {
	case evt := <-others:
		t.Fatalf("session s2 received foreign event %+v", evt)
	default:
	}
}

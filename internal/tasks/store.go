package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultPollInterval = time.Second
)

type Options struct {
	DefaultTTL          time.Duration
	DefaultPollInterval time.Duration
	// Now overrides the clock used for timestamps and expiry.
	Now func() time.Time
}

type record struct {
	task   Task
	result *Result
}

// Store owns every task record. Reads enforce TTL passively; the janitor
// only reclaims memory for records that reads already treat as gone.
type Store struct {
	mu sync.RWMutex

	defaultTTL          time.Duration
	defaultPollInterval time.Duration
	now                 func() time.Time

	records   map[string]*record
	bySession map[string][]string

	subscribers map[string]map[int]chan Event
	nextSubID   int

	onExpire func(Task)
}

func NewStore(opts Options) *Store {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.DefaultPollInterval <= 0 {
		opts.DefaultPollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		defaultTTL:          opts.DefaultTTL,
		defaultPollInterval: opts.DefaultPollInterval,
		now:                 opts.Now,
		records:             make(map[string]*record),
		bySession:           make(map[string][]string),
		subscribers:         make(map[string]map[int]chan Event),
	}
}

// SetExpireHook registers a callback invoked (outside the lock) for every
// record removed by Sweep.
func (s *Store) SetExpireHook(hook func(Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = hook
}

// Subscribe streams status events for tasks owned by sessionID. Slow
// consumers drop events rather than stall writers.
func (s *Store) Subscribe(sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 64)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[sessionID]; !ok {
		s.subscribers[sessionID] = make(map[int]chan Event)
	}
	s.subscribers[sessionID][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, sessionID)
		}
	}
}

func (s *Store) CreateTask(req CreateRequest) (Task, error) {
	if req.TTL < 0 {
		return Task{}, fmt.Errorf("%w: ttl must not be negative", ErrInvalidInput)
	}
	if req.PollInterval < 0 {
		return Task{}, fmt.Errorf("%w: poll interval must not be negative", ErrInvalidInput)
	}
	if req.TTL == 0 {
		req.TTL = s.defaultTTL
	}
	if req.PollInterval == 0 {
		req.PollInterval = s.defaultPollInterval
	}
	if req.PollInterval > req.TTL {
		return Task{}, fmt.Errorf("%w: poll interval %s exceeds ttl %s", ErrInvalidInput, req.PollInterval, req.TTL)
	}

	now := s.now()
	task := Task{
		ID:             uuid.NewString(),
		SessionID:      strings.TrimSpace(req.SessionID),
		Status:         TaskStatusWorking,
		StatusMessage:  "Task created.",
		TTLMS:          req.TTL.Milliseconds(),
		PollIntervalMS: req.PollInterval.Milliseconds(),
		CreatedAt:      now,
		LastUpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[task.ID] = &record{task: task}
	if task.SessionID != "" {
		s.bySession[task.SessionID] = append(s.bySession[task.SessionID], task.ID)
	}
	s.publishLocked(Event{Type: EventTaskCreated, Task: task, At: now})
	return task, nil
}

func (s *Store) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.getLocked(taskID, s.now())
	if err != nil {
		return Task{}, err
	}
	return rec.task, nil
}

// UpdateTaskStatus moves a live task between working and input_required.
// Terminal statuses are only reachable through StoreTaskResult.
func (s *Store) UpdateTaskStatus(taskID string, status TaskStatus, message string) (Task, error) {
	if !status.Valid() {
		return Task{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if status.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is terminal, store a result instead", ErrInvalidState, status)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(taskID, now)
	if err != nil {
		return Task{}, err
	}
	cur := rec.task.Status
	if cur.Terminal() {
		return rec.task, fmt.Errorf("%w: task %s is already %s", ErrInvalidState, taskID, cur)
	}
	if cur == TaskStatusInputRequired && status == TaskStatusInputRequired {
		return rec.task, fmt.Errorf("%w: task %s is already waiting for input", ErrInvalidState, taskID)
	}

	rec.task.Status = status
	rec.task.StatusMessage = strings.TrimSpace(message)
	rec.task.LastUpdatedAt = now
	s.publishLocked(Event{Type: EventTaskStatusChanged, Task: rec.task, At: now})
	return rec.task, nil
}

// StoreTaskResult is the single terminal write for a task.
func (s *Store) StoreTaskResult(taskID string, status TaskStatus, result Result) (Task, error) {
	if !status.Terminal() {
		return Task{}, fmt.Errorf("%w: result status must be completed or failed, got %q", ErrInvalidInput, status)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(taskID, now)
	if err != nil {
		return Task{}, err
	}
	if rec.task.Terminal() {
		return rec.task, fmt.Errorf("%w: task %s already has a %s result", ErrInvalidState, taskID, rec.task.Status)
	}

	stored := result.Clone()
	rec.result = &stored
	rec.task.Status = status
	rec.task.LastUpdatedAt = now
	evtType := EventTaskCompleted
	if status == TaskStatusFailed {
		evtType = EventTaskFailed
		rec.task.StatusMessage = summarizeFailure(result)
	} else {
		rec.task.StatusMessage = "Task completed."
	}
	s.publishLocked(Event{Type: evtType, Task: rec.task, At: now})
	return rec.task, nil
}

// GetTaskResult returns the stored payload; repeated calls return the same
// result until the task expires or is deleted.
func (s *Store) GetTaskResult(taskID string) (Result, Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.getLocked(taskID, s.now())
	if err != nil {
		return Result{}, Task{}, err
	}
	if !rec.task.Terminal() || rec.result == nil {
		return Result{}, rec.task, fmt.Errorf("%w: task %s is %s", ErrNotReady, taskID, rec.task.Status)
	}
	return rec.result.Clone(), rec.task, nil
}

func (s *Store) DeleteTask(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		return ErrNotFound
	}
	s.removeLocked(rec.task)
	return nil
}

func (s *Store) ListBySession(sessionID string, limit int) []Task {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	now := s.now()

	s.mu.RLock()
	ids := s.bySession[sessionID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok || rec.task.ExpiredAt(now) {
			continue
		}
		out = append(out, rec.task)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Len counts records held in memory, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep drops expired records and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	var expired []Task

	s.mu.Lock()
	for _, rec := range s.records {
		if rec.task.ExpiredAt(now) {
			expired = append(expired, rec.task)
		}
	}
	for _, t := range expired {
		s.removeLocked(t)
	}
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		for _, t := range expired {
			hook(t)
		}
	}
	return len(expired)
}

func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *Store) getLocked(taskID string, now time.Time) (*record, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	rec, ok := s.records[taskID]
	if !ok || rec.task.ExpiredAt(now) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return rec, nil
}

func (s *Store) removeLocked(task Task) {
	delete(s.records, task.ID)
	ids := s.bySession[task.SessionID]
	out := ids[:0]
	for _, id := range ids {
		if id != task.ID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(s.bySession, task.SessionID)
		return
	}
	s.bySession[task.SessionID] = out
}

func (s *Store) publishLocked(evt Event) {
	subs := s.subscribers[evt.Task.SessionID]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

const maxFailureSummary = 200

func summarizeFailure(result Result) string {
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "Task failed."
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if runes := []rune(text); len(runes) > maxFailureSummary {
		text = string(runes[:maxFailureSummary]) + "..."
	}
	return text
}

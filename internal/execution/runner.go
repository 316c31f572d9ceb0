package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/tasks"
)

// DefaultStages is the ordered research pipeline.
var DefaultStages = []string{
	"Gathering sources",
	"Analyzing content",
	"Synthesizing findings",
	"Generating report",
}

const (
	DefaultStageDuration  = time.Second
	DefaultAmbiguityStage = 2

	cancelledMessage = "Task cancelled."
)

// TaskWriter is the only mutation path the runner has into task records.
type TaskWriter interface {
	UpdateTaskStatus(taskID string, status tasks.TaskStatus, message string) (tasks.Task, error)
	StoreTaskResult(taskID string, status tasks.TaskStatus, result tasks.Result) (tasks.Task, error)
}

type Config struct {
	Stages        []string
	StageDuration time.Duration
	// AmbiguityStage is the stage index an ambiguous task pauses at. Nil
	// selects DefaultAmbiguityStage.
	AmbiguityStage *int
}

// StageIndex returns a pointer for Config.AmbiguityStage.
func StageIndex(i int) *int {
	return &i
}

type Input struct {
	Topic     string
	Ambiguous bool
}

// ResearchState is the working memory of one task. It lives from Start until
// Forget and is only touched by the runner.
type ResearchState struct {
	Topic           string `json:"topic"`
	Ambiguous       bool   `json:"ambiguous"`
	StageIndex      int    `json:"stage_index"`
	WaitingForInput bool   `json:"waiting_for_input"`
	Clarification   string `json:"clarification,omitempty"`
	// Paused records that the ambiguity pause already happened; a task never
	// pauses twice.
	Paused    bool          `json:"paused"`
	Completed bool          `json:"completed"`
	Cancelled bool          `json:"cancelled"`
	Result    *tasks.Result `json:"result,omitempty"`
}

// Prompt describes the clarification a paused task needs.
type Prompt struct {
	TaskID          string
	Topic           string
	Interpretations []Interpretation
}

type job struct {
	// runMu is held for the whole of one advancement so a resume cannot
	// overlap the run that paused.
	runMu sync.Mutex

	mu      sync.Mutex
	state   ResearchState
	claimed bool
}

type Runner struct {
	cfg     Config
	pauseAt int
	store   TaskWriter
	logger  *slog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func NewRunner(cfg Config, store TaskWriter, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages
	}
	if cfg.StageDuration <= 0 {
		cfg.StageDuration = DefaultStageDuration
	}
	pauseAt := DefaultAmbiguityStage
	if cfg.AmbiguityStage != nil && *cfg.AmbiguityStage >= 0 {
		pauseAt = *cfg.AmbiguityStage
	}
	if pauseAt >= len(cfg.Stages) {
		pauseAt = len(cfg.Stages) - 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:     cfg,
		pauseAt: pauseAt,
		store:   store,
		logger:  logger.With(slog.String("component", "runner")),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}
}

func (r *Runner) Stages() []string {
	out := make([]string, len(r.cfg.Stages))
	copy(out, r.cfg.Stages)
	return out
}

// Start registers working memory for taskID and begins advancement in the
// background.
func (r *Runner) Start(taskID string, in Input) error {
	taskID = strings.TrimSpace(taskID)
	topic := strings.TrimSpace(in.Topic)
	if taskID == "" || topic == "" {
		return fmt.Errorf("%w: task id and topic are required", tasks.ErrInvalidInput)
	}
	if r.ctx.Err() != nil {
		return fmt.Errorf("%w: runner is shut down", tasks.ErrInvalidState)
	}

	j := &job{state: ResearchState{Topic: topic, Ambiguous: in.Ambiguous}}
	r.mu.Lock()
	if _, exists := r.jobs[taskID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %s already started", tasks.ErrInvalidState, taskID)
	}
	r.jobs[taskID] = j
	r.mu.Unlock()

	r.spawn(taskID, j)
	return nil
}

// ClaimInput flips waitingForInput off for a paused task and hands the
// caller exclusive right to resume it. Only one caller can win.
func (r *Runner) ClaimInput(taskID string) (Prompt, bool) {
	j := r.job(taskID)
	if j == nil {
		return Prompt{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.WaitingForInput || j.state.Completed {
		return Prompt{}, false
	}
	j.state.WaitingForInput = false
	j.claimed = true
	return Prompt{
		TaskID:          taskID,
		Topic:           j.state.Topic,
		Interpretations: InterpretationsFor(j.state.Topic),
	}, true
}

// Resume records the clarification for a claimed task and restarts
// advancement from the paused stage with ambiguity disabled.
func (r *Runner) Resume(taskID, clarification string) error {
	j := r.job(taskID)
	if j == nil {
		return fmt.Errorf("%w: no research state for task %s", tasks.ErrNotFound, taskID)
	}
	j.mu.Lock()
	if !j.claimed {
		j.mu.Unlock()
		return fmt.Errorf("%w: task %s is not awaiting resume", tasks.ErrInvalidState, taskID)
	}
	j.claimed = false
	j.state.Clarification = clarification
	j.state.Ambiguous = false
	cancelled := j.state.Completed
	j.mu.Unlock()

	if !cancelled {
		msg := fmt.Sprintf("Resuming research with clarification: %q", clarification)
		if _, err := r.store.UpdateTaskStatus(taskID, tasks.TaskStatusWorking, msg); err != nil {
			return err
		}
		r.metrics.ObserveIndicator("resumed")
	}
	r.spawn(taskID, j)
	return nil
}

// Fail terminates a claimed task after the side-channel itself failed.
func (r *Runner) Fail(taskID string, cause error) error {
	j := r.job(taskID)
	if j == nil {
		return fmt.Errorf("%w: no research state for task %s", tasks.ErrNotFound, taskID)
	}
	j.mu.Lock()
	j.claimed = false
	j.state.WaitingForInput = false
	alreadyDone := j.state.Completed
	cancelled := j.state.Cancelled
	j.state.Completed = true
	j.mu.Unlock()

	if alreadyDone && !cancelled {
		return fmt.Errorf("%w: task %s already completed", tasks.ErrInvalidState, taskID)
	}
	text := "Elicitation failed: " + cause.Error()
	if cancelled {
		text = cancelledMessage
	}
	_, err := r.store.StoreTaskResult(taskID, tasks.TaskStatusFailed, tasks.ErrorResult(text))
	return err
}

// Cancel sets the completed guard. A task waiting for input is failed at
// once; a running one stops at its next stage boundary.
func (r *Runner) Cancel(taskID string) error {
	j := r.job(taskID)
	if j == nil {
		return fmt.Errorf("%w: no research state for task %s", tasks.ErrNotFound, taskID)
	}
	j.mu.Lock()
	if j.state.Completed {
		j.mu.Unlock()
		return fmt.Errorf("%w: task %s already finished", tasks.ErrInvalidState, taskID)
	}
	j.state.Completed = true
	j.state.Cancelled = true
	waiting := j.state.WaitingForInput
	j.state.WaitingForInput = false
	j.mu.Unlock()

	r.metrics.ObserveIndicator("cancelled")
	if !waiting {
		return nil
	}
	_, err := r.store.StoreTaskResult(taskID, tasks.TaskStatusFailed, tasks.ErrorResult(cancelledMessage))
	return err
}

// Forget drops the working memory once the result has been delivered or the
// task has expired.
func (r *Runner) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, taskID)
}

func (r *Runner) State(taskID string) (ResearchState, bool) {
	j := r.job(taskID)
	if j == nil {
		return ResearchState{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.state
	if out.Result != nil {
		res := out.Result.Clone()
		out.Result = &res
	}
	return out, true
}

func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Close stops all advancement and waits for in-flight runs to record their
// outcome.
func (r *Runner) Close(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) job(taskID string) *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[taskID]
}

func (r *Runner) spawn(taskID string, j *job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.supervise(taskID, j)
	}()
}

// supervise converts any failure of a background run into a terminal failed
// task so nothing is left in working.
func (r *Runner) supervise(taskID string, j *job) {
	logger := r.logger.With(slog.String("task_id", taskID))
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("research run panicked: %v", rec)
			}
		}()
		return r.advance(taskID, j)
	}()
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, tasks.ErrNotFound):
		logger.Warn("task vanished during research run", slog.Any("error", err))
		r.Forget(taskID)
		return
	case errors.Is(err, tasks.ErrInvalidState):
		logger.Error("illegal task transition", slog.Any("error", err))
		r.markCompleted(j)
		return
	}

	text := err.Error()
	if errors.Is(err, context.Canceled) {
		text = "Server shutting down."
	}
	logger.Warn("research run failed", slog.String("reason", text))
	r.markCompleted(j)
	if _, storeErr := r.store.StoreTaskResult(taskID, tasks.TaskStatusFailed, tasks.ErrorResult(text)); storeErr != nil {
		logger.Error("record task failure", slog.Any("error", storeErr))
	}
}

func (r *Runner) cancelled(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Cancelled
}

func (r *Runner) markCompleted(j *job) {
	j.mu.Lock()
	j.state.Completed = true
	j.state.WaitingForInput = false
	j.mu.Unlock()
}

func (r *Runner) advance(taskID string, j *job) error {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	for {
		j.mu.Lock()
		if j.state.Completed {
			cancelled := j.state.Cancelled
			j.mu.Unlock()
			if !cancelled {
				return nil
			}
			_, err := r.store.StoreTaskResult(taskID, tasks.TaskStatusFailed, tasks.ErrorResult(cancelledMessage))
			if errors.Is(err, tasks.ErrInvalidState) {
				// Already failed by Cancel while paused.
				return nil
			}
			return err
		}
		if j.state.WaitingForInput {
			j.mu.Unlock()
			return nil
		}

		idx := j.state.StageIndex
		if idx >= len(r.cfg.Stages) {
			j.state.Completed = true
			result := buildReport(j.state, r.cfg.Stages)
			j.state.Result = &result
			j.mu.Unlock()
			_, err := r.store.StoreTaskResult(taskID, tasks.TaskStatusCompleted, result)
			return err
		}
		stage := r.cfg.Stages[idx]
		pause := idx == r.pauseAt && j.state.Ambiguous && j.state.Clarification == "" && !j.state.Paused
		topic := j.state.Topic
		j.mu.Unlock()

		if _, err := r.store.UpdateTaskStatus(taskID, tasks.TaskStatusWorking, stage+"..."); err != nil {
			return err
		}

		if pause {
			j.mu.Lock()
			if j.state.Completed {
				// Cancelled during the stage update; the loop head records it.
				j.mu.Unlock()
				continue
			}
			j.state.WaitingForInput = true
			j.state.Paused = true
			j.mu.Unlock()
			msg := fmt.Sprintf("Found multiple interpretations for %q. Please clarify your intent.", topic)
			if _, err := r.store.UpdateTaskStatus(taskID, tasks.TaskStatusInputRequired, msg); err != nil {
				if errors.Is(err, tasks.ErrInvalidState) && r.cancelled(j) {
					return nil
				}
				return err
			}
			r.metrics.ObserveIndicator("paused")
			return nil
		}

		started := time.Now()
		timer := time.NewTimer(r.cfg.StageDuration)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return r.ctx.Err()
		case <-timer.C:
		}
		r.metrics.ObserveStage(stage, time.Since(started))

		j.mu.Lock()
		j.state.StageIndex++
		j.mu.Unlock()
	}
}

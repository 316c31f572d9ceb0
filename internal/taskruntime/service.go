package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/taskhub/internal/elicitation"
	"github.com/antoniostano/taskhub/internal/execution"
	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/tasks"
	"github.com/antoniostano/taskhub/internal/transport"
)

type Config struct {
	DefaultTTL          time.Duration
	DefaultPollInterval time.Duration
	StageDuration       time.Duration
	Stages              []string
	ElicitationTimeout  time.Duration
	SweepInterval       time.Duration
}

// SessionDirectory answers the two questions the runtime asks about a
// session: may it be elicited, and where is its transport.
type SessionDirectory interface {
	SupportsElicitation(sessionID string) bool
	Transport(sessionID string) (transport.Transport, bool)
}

type CreateInput struct {
	SessionID    string
	Topic        string
	Ambiguous    bool
	TTL          time.Duration
	PollInterval time.Duration
}

// ResultResponse answers a result fetch. Resumed marks the acknowledgement
// returned after a clarification round-trip; the task is working again and
// the caller should poll.
type ResultResponse struct {
	Task    tasks.Task
	Result  tasks.Result
	Resumed bool
}

type Service struct {
	store    *tasks.Store
	runner   *execution.Runner
	broker   *elicitation.Broker
	sessions SessionDirectory
	logger   *slog.Logger
	metrics  *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, sessions SessionDirectory, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	store := tasks.NewStore(tasks.Options{
		DefaultTTL:          cfg.DefaultTTL,
		DefaultPollInterval: cfg.DefaultPollInterval,
	})
	runner := execution.NewRunner(execution.Config{
		Stages:         cfg.Stages,
		StageDuration:  cfg.StageDuration,
		AmbiguityStage: execution.StageIndex(execution.DefaultAmbiguityStage),
	}, instrumentedWriter{store: store, metrics: metrics}, logger, metrics)

	if window := metrics.StageWindow(); window != nil {
		for _, stage := range runner.Stages() {
			window.SetTarget(stage, cfg.StageDuration+cfg.StageDuration/4)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:    store,
		runner:   runner,
		broker:   elicitation.NewBroker(sessions, cfg.ElicitationTimeout, logger, metrics),
		sessions: sessions,
		logger:   logger.With(slog.String("component", "taskruntime")),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	store.SetExpireHook(func(task tasks.Task) {
		runner.Forget(task.ID)
		s.metrics.ObserveTaskEvent("task_expired", string(task.Status))
	})
	store.StartJanitor(ctx, cfg.SweepInterval)
	return s
}

// Broker exposes the elicitation side-channel so transports can route
// client responses to it.
func (s *Service) Broker() *elicitation.Broker {
	return s.broker
}

func (s *Service) Stages() []string {
	return s.runner.Stages()
}

// CreateTask allocates a task and starts research in the background. The
// ambiguity flag only takes effect when the session can answer elicitation.
func (s *Service) CreateTask(ctx context.Context, in CreateInput) (tasks.Task, error) {
	if err := ctx.Err(); err != nil {
		return tasks.Task{}, err
	}
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return tasks.Task{}, fmt.Errorf("%w: topic is required", tasks.ErrInvalidInput)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return tasks.Task{}, fmt.Errorf("%w: session id is required", tasks.ErrInvalidInput)
	}

	task, err := s.store.CreateTask(tasks.CreateRequest{
		SessionID:    sessionID,
		TTL:          in.TTL,
		PollInterval: in.PollInterval,
	})
	if err != nil {
		return tasks.Task{}, err
	}
	ambiguous := in.Ambiguous && s.sessions.SupportsElicitation(sessionID)
	if err := s.runner.Start(task.ID, execution.Input{Topic: topic, Ambiguous: ambiguous}); err != nil {
		_ = s.store.DeleteTask(task.ID)
		return tasks.Task{}, err
	}
	s.metrics.ObserveTaskEvent(string(tasks.EventTaskCreated), string(task.Status))
	s.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("session_id", sessionID),
		slog.String("topic", topic),
		slog.Bool("ambiguous", ambiguous),
	)
	return task, nil
}

func (s *Service) GetTaskStatus(taskID, sessionID string) (tasks.Task, error) {
	return s.ownedTask(taskID, sessionID)
}

// GetTaskResult returns the terminal result. While the task waits for
// input, the first caller to arrive performs the elicitation round-trip
// and resumes the task; concurrent callers see ErrNotReady.
func (s *Service) GetTaskResult(ctx context.Context, taskID, sessionID string) (ResultResponse, error) {
	task, err := s.ownedTask(taskID, sessionID)
	if err != nil {
		return ResultResponse{}, err
	}

	if task.Status == tasks.TaskStatusInputRequired {
		prompt, ok := s.runner.ClaimInput(task.ID)
		if !ok {
			return ResultResponse{Task: task}, fmt.Errorf("%w: clarification already in progress", tasks.ErrNotReady)
		}
		return s.resumeWithInput(ctx, task, prompt)
	}

	res, task, err := s.store.GetTaskResult(task.ID)
	if err != nil {
		return ResultResponse{Task: task}, err
	}
	s.runner.Forget(task.ID)
	return ResultResponse{Task: task, Result: res}, nil
}

func (s *Service) resumeWithInput(ctx context.Context, task tasks.Task, prompt execution.Prompt) (ResultResponse, error) {
	logger := s.logger.With(slog.String("task_id", task.ID), slog.String("session_id", task.SessionID))

	options := make([]protocol.ElicitOption, 0, len(prompt.Interpretations))
	for _, in := range prompt.Interpretations {
		options = append(options, protocol.ElicitOption{Const: in.Const, Title: in.Title})
	}
	answer, err := s.broker.Request(ctx, task.SessionID, elicitation.ClarificationRequest(prompt.Topic, options))
	if err != nil {
		logger.Warn("elicitation failed", slog.Any("error", err))
		if failErr := s.runner.Fail(task.ID, err); failErr != nil {
			logger.Error("record elicitation failure", slog.Any("error", failErr))
		}
		res, failed, getErr := s.store.GetTaskResult(task.ID)
		if getErr != nil {
			return ResultResponse{}, getErr
		}
		s.runner.Forget(task.ID)
		return ResultResponse{Task: failed, Result: res}, nil
	}

	clarification := elicitation.Clarification(answer)
	if err := s.runner.Resume(task.ID, clarification); err != nil {
		return ResultResponse{}, err
	}
	logger.Info("task resumed", slog.String("action", string(answer.Action)), slog.String("clarification", clarification))

	current, err := s.store.GetTask(task.ID)
	if err != nil {
		return ResultResponse{}, err
	}
	return ResultResponse{
		Task:    current,
		Result:  tasks.TextResult(fmt.Sprintf("Resuming research with clarification: %q", clarification)),
		Resumed: true,
	}, nil
}

// CancelTask stops a non-terminal task. A paused task fails immediately; a
// running one at its next stage boundary.
func (s *Service) CancelTask(taskID, sessionID string) (tasks.Task, error) {
	task, err := s.ownedTask(taskID, sessionID)
	if err != nil {
		return tasks.Task{}, err
	}
	if task.Terminal() {
		return task, fmt.Errorf("%w: task is already %s", tasks.ErrInvalidState, task.Status)
	}
	if err := s.runner.Cancel(task.ID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return task, fmt.Errorf("%w: task has no running research", tasks.ErrInvalidState)
		}
		return task, err
	}
	s.logger.Info("task cancelled", slog.String("task_id", task.ID))
	return s.store.GetTask(task.ID)
}

// Len returns the number of task records currently held.
func (s *Service) Len() int {
	return s.store.Len()
}

func (s *Service) ListTasks(sessionID string, limit int) []tasks.Task {
	return s.store.ListBySession(sessionID, limit)
}

// WatchSession forwards status events of the session's tasks to tr as
// notifications/tasks/status until tr closes or ctx ends.
func (s *Service) WatchSession(ctx context.Context, sessionID string, tr transport.Transport) {
	events, unsubscribe := s.store.Subscribe(sessionID)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-tr.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			msg, err := protocol.NewNotification(protocol.NotificationTaskStatus, evt.Task)
			if err != nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = tr.Send(sendCtx, msg)
			cancel()
			if err != nil && !errors.Is(err, transport.ErrClosed) {
				s.logger.Debug("task status notification dropped",
					slog.String("session_id", sessionID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// EndSession drops pending elicitations of an ended session. The tasks
// themselves stay until their ttl runs out.
func (s *Service) EndSession(sessionID string) {
	if n := s.broker.CancelSession(sessionID); n > 0 {
		s.logger.Info("cancelled pending elicitations", slog.String("session_id", sessionID), slog.Int("count", n))
	}
}

func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	return s.runner.Close(ctx)
}

func (s *Service) ownedTask(taskID, sessionID string) (tasks.Task, error) {
	task, err := s.store.GetTask(strings.TrimSpace(taskID))
	if err != nil {
		return tasks.Task{}, err
	}
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" && task.SessionID != sessionID {
		return tasks.Task{}, fmt.Errorf("%w: task %s", tasks.ErrNotFound, task.ID)
	}
	return task, nil
}

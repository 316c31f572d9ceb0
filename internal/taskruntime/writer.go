package taskruntime

import (
	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/tasks"
)

// instrumentedWriter is the runner's view of the store; every successful
// write is counted.
type instrumentedWriter struct {
	store   *tasks.Store
	metrics *observability.Metrics
}

func (w instrumentedWriter) UpdateTaskStatus(taskID string, status tasks.TaskStatus, message string) (tasks.Task, error) {
	task, err := w.store.UpdateTaskStatus(taskID, status, message)
	if err == nil {
		w.metrics.ObserveTaskEvent(string(tasks.EventTaskStatusChanged), string(status))
	}
	return task, err
}

func (w instrumentedWriter) StoreTaskResult(taskID string, status tasks.TaskStatus, result tasks.Result) (tasks.Task, error) {
	task, err := w.store.StoreTaskResult(taskID, status, result)
	if err == nil {
		event := tasks.EventTaskCompleted
		if status == tasks.TaskStatusFailed {
			event = tasks.EventTaskFailed
		}
		w.metrics.ObserveTaskEvent(string(event), string(status))
		w.metrics.ObserveTaskDuration(task.LastUpdatedAt.Sub(task.CreatedAt))
	}
	return task, err
}

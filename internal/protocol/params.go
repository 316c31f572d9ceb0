package protocol

import "github.com/antoniostano/taskhub/internal/tasks"

type ResourceParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the payload of notifications/resources/updated.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

type TaskCreateParams struct {
	Topic     string `json:"topic"`
	Ambiguous bool   `json:"ambiguous,omitzero"`
	// TTL and PollInterval are milliseconds; zero selects server defaults.
	TTL          int64 `json:"ttl,omitzero"`
	PollInterval int64 `json:"pollInterval,omitzero"`
}

type TaskParams struct {
	TaskID string `json:"taskId"`
}

type TaskListParams struct {
	Limit int `json:"limit,omitzero"`
}

type CreateTaskResult struct {
	Task tasks.Task `json:"task"`
}

type TaskListResult struct {
	Tasks []tasks.Task `json:"tasks"`
}

// TaskResultPayload answers tasks/result. Resumed marks the non-terminal
// acknowledgement returned after an elicitation round-trip.
type TaskResultPayload struct {
	Result  tasks.Result `json:",inline"`
	Task    tasks.Task   `json:"task"`
	Resumed bool         `json:"resumed,omitzero"`
}

type ToggleResult struct {
	Delivering bool `json:"delivering"`
}

type ElicitParams struct {
	Message         string       `json:"message"`
	RequestedSchema ElicitSchema `json:"requestedSchema"`
}

type ElicitSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]ElicitProperty `json:"properties"`
	Required   []string                  `json:"required,omitzero"`
}

type ElicitProperty struct {
	Type        string         `json:"type"`
	Title       string         `json:"title,omitzero"`
	Description string         `json:"description,omitzero"`
	OneOf       []ElicitOption `json:"oneOf,omitzero"`
}

type ElicitOption struct {
	Const string `json:"const"`
	Title string `json:"title"`
}

type ElicitResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitzero"`
}

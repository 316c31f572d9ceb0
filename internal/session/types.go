package session

import "time"

// Capabilities are declared by the client when the session is created.
type Capabilities struct {
	Elicitation bool `json:"elicitation"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID       string       `json:"user_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string       `json:"session_id"`
	UserID          string       `json:"user_id"`
	Status          Status       `json:"status"`
	Capabilities    Capabilities `json:"capabilities"`
	StartedAt       time.Time    `json:"started_at"`
	LastActivityAt  time.Time    `json:"last_activity_at"`
	InactivityTTLMS int64        `json:"inactivity_ttl_ms"`
}

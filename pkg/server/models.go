package server

import "time"

// CreateSessionRequest is the body of POST /sessions. Both fields are
// optional: an empty env id lets the create hook pick one.
type CreateSessionRequest struct {
	EnvID  string                 `json:"env_id"`
	Params map[string]interface{} `json:"params"`
}

// StepRequest is the body of POST /sessions/{id}/step
type StepRequest struct {
	Action string `json:"action"`
}

// SessionResponse describes one session. Returned by create and get.
type SessionResponse struct {
	SessionID    string                 `json:"session_id"`
	EnvID        string                 `json:"env_id"`
	Observation  string                 `json:"observation"`
	Info         map[string]interface{} `json:"info"`
	Status       string                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	LastActiveAt time.Time              `json:"last_active_at"`
}

// StepResponse carries one step result back to the client
type StepResponse struct {
	SessionID   string                 `json:"session_id"`
	Observation string                 `json:"observation"`
	Reward      float64                `json:"reward"`
	Done        bool                   `json:"done"`
	Info        map[string]interface{} `json:"info"`
}

// DeleteResponse acknowledges one session delete
type DeleteResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// DeleteAllResponse acknowledges a sweep delete
type DeleteAllResponse struct {
	Status  string   `json:"status"`
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
}

// EnvironmentsResponse lists the configured environment catalogue
type EnvironmentsResponse struct {
	Environments []string `json:"environments"`
	Total        int      `json:"total"`
}

// HealthResponse is the liveness summary
type HealthResponse struct {
	Status                string `json:"status"`
	ActiveSessions        int    `json:"active_sessions"`
	MaxSessions           int    `json:"max_sessions"`
	AvailableEnvironments int    `json:"available_environments"`
}

// ErrorResponse is the envelope every error returns: a human readable
// detail plus a stable machine readable code
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

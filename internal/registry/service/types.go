package service

// CreateSessionRequest is the JSON body for POST /v1/sessions.
type CreateSessionRequest struct {
	Owner string `json:"owner"`
	TTLMS int64  `json:"ttl_ms"`
}

// SessionResponse is returned when a session is created.
type SessionResponse struct {
	ID    string `json:"id"`
	TTLMS int64  `json:"ttl_ms"`
}

// AddNodeRequest is the JSON body for POST /v1/nodes. An empty Session
// creates a persistent node.
type AddNodeRequest struct {
	Path       string `json:"path"`
	Sequential bool   `json:"sequential,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Session    string `json:"session,omitempty"`
}

// NodeResponse is returned by POST and GET /v1/nodes. HasData is false when
// the node or its data is absent.
type NodeResponse struct {
	Path    string `json:"path"`
	Data    []byte `json:"data,omitempty"`
	HasData bool   `json:"has_data"`
}

// ChildrenResponse is returned by GET /v1/children.
type ChildrenResponse struct {
	Path     string   `json:"path"`
	Children []string `json:"children"`
	Version  int64    `json:"version"`
}

// WatchRequest is the JSON body for POST /v1/watches.
type WatchRequest struct {
	Session string `json:"session"`
	Path    string `json:"path"`
}

// ErrorResponse is returned on errors. Code identifies registry errors so
// clients can map them back to sentinels.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Subscribers   int    `json:"subscribers"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeAlreadyExists   = "already_exists"
	CodeNotEmpty        = "not_empty"
	CodeInvalidPath     = "invalid_path"
	CodeSessionNotFound = "session_not_found"
)

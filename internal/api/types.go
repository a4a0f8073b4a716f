package api

import (
	"encoding/json"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
)

// DispatchRequest is the JSON body for POST /v1/dispatch.
type DispatchRequest struct {
	Worker  string          `json:"worker"`
	Items   batch.WorkBatch `json:"items"`
	Timeout string          `json:"timeout,omitempty"` // duration string, e.g. "30s"
}

// DispatchResponse is returned on successful async dispatch.
type DispatchResponse struct {
	DispatchID string `json:"dispatch_id"`
	Worker     string `json:"worker"`
	Status     string `json:"status"`
}

// SyncDispatchResponse is returned by POST /v1/dispatch?sync=true.
type SyncDispatchResponse struct {
	DispatchID string               `json:"dispatch_id"`
	Worker     string               `json:"worker"`
	Status     string               `json:"status"`
	Records    []batch.ResultRecord `json:"records,omitempty"`
	Error      string               `json:"error,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

// DispatchStatusResponse is returned by GET /v1/dispatches/{id}.
type DispatchStatusResponse struct {
	DispatchID  string          `json:"dispatch_id"`
	Worker      string          `json:"worker"`
	Status      string          `json:"status"`
	ItemCount   int             `json:"item_count"`
	Records     json.RawMessage `json:"records,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

// WorkerInfo is one entry in GET /v1/workers.
type WorkerInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	WorkersLoaded    int    `json:"workers_loaded"`
	ActiveDispatches int    `json:"active_dispatches"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

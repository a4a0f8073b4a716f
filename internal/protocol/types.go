package protocol

import (
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
)

// Version is the protocol version carried in every batch envelope.
const Version = 1

// Message kinds discriminate the two envelope shapes.
const (
	KindBatch  = "batch"
	KindResult = "result"
)

// StatusCompleted is the only valid status for a result envelope. A worker
// that cannot complete its batch exits nonzero instead of replying.
const StatusCompleted = "completed"

// BatchMessage is the envelope written to the worker's message channel.
// It is the only message a worker ever receives.
type BatchMessage struct {
	Kind       string          `json:"kind"`
	Protocol   int             `json:"protocol"`
	DispatchID string          `json:"dispatch_id"`
	Items      batch.WorkBatch `json:"items"`
	Checksum   string          `json:"checksum"`
	DeadlineAt time.Time       `json:"deadline_at,omitempty"`
}

// ResultMessage is the envelope a worker writes back. Exactly one per worker
// lifetime; anything after it on the channel is a protocol violation.
type ResultMessage struct {
	Kind   string               `json:"kind"`
	Status string               `json:"status"`
	Items  []batch.ResultRecord `json:"items"`
}

// Package batch defines the work item and result value types exchanged
// between the supervisor and its workers.
package batch

import "time"

// RecordStatus tags a processed result record.
const (
	StatusProcessed = "processed"
)

// Dispatch statuses as recorded in the ledger.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal dispatch status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// WorkItem is one opaque unit of input. It is immutable once handed to a
// worker; the supervisor never inspects it beyond serialization.
type WorkItem struct {
	OrderID  int64   `json:"order_id"`
	Customer string  `json:"customer"`
	Amount   float64 `json:"amount"`
}

// WorkBatch is an ordered sequence of WorkItems. It is owned exclusively by
// the supervisor until sent; exactly one worker instance processes it.
type WorkBatch []WorkItem

// ResultRecord is one computed output item. Workers produce one per WorkItem,
// preserving input order.
type ResultRecord struct {
	OrderID   int64     `json:"order_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

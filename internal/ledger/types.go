package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
)

var ErrDispatchNotFound = errors.New("dispatch not found")

// Entry is one dispatch as recorded in the ledger.
type Entry struct {
	ID          string
	Worker      string
	Status      batch.Status
	ItemCount   int
	Records     json.RawMessage
	CreatedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
	Stderr      *string
}

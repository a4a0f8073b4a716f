package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/dmarsh/gaffer/internal/batch"
)

// Protocol violation sentinels. The supervisor maps any of these to a
// worker failure rather than surfacing them as supervisor errors.
var (
	ErrEmptyReply   = errors.New("worker produced no reply")
	ErrTrailingData = errors.New("trailing data after reply message")
	ErrSchema       = errors.New("reply schema violation")
)

// ItemsChecksum computes the hex BLAKE3 digest of the canonical JSON
// encoding of items. Both sides compute it the same way, so a mismatch
// means the batch was corrupted in transit.
func ItemsChecksum(items batch.WorkBatch) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal items for checksum: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewBatchMessage builds a batch envelope for items, computing the checksum.
func NewBatchMessage(dispatchID string, items batch.WorkBatch) (*BatchMessage, error) {
	sum, err := ItemsChecksum(items)
	if err != nil {
		return nil, err
	}
	return &BatchMessage{
		Kind:       KindBatch,
		Protocol:   Version,
		DispatchID: dispatchID,
		Items:      items,
		Checksum:   sum,
	}, nil
}

// EncodeBatch serializes a BatchMessage to JSON and writes it to w.
func EncodeBatch(w io.Writer, msg *BatchMessage) error {
	if msg.Kind != KindBatch {
		return fmt.Errorf("invalid batch kind: %q", msg.Kind)
	}
	if msg.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", msg.Protocol)
	}
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return nil
}

// DecodeBatch reads one BatchMessage from r and validates it, including the
// items checksum. Used by the worker runtime.
func DecodeBatch(r io.Reader) (*BatchMessage, error) {
	var msg BatchMessage

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	if msg.Kind != KindBatch {
		return nil, fmt.Errorf("unexpected message kind: %q (want %q)", msg.Kind, KindBatch)
	}
	if msg.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", msg.Protocol)
	}
	if msg.DispatchID == "" {
		return nil, fmt.Errorf("batch missing dispatch_id")
	}

	sum, err := ItemsChecksum(msg.Items)
	if err != nil {
		return nil, err
	}
	if sum != msg.Checksum {
		return nil, fmt.Errorf("items checksum mismatch: expected %s, got %s", msg.Checksum, sum)
	}

	return &msg, nil
}

// EncodeResult serializes a ResultMessage to JSON and writes it to w.
func EncodeResult(w io.Writer, msg *ResultMessage) error {
	if msg.Kind != KindResult {
		return fmt.Errorf("invalid result kind: %q", msg.Kind)
	}
	if msg.Status != StatusCompleted {
		return fmt.Errorf("invalid result status: %q", msg.Status)
	}
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// DecodeResult reads the worker's reply from r and enforces the
// single-message contract: exactly one valid result envelope, no trailing
// data, and exactly wantItems records in input order.
//
// wantItems < 0 skips the record-count check (callers that don't know the
// dispatched batch size).
func DecodeResult(r io.Reader, wantItems int) (*ResultMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyReply
	}

	decoder := json.NewDecoder(bytes.NewReader(data))

	var msg ResultMessage
	if err := decoder.Decode(&msg); err != nil {
		return nil, fmt.Errorf("reply is not valid JSON: %w", err)
	}
	if decoder.More() {
		return nil, ErrTrailingData
	}

	if msg.Kind != KindResult {
		return nil, fmt.Errorf("%w: unexpected kind %q (want %q)", ErrSchema, msg.Kind, KindResult)
	}
	if msg.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: invalid status %q (want %q)", ErrSchema, msg.Status, StatusCompleted)
	}
	if wantItems >= 0 && len(msg.Items) != wantItems {
		return nil, fmt.Errorf("%w: %d records for %d items", ErrSchema, len(msg.Items), wantItems)
	}

	return &msg, nil
}

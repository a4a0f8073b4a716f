package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
)

func testItems() batch.WorkBatch {
	return batch.WorkBatch{
		{OrderID: 101, Customer: "Ada", Amount: 25.50},
		{OrderID: 102, Customer: "Grace", Amount: 99.00},
		{OrderID: 103, Customer: "Edsger", Amount: 12.75},
	}
}

func TestNewBatchMessage(t *testing.T) {
	msg, err := NewBatchMessage("d-1", testItems())
	if err != nil {
		t.Fatalf("NewBatchMessage: %v", err)
	}
	if msg.Kind != KindBatch {
		t.Errorf("kind = %q, want %q", msg.Kind, KindBatch)
	}
	if msg.Protocol != Version {
		t.Errorf("protocol = %d, want %d", msg.Protocol, Version)
	}
	if msg.Checksum == "" {
		t.Error("checksum should be set")
	}

	// Identical items yield an identical checksum.
	again, err := NewBatchMessage("d-2", testItems())
	if err != nil {
		t.Fatalf("NewBatchMessage: %v", err)
	}
	if again.Checksum != msg.Checksum {
		t.Errorf("checksum not deterministic: %s vs %s", again.Checksum, msg.Checksum)
	}
}

func TestEncodeBatch(t *testing.T) {
	tests := []struct {
		name    string
		msg     *BatchMessage
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid batch",
			msg: &BatchMessage{
				Kind:       KindBatch,
				Protocol:   1,
				DispatchID: "d-123",
				Items:      testItems(),
				Checksum:   "abc",
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"kind":"batch"`) {
					t.Error("missing kind field")
				}
				if !strings.Contains(output, `"dispatch_id":"d-123"`) {
					t.Error("missing dispatch_id field")
				}
				if !strings.Contains(output, `"order_id":101`) {
					t.Error("missing items")
				}
			},
		},
		{
			name:    "wrong kind",
			msg:     &BatchMessage{Kind: KindResult, Protocol: 1, DispatchID: "d"},
			wantErr: true,
		},
		{
			name:    "unsupported protocol version",
			msg:     &BatchMessage{Kind: KindBatch, Protocol: 2, DispatchID: "d"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeBatch(&buf, tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeBatch err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeBatch_RoundTrip(t *testing.T) {
	msg, err := NewBatchMessage("d-rt", testItems())
	if err != nil {
		t.Fatalf("NewBatchMessage: %v", err)
	}

	var buf bytes.Buffer
	if err := EncodeBatch(&buf, msg); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}

	got, err := DecodeBatch(&buf)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if got.DispatchID != "d-rt" {
		t.Errorf("dispatch_id = %q", got.DispatchID)
	}
	if len(got.Items) != 3 || got.Items[0].OrderID != 101 {
		t.Errorf("items not preserved: %+v", got.Items)
	}
}

func TestDecodeBatch_ChecksumMismatch(t *testing.T) {
	msg, err := NewBatchMessage("d-bad", testItems())
	if err != nil {
		t.Fatalf("NewBatchMessage: %v", err)
	}
	msg.Items[0].Amount = 1000000 // corrupt after checksum

	var buf bytes.Buffer
	if err := EncodeBatch(&buf, msg); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}

	if _, err := DecodeBatch(&buf); err == nil {
		t.Fatal("expected checksum mismatch error")
	} else if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeBatch_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not JSON", input: "nope"},
		{name: "wrong kind", input: `{"kind":"result","protocol":1,"dispatch_id":"d","items":[],"checksum":"x"}`},
		{name: "bad version", input: `{"kind":"batch","protocol":9,"dispatch_id":"d","items":[],"checksum":"x"}`},
		{name: "missing dispatch_id", input: `{"kind":"batch","protocol":1,"items":[],"checksum":"x"}`},
		{name: "unknown field", input: `{"kind":"batch","protocol":1,"dispatch_id":"d","items":[],"checksum":"x","extra":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeBatch(strings.NewReader(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeResult_OK(t *testing.T) {
	reply := `{"kind":"result","status":"completed","items":[` +
		`{"order_id":101,"status":"processed","timestamp":"2026-02-08T12:00:00Z"},` +
		`{"order_id":102,"status":"processed","timestamp":"2026-02-08T12:00:01Z"}]}`

	msg, err := DecodeResult(strings.NewReader(reply), 2)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if msg.Status != StatusCompleted {
		t.Errorf("status = %q", msg.Status)
	}
	if len(msg.Items) != 2 || msg.Items[0].OrderID != 101 || msg.Items[1].OrderID != 102 {
		t.Errorf("records not in input order: %+v", msg.Items)
	}
}

func TestDecodeResult_EmptyBatch(t *testing.T) {
	msg, err := DecodeResult(strings.NewReader(`{"kind":"result","status":"completed","items":[]}`), 0)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if len(msg.Items) != 0 {
		t.Errorf("expected no records, got %d", len(msg.Items))
	}
}

func TestDecodeResult_Violations(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantItems int
		sentinel  error
	}{
		{name: "empty reply", input: "", wantItems: 0, sentinel: ErrEmptyReply},
		{name: "whitespace only", input: "  \n", wantItems: 0, sentinel: ErrEmptyReply},
		{
			name: "second message",
			input: `{"kind":"result","status":"completed","items":[]}` + "\n" +
				`{"kind":"result","status":"completed","items":[]}`,
			wantItems: 0,
			sentinel:  ErrTrailingData,
		},
		{name: "not JSON", input: "garbage", wantItems: 0},
		{name: "wrong kind", input: `{"kind":"batch","status":"completed","items":[]}`, wantItems: 0, sentinel: ErrSchema},
		{name: "bad status", input: `{"kind":"result","status":"Completed","items":[]}`, wantItems: 0, sentinel: ErrSchema},
		{
			name:      "record count mismatch",
			input:     `{"kind":"result","status":"completed","items":[]}`,
			wantItems: 3,
			sentinel:  ErrSchema,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResult(strings.NewReader(tt.input), tt.wantItems)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Fatalf("error = %v, want %v", err, tt.sentinel)
			}
		})
	}
}

package worker

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/protocol"
)

func encodeBatch(t *testing.T, items batch.WorkBatch) *bytes.Buffer {
	t.Helper()

	msg, err := protocol.NewBatchMessage("d-test", items)
	if err != nil {
		t.Fatalf("NewBatchMessage: %v", err)
	}
	var buf bytes.Buffer
	if err := protocol.EncodeBatch(&buf, msg); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	return &buf
}

func tagProcessed(items batch.WorkBatch) ([]batch.ResultRecord, error) {
	records := make([]batch.ResultRecord, 0, len(items))
	for _, item := range items {
		records = append(records, batch.ResultRecord{
			OrderID:   item.OrderID,
			Status:    batch.StatusProcessed,
			Timestamp: time.Now().UTC(),
		})
	}
	return records, nil
}

func TestRun_Success(t *testing.T) {
	items := batch.WorkBatch{
		{OrderID: 101, Customer: "Ada", Amount: 10},
		{OrderID: 102, Customer: "Grace", Amount: 20},
	}

	var out bytes.Buffer
	ch := Channel{In: encodeBatch(t, items), Out: &out}

	if err := Run(ch, tagProcessed); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reply, err := protocol.DecodeResult(&out, 2)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if reply.Items[0].OrderID != 101 || reply.Items[1].OrderID != 102 {
		t.Errorf("records out of order: %+v", reply.Items)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	var out bytes.Buffer
	ch := Channel{In: encodeBatch(t, batch.WorkBatch{}), Out: &out}

	if err := Run(ch, tagProcessed); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reply, err := protocol.DecodeResult(&out, 0)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if len(reply.Items) != 0 {
		t.Errorf("records = %d, want 0", len(reply.Items))
	}
}

func TestRun_TransformError_NoReply(t *testing.T) {
	var out bytes.Buffer
	ch := Channel{In: encodeBatch(t, batch.WorkBatch{{OrderID: 1}}), Out: &out}

	boom := errors.New("cannot price order")
	err := Run(ch, func(batch.WorkBatch) ([]batch.ResultRecord, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("no reply must be written on failure, got %q", out.String())
	}
}

func TestRun_TransformPanic(t *testing.T) {
	var out bytes.Buffer
	ch := Channel{In: encodeBatch(t, batch.WorkBatch{{OrderID: 1}}), Out: &out}

	err := Run(ch, func(batch.WorkBatch) ([]batch.ResultRecord, error) {
		panic("index out of range")
	})
	if err == nil {
		t.Fatal("panic must surface as an error")
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("err = %v", err)
	}
	if out.Len() != 0 {
		t.Error("no reply must be written after a panic")
	}
}

func TestRun_RecordCountMismatch(t *testing.T) {
	var out bytes.Buffer
	ch := Channel{In: encodeBatch(t, batch.WorkBatch{{OrderID: 1}, {OrderID: 2}}), Out: &out}

	err := Run(ch, func(items batch.WorkBatch) ([]batch.ResultRecord, error) {
		return []batch.ResultRecord{{OrderID: 1, Status: batch.StatusProcessed}}, nil
	})
	if err == nil {
		t.Fatal("expected count mismatch error")
	}
	if out.Len() != 0 {
		t.Error("no reply must be written on count mismatch")
	}
}

func TestRun_BadInput(t *testing.T) {
	var out bytes.Buffer
	ch := Channel{In: strings.NewReader("not a batch"), Out: &out}

	if err := Run(ch, tagProcessed); err == nil {
		t.Fatal("expected decode error")
	}
	if out.Len() != 0 {
		t.Error("no reply must be written on bad input")
	}
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/events"
	"github.com/dmarsh/gaffer/internal/ledger"
	"github.com/dmarsh/gaffer/internal/log"
	"github.com/dmarsh/gaffer/internal/registry"
	"github.com/dmarsh/gaffer/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// echoScript replies with one processed record per order_id in the batch,
// preserving input order, using only grep/cut so tests run anywhere.
const echoScript = `#!/bin/bash
input=$(cat)
records=""
for id in $(echo "$input" | grep -o '"order_id":[0-9]*' | cut -d: -f2); do
  records="$records{\"order_id\":$id,\"status\":\"processed\",\"timestamp\":\"2026-01-01T00:00:00Z\"},"
done
records=${records%,}
echo "{\"kind\":\"result\",\"status\":\"completed\",\"items\":[$records]}"
`

func createTestWorker(t *testing.T, workersDir, name, script string) *registry.Worker {
	t.Helper()

	workerDir := filepath.Join(workersDir, name)
	if err := os.MkdirAll(workerDir, 0o755); err != nil {
		t.Fatalf("failed to create worker dir: %v", err)
	}

	manifest := fmt.Sprintf("name: %s\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\n", name)
	if err := os.WriteFile(filepath.Join(workerDir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workerDir, "run.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	reg, err := registry.Discover(workersDir, nil)
	if err != nil {
		t.Fatalf("failed to discover workers: %v", err)
	}
	w, ok := reg.Get(name)
	if !ok {
		t.Fatalf("worker %q not found after discovery", name)
	}
	return w
}

func testBatch(n int) batch.WorkBatch {
	items := make(batch.WorkBatch, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, batch.WorkItem{
			OrderID:  int64(101 + i),
			Customer: fmt.Sprintf("customer-%d", i),
			Amount:   float64(i) * 9.99,
		})
	}
	return items
}

func TestDispatch_Success(t *testing.T) {
	sup := New(Options{})
	w := createTestWorker(t, t.TempDir(), "echo", echoScript)

	handle, err := sup.Dispatch(context.Background(), w, testBatch(3), 10*time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	records, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.OrderID != int64(101+i) {
			t.Errorf("record %d: order_id = %d, records out of input order", i, r.OrderID)
		}
		if r.Status != batch.StatusProcessed {
			t.Errorf("record %d: status = %q", i, r.Status)
		}
	}
}

func TestDispatch_EmptyBatch(t *testing.T) {
	sup := New(Options{})
	w := createTestWorker(t, t.TempDir(), "echo", echoScript)

	handle, err := sup.Dispatch(context.Background(), w, batch.WorkBatch{}, 10*time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	records, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("empty batch should complete, got %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestDispatch_LaunchError(t *testing.T) {
	sup := New(Options{})
	ghost := &registry.Worker{
		Name:       "ghost",
		Entrypoint: filepath.Join(t.TempDir(), "does-not-exist"),
		Protocol:   1,
	}

	_, err := sup.Dispatch(context.Background(), ghost, testBatch(1), time.Second)
	if err == nil {
		t.Fatal("expected launch error")
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("error type = %T, want *LaunchError", err)
	}
	if launchErr.Worker != "ghost" {
		t.Errorf("worker = %q", launchErr.Worker)
	}
	if sup.Active() != 0 {
		t.Errorf("no handle should be tracked after launch failure")
	}
}

func waitForFailure(t *testing.T, sup *Supervisor, w *registry.Worker, items batch.WorkBatch, timeout time.Duration) *WorkerFailure {
	t.Helper()

	handle, err := sup.Dispatch(context.Background(), w, items, timeout)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, err = handle.Wait(context.Background())
	if err == nil {
		t.Fatal("expected worker failure")
	}
	var failure *WorkerFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *WorkerFailure", err)
	}
	if handle.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", handle.State())
	}
	return failure
}

func TestDispatch_WorkerExitsNonzero(t *testing.T) {
	sup := New(Options{})
	script := "#!/bin/bash\ncat > /dev/null\necho 'computation failed' >&2\nexit 3\n"
	w := createTestWorker(t, t.TempDir(), "crasher", script)

	failure := waitForFailure(t, sup, w, testBatch(2), 10*time.Second)
	if failure.Reason != ReasonExit {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonExit)
	}
	if failure.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", failure.ExitCode)
	}
	if failure.Stderr == "" {
		t.Error("stderr should be captured")
	}
}

func TestDispatch_ExitWithoutReply(t *testing.T) {
	sup := New(Options{})
	script := "#!/bin/bash\ncat > /dev/null\nexit 0\n"
	w := createTestWorker(t, t.TempDir(), "silent", script)

	failure := waitForFailure(t, sup, w, testBatch(1), 10*time.Second)
	if failure.Reason != ReasonNoReply {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonNoReply)
	}
}

func TestDispatch_MalformedReply(t *testing.T) {
	sup := New(Options{})
	script := "#!/bin/bash\ncat > /dev/null\necho 'this is not json'\n"
	w := createTestWorker(t, t.TempDir(), "garbled", script)

	failure := waitForFailure(t, sup, w, testBatch(1), 10*time.Second)
	if failure.Reason != ReasonMalformed {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonMalformed)
	}
}

func TestDispatch_SecondMessageIsProtocolViolation(t *testing.T) {
	sup := New(Options{})
	script := `#!/bin/bash
cat > /dev/null
echo '{"kind":"result","status":"completed","items":[]}'
echo '{"kind":"result","status":"completed","items":[]}'
`
	w := createTestWorker(t, t.TempDir(), "chatty", script)

	failure := waitForFailure(t, sup, w, batch.WorkBatch{}, 10*time.Second)
	if failure.Reason != ReasonProtocol {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonProtocol)
	}
}

func TestDispatch_RecordCountMismatch(t *testing.T) {
	sup := New(Options{})
	script := `#!/bin/bash
cat > /dev/null
echo '{"kind":"result","status":"completed","items":[{"order_id":101,"status":"processed","timestamp":"2026-01-01T00:00:00Z"}]}'
`
	w := createTestWorker(t, t.TempDir(), "partial", script)

	failure := waitForFailure(t, sup, w, testBatch(2), 10*time.Second)
	if failure.Reason != ReasonProtocol {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonProtocol)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	sup := New(Options{GracePeriod: 500 * time.Millisecond})
	script := "#!/bin/bash\nexec sleep 30\n"
	w := createTestWorker(t, t.TempDir(), "sleeper", script)

	start := time.Now()
	failure := waitForFailure(t, sup, w, testBatch(1), 300*time.Millisecond)
	elapsed := time.Since(start)

	if failure.Reason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonTimeout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestDispatch_Cancel(t *testing.T) {
	sup := New(Options{GracePeriod: 500 * time.Millisecond})
	script := "#!/bin/bash\nexec sleep 30\n"
	w := createTestWorker(t, t.TempDir(), "sleeper", script)

	handle, err := sup.Dispatch(context.Background(), w, testBatch(1), time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	handle.Cancel()

	_, err = handle.Wait(context.Background())
	var failure *WorkerFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *WorkerFailure", err)
	}
	if failure.Reason != ReasonCancelled {
		t.Errorf("reason = %q, want %q", failure.Reason, ReasonCancelled)
	}
}

func TestDispatch_ConcurrentBatchesDoNotInterleave(t *testing.T) {
	sup := New(Options{})
	w := createTestWorker(t, t.TempDir(), "echo", echoScript)

	first := batch.WorkBatch{{OrderID: 101}, {OrderID: 102}}
	second := batch.WorkBatch{{OrderID: 901}, {OrderID: 902}, {OrderID: 903}}

	h1, err := sup.Dispatch(context.Background(), w, first, 10*time.Second)
	if err != nil {
		t.Fatalf("Dispatch first: %v", err)
	}
	h2, err := sup.Dispatch(context.Background(), w, second, 10*time.Second)
	if err != nil {
		t.Fatalf("Dispatch second: %v", err)
	}

	r1, err := h1.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait first: %v", err)
	}
	r2, err := h2.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait second: %v", err)
	}

	if len(r1) != 2 || r1[0].OrderID != 101 || r1[1].OrderID != 102 {
		t.Errorf("first handle got foreign records: %+v", r1)
	}
	if len(r2) != 3 || r2[0].OrderID != 901 || r2[2].OrderID != 903 {
		t.Errorf("second handle got foreign records: %+v", r2)
	}
}

func TestDispatch_Idempotent(t *testing.T) {
	sup := New(Options{})
	w := createTestWorker(t, t.TempDir(), "echo", echoScript)
	items := testBatch(3)

	run := func() []batch.ResultRecord {
		h, err := sup.Dispatch(context.Background(), w, items, 10*time.Second)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		records, err := h.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return records
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("record counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].OrderID != b[i].OrderID || a[i].Status != b[i].Status {
			t.Errorf("record %d differs beyond timestamp: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestDispatch_OnResult(t *testing.T) {
	sup := New(Options{})
	w := createTestWorker(t, t.TempDir(), "echo", echoScript)

	handle, err := sup.Dispatch(context.Background(), w, testBatch(1), 10*time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := make(chan Outcome, 2)
	handle.OnResult(func(o Outcome) { got <- o })

	select {
	case o := <-got:
		if o.Failure != nil {
			t.Fatalf("unexpected failure: %v", o.Failure)
		}
		if len(o.Records) != 1 {
			t.Errorf("records = %d", len(o.Records))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("callback never fired")
	}

	// Registration after resolution fires too.
	handle.OnResult(func(o Outcome) { got <- o })
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("late callback never fired")
	}
}

func TestDispatch_LedgerAndEvents(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	led := ledger.New(db)
	hub := events.NewHub(16)
	sup := New(Options{Ledger: led, Events: hub})

	ch, cancel := hub.Subscribe()
	defer cancel()

	w := createTestWorker(t, t.TempDir(), "echo", echoScript)
	handle, err := sup.Dispatch(context.Background(), w, testBatch(2), 10*time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var types []string
	deadline := time.After(5 * time.Second)
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("expected 2 events, got %v", types)
		}
	}
	if types[0] != events.TypeDispatchLaunched || types[1] != events.TypeDispatchCompleted {
		t.Errorf("event types = %v", types)
	}

	entry, err := led.Get(context.Background(), handle.ID())
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Status != batch.StatusCompleted {
		t.Errorf("ledger status = %q", entry.Status)
	}
	if entry.ItemCount != 2 {
		t.Errorf("ledger item_count = %d", entry.ItemCount)
	}
}

func TestShutdown_CancelsInFlight(t *testing.T) {
	sup := New(Options{GracePeriod: 500 * time.Millisecond})
	script := "#!/bin/bash\nexec sleep 30\n"
	w := createTestWorker(t, t.TempDir(), "sleeper", script)

	handle, err := sup.Dispatch(context.Background(), w, testBatch(1), time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	outcome, resolved := handle.Outcome()
	if !resolved {
		t.Fatal("handle should be resolved after shutdown")
	}
	if outcome.Failure == nil || outcome.Failure.Reason != ReasonCancelled {
		t.Errorf("outcome = %+v", outcome)
	}
	if sup.Active() != 0 {
		t.Errorf("active = %d after shutdown", sup.Active())
	}
}

package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/tapledger/internal/httpapi"
	"github.com/BrandonDHaskell/tapledger/internal/metrics"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/chain"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store/memory"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

var t0 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

type testEnv struct {
	ts     *httptest.Server
	ledger *memory.LedgerStore
	lock   *memory.CycleLock
}

// newTestServer wires the pipeline over in-memory stores seeded with n
// chained taps from distinct cards, all resolvable.
func newTestServer(t *testing.T, n int) *testEnv {
	return newTestServerWith(t, n, serverOpts{})
}

type serverOpts struct {
	// directory, when set, wraps the card directory.
	directory    func(*memory.Directory) store.EmployeeDirectory
	cycleTimeout time.Duration
}

func newTestServerWith(t *testing.T, n int, opts serverOpts) *testEnv {
	t.Helper()

	ledger := memory.NewLedgerStore()
	events := memory.NewAttendanceEventStore()
	dir := memory.NewDirectory(nil)
	lock := memory.NewCycleLock()

	sealer := chain.NewSealer(types.LedgerEntry{})
	for i := 1; i <= n; i++ {
		rfid := fmt.Sprintf("RFID-%d", i)
		e, err := sealer.Seal(chain.Tap{
			EmployeeRFID:  rfid,
			DeviceID:      "gate-1",
			EventType:     "clock_in",
			ScanTimestamp: t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if err := ledger.Append(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
		dir.Assign(rfid, int64(100+i))
	}

	var directory store.EmployeeDirectory = dir
	if opts.directory != nil {
		directory = opts.directory(dir)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewIngest(reg)

	orch := service.NewIngestionOrchestrator(service.OrchestratorDeps{
		Ledger:    ledger,
		Events:    events,
		Directory: directory,
		Lock:      lock,
		Observers: []service.CycleObserver{m},
	}, service.OrchestratorConfig{Holder: "http-test"})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:         ":0",
		Orchestrator: orch,
		Health:       service.NewHealthReporter(ledger, time.Hour, service.DuplicatePolicyMarkProcessed),
		CycleTimeout: opts.cycleTimeout,
		OnHealth:     m.ObserveHealth,
		Gatherer:     reg,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, ledger: ledger, lock: lock}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// ── Health ───────────────────────────────────────────────────────────────────

func TestHealth_JSON(t *testing.T) {
	env := newTestServer(t, 3)

	resp := get(t, env.ts.URL+"/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var h types.HealthReport
	decode(t, resp, &h)
	if h.TotalUnprocessed != 3 {
		t.Errorf("expected total_unprocessed=3, got %d", h.TotalUnprocessed)
	}
	if h.LastSequenceID == nil || *h.LastSequenceID != 3 {
		t.Errorf("expected last_sequence_id=3, got %v", h.LastSequenceID)
	}
	if h.ProcessingLagSeconds <= 0 {
		t.Errorf("expected positive lag, got %v", h.ProcessingLagSeconds)
	}
}

func TestHealth_Protobuf(t *testing.T) {
	env := newTestServer(t, 2)

	resp := get(t, env.ts.URL+"/v1/health", "application/x-protobuf")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected application/x-protobuf, got %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal struct: %v", err)
	}
	fields := msg.GetFields()
	if got := fields["total_unprocessed"].GetNumberValue(); got != 2 {
		t.Errorf("expected total_unprocessed=2, got %v", got)
	}
	if got := fields["last_sequence_id"].GetNumberValue(); got != 2 {
		t.Errorf("expected last_sequence_id=2, got %v", got)
	}
	if _, ok := fields["stale_unprocessed_entries"]; !ok {
		t.Error("expected stale_unprocessed_entries field")
	}
}

func TestHealth_StoreDown_503(t *testing.T) {
	env := newTestServer(t, 1)
	env.ledger.FailWith = errors.New("connection refused")

	resp := get(t, env.ts.URL+"/v1/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

// ── Ingest run ───────────────────────────────────────────────────────────────

func TestRunCycle_MaterializesThenIdle(t *testing.T) {
	env := newTestServer(t, 3)

	resp := post(t, env.ts.URL+"/v1/ingest/run")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rep types.CycleReport
	decode(t, resp, &rep)
	if rep.Fetched != 3 || rep.Materialization.Created != 3 || rep.Marked != 3 {
		t.Errorf("expected 3 fetched/created/marked, got %d/%d/%d",
			rep.Fetched, rep.Materialization.Created, rep.Marked)
	}
	if !rep.Chain.Valid {
		t.Error("expected a valid chain")
	}

	resp = post(t, env.ts.URL+"/v1/ingest/run")
	var again types.CycleReport
	decode(t, resp, &again)
	if again.Fetched != 0 {
		t.Errorf("expected nothing left to fetch, got %d", again.Fetched)
	}
}

func TestRunCycle_FromSequenceCreatesNothingNew(t *testing.T) {
	env := newTestServer(t, 3)
	post(t, env.ts.URL+"/v1/ingest/run")

	resp := post(t, env.ts.URL+"/v1/ingest/run?from=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rep types.CycleReport
	decode(t, resp, &rep)
	if rep.Fetched != 3 {
		t.Errorf("expected backfill to fetch 3, got %d", rep.Fetched)
	}
	if rep.Materialization.Created != 0 || rep.Dedup.AlreadyProcessed != 3 {
		t.Errorf("expected 0 created / 3 already processed, got %d/%d",
			rep.Materialization.Created, rep.Dedup.AlreadyProcessed)
	}
}

func TestRunCycle_LockHeld_409(t *testing.T) {
	env := newTestServer(t, 1)

	release, ok, err := env.lock.TryAcquire(context.Background(), "other-replica")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release()

	resp := post(t, env.ts.URL+"/v1/ingest/run")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var er struct {
		Error string `json:"error"`
	}
	decode(t, resp, &er)
	if er.Error != "cycle_in_progress" {
		t.Errorf("expected error=cycle_in_progress, got %q", er.Error)
	}
}

func TestRunCycle_BadQuery_400(t *testing.T) {
	env := newTestServer(t, 1)

	for _, q := range []string{"?limit=abc", "?limit=-1", "?limit=20000", "?from=x"} {
		resp := post(t, env.ts.URL+"/v1/ingest/run"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestRunCycle_StoreDown_500(t *testing.T) {
	env := newTestServer(t, 1)
	env.ledger.FailWith = errors.New("connection refused")

	resp := post(t, env.ts.URL+"/v1/ingest/run")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var body struct {
		Error  string            `json:"error"`
		Report types.CycleReport `json:"report"`
	}
	decode(t, resp, &body)
	if body.Error != "cycle_failed" {
		t.Errorf("expected cycle_failed, got %q", body.Error)
	}
}

// stallingDirectory resolves every card except stall, which blocks until the
// cycle's context is done.
type stallingDirectory struct {
	*memory.Directory
	stall string
}

func (d *stallingDirectory) Resolve(ctx context.Context, rfid string) (int64, bool, error) {
	if rfid == d.stall {
		<-ctx.Done()
		return 0, false, ctx.Err()
	}
	return d.Directory.Resolve(ctx, rfid)
}

func TestRunCycle_TimeoutReturnsPartialReport(t *testing.T) {
	env := newTestServerWith(t, 3, serverOpts{
		directory: func(d *memory.Directory) store.EmployeeDirectory {
			return &stallingDirectory{Directory: d, stall: "RFID-2"}
		},
		cycleTimeout: 50 * time.Millisecond,
	})

	resp := post(t, env.ts.URL+"/v1/ingest/run")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	var body struct {
		Error   string            `json:"error"`
		Message string            `json:"message"`
		Report  types.CycleReport `json:"report"`
	}
	decode(t, resp, &body)
	if body.Error != "cycle_aborted" {
		t.Errorf("expected cycle_aborted, got %q", body.Error)
	}
	if !strings.Contains(body.Message, "deadline exceeded") {
		t.Errorf("expected deadline in message, got %q", body.Message)
	}
	if !body.Report.Aborted {
		t.Error("expected aborted report")
	}
	if body.Report.Materialization.Created != 1 {
		t.Errorf("expected created=1, got %d", body.Report.Materialization.Created)
	}
	if body.Report.Marked != 1 {
		t.Errorf("expected marked=1, got %d", body.Report.Marked)
	}

	// The tap materialized before the deadline is committed.
	if e, _ := env.ledger.Entry(1); !e.Processed {
		t.Error("expected seq 1 processed")
	}
	if e, _ := env.ledger.Entry(2); e.Processed {
		t.Error("expected seq 2 left for the next cycle")
	}
	if env.lock.Holder() != "" {
		t.Errorf("expected lock released, held by %q", env.lock.Holder())
	}
}

func TestRunCycle_WrongMethod_405(t *testing.T) {
	env := newTestServer(t, 1)

	resp := get(t, env.ts.URL+"/v1/ingest/run", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

// ── Chain verification ───────────────────────────────────────────────────────

func TestVerifyChain_Valid(t *testing.T) {
	env := newTestServer(t, 4)

	resp := get(t, env.ts.URL+"/v1/chain/verify", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rep types.ChainReport
	decode(t, resp, &rep)
	if !rep.Valid || rep.TotalValidated != 4 {
		t.Errorf("expected valid chain of 4, got valid=%v total=%d", rep.Valid, rep.TotalValidated)
	}
}

func TestVerifyChain_TamperedEntry(t *testing.T) {
	env := newTestServer(t, 4)
	env.ledger.Tamper(2, func(e *types.LedgerEntry) {
		e.HashChain = strings.Repeat("0", 64)
	})

	resp := get(t, env.ts.URL+"/v1/chain/verify?from=1&limit=10", "")
	var rep types.ChainReport
	decode(t, resp, &rep)
	if rep.Valid {
		t.Fatal("expected invalid chain")
	}
	if rep.FailedAtSequenceID == nil || *rep.FailedAtSequenceID != 2 {
		t.Errorf("expected failed_at_sequence_id=2, got %v", rep.FailedAtSequenceID)
	}
}

func TestVerifyChain_FromMidLedgerUsesAnchor(t *testing.T) {
	env := newTestServer(t, 4)

	resp := get(t, env.ts.URL+"/v1/chain/verify?from=3", "")
	var rep types.ChainReport
	decode(t, resp, &rep)
	if !rep.Valid || rep.TotalValidated != 2 {
		t.Errorf("expected valid tail of 2, got valid=%v total=%d", rep.Valid, rep.TotalValidated)
	}
	if rep.SequenceGaps != 0 {
		t.Errorf("expected anchor to suppress a leading gap, got %d gaps", rep.SequenceGaps)
	}
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func TestMetrics_ExposesCycleCounters(t *testing.T) {
	env := newTestServer(t, 2)
	post(t, env.ts.URL+"/v1/ingest/run")
	get(t, env.ts.URL+"/v1/health", "")

	resp := get(t, env.ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{
		`tapledger_cycles_total{outcome="success"} 1`,
		`tapledger_attendance_events_created_total 2`,
		`tapledger_unprocessed_entries 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics to contain %q", want)
		}
	}
}

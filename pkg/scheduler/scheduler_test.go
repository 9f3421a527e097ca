package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/ledger"
	"github.com/Sternrassler/profile-harvester/pkg/provider"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/Sternrassler/profile-harvester/pkg/sink"
	"github.com/rs/zerolog"
)

func ids(names ...string) []identifier.ID {
	out := make([]identifier.ID, len(names))
	for i, n := range names {
		out[i] = identifier.ID(n)
	}
	return out
}

func testPolicy(attempts int) *retry.Policy {
	return retry.NewPolicy(retry.Config{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		AttemptTimeout:    time.Second,
	}, zerolog.Nop())
}

func newCSV(t *testing.T) *sink.CSV {
	t.Helper()
	s, err := sink.NewCSV(filepath.Join(t.TempDir(), "results.csv"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	return s
}

// newTestScheduler wires a scheduler over a CSV sink with a derived ledger
// and records pacing sleeps instead of sleeping.
func newTestScheduler(t *testing.T, p provider.Provider, out *sink.CSV, batchSize, attempts int) (*Scheduler, *[]time.Duration) {
	t.Helper()
	cfg := Config{BatchSize: batchSize, Delay: 2 * time.Second}
	s := New(cfg, p, out, ledger.NewDerived(out, zerolog.Nop()), testPolicy(attempts), zerolog.Nop())
	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return s, &sleeps
}

func userNames(t *testing.T, out *sink.CSV) []string {
	t.Helper()
	recs, err := out.Records(context.Background())
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.UserName()
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"empty", 0, 3, nil},
		{"exact", 6, 3, []int{3, 3}},
		{"remainder", 5, 2, []int{2, 2, 1}},
		{"larger than input", 3, 50, []int{3}},
		{"size one", 3, 1, []int{1, 1, 1}},
		{"zero size treated as one", 2, 0, []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]identifier.ID, tt.n)
			for i := range in {
				in[i] = identifier.ID(string(rune('a' + i)))
			}
			got := Partition(in, tt.size)
			if len(got) != len(tt.sizes) {
				t.Fatalf("Partition() returned %d batches, want %d", len(got), len(tt.sizes))
			}
			var flat []identifier.ID
			for i, b := range got {
				if len(b) != tt.sizes[i] {
					t.Errorf("batch %d size = %d, want %d", i, len(b), tt.sizes[i])
				}
				flat = append(flat, b...)
			}
			for i := range in {
				if flat[i] != in[i] {
					t.Errorf("order broken at %d: got %s, want %s", i, flat[i], in[i])
				}
			}
		})
	}
}

func TestRun_SkipsFailedIdentifier(t *testing.T) {
	out := newCSV(t)
	mock := provider.NewMock(provider.MockConfig{
		Failures: map[identifier.ID]retry.Class{"carol": retry.ClassNotFound},
	})
	s, sleeps := newTestScheduler(t, mock, out, 2, 1)

	var reports []BatchReport
	s.OnBatch = func(r BatchReport) { reports = append(reports, r) }

	summary, err := s.Run(context.Background(), ids("alice", "bob", "carol", "dave", "eve"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Batches != 3 {
		t.Errorf("Batches = %d, want 3", summary.Batches)
	}
	if summary.Succeeded != 4 || summary.Failed != 1 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want 4 succeeded, 1 failed, 0 skipped", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].ID != "carol" {
		t.Fatalf("Failures = %+v, want carol", summary.Failures)
	}
	if f := summary.Failures[0]; f.Kind != retry.Terminal || f.Class != retry.ClassNotFound {
		t.Errorf("failure = %+v, want terminal not_found", f)
	}

	want := []string{"alice", "bob", "dave", "eve"}
	if got := userNames(t, out); !equalStrings(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}

	if len(*sleeps) != 2 {
		t.Errorf("pacing sleeps = %d, want 2 (none after the last batch)", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != 2*time.Second {
			t.Errorf("pacing delay = %v, want 2s", d)
		}
	}

	if len(reports) != 3 {
		t.Fatalf("OnBatch called %d times, want 3", len(reports))
	}
	if reports[1].Ordinal != 1 || reports[1].Failed != 1 || reports[1].Written != 1 {
		t.Errorf("second report = %+v", reports[1])
	}
}

func TestRun_CoercesIdentity(t *testing.T) {
	out := newCSV(t)
	p := provider.Func(func(ctx context.Context, id identifier.ID) (record.Record, error) {
		return record.New(map[record.Field]record.Value{
			record.FieldUserName: record.String("SomethingElse"),
			record.FieldName:     record.String("Alice A."),
		})
	})
	s, _ := newTestScheduler(t, p, out, 10, 1)

	if _, err := s.Run(context.Background(), ids("alice")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	recs, err := out.Records(context.Background())
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("rows = %d, want 1", len(recs))
	}
	if got := recs[0].UserName(); got != "alice" {
		t.Errorf("user_name = %q, want alice", got)
	}
	if got := recs[0].Get(record.FieldURL).String(); got != "https://twitter.com/alice" {
		t.Errorf("url = %q, want https://twitter.com/alice", got)
	}
}

func openCSV(t *testing.T, path string) *sink.CSV {
	t.Helper()
	s, err := sink.NewCSV(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tableRows(t *testing.T, out *sink.CSV) [][]string {
	t.Helper()
	recs, err := out.Records(context.Background())
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = r.Row()
	}
	return rows
}

func TestRun_ResumeAfterInterruption(t *testing.T) {
	input := ids("alice", "bob", "carol", "dave", "eve")
	carolFails := func() *provider.Mock {
		return provider.NewMock(provider.MockConfig{
			Failures: map[identifier.ID]retry.Class{"carol": retry.ClassNotFound},
		})
	}

	// Uninterrupted reference run
	reference := openCSV(t, filepath.Join(t.TempDir(), "reference.csv"))
	s, _ := newTestScheduler(t, carolFails(), reference, 2, 1)
	summary, err := s.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("reference Run() error = %v", err)
	}
	if summary.Batches != 3 || summary.Failed != 1 {
		t.Fatalf("reference summary = %+v, want 3 batches, 1 failed", summary)
	}

	// Interrupted after batch 1, then restarted against the same file
	path := filepath.Join(t.TempDir(), "results.csv")
	mock := carolFails()

	ctx, cancel := context.WithCancel(context.Background())
	first, _ := newTestScheduler(t, mock, openCSV(t, path), 2, 1)
	first.OnBatch = func(BatchReport) { cancel() }
	summary, err = first.Run(ctx, input)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Batches != 1 {
		t.Fatalf("Batches = %d, want 1", summary.Batches)
	}

	out := openCSV(t, path)
	second, _ := newTestScheduler(t, mock, out, 2, 1)
	summary, err = second.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if summary.Skipped != 2 || summary.Succeeded != 2 || summary.Failed != 1 || summary.Batches != 2 {
		t.Errorf("resumed summary = %+v, want 2 already saved, 2 succeeded, 1 failed, 2 batches", summary)
	}
	for id, want := range map[identifier.ID]int{"alice": 1, "bob": 1, "carol": 1, "dave": 1, "eve": 1} {
		if n := mock.Calls(id); n != want {
			t.Errorf("Calls(%s) = %d, want %d", id, n, want)
		}
	}

	got, want := tableRows(t, out), tableRows(t, reference)
	if len(got) != 4 || len(got) != len(want) {
		t.Fatalf("rows = %d, want 4 matching the uninterrupted run (%d)", len(got), len(want))
	}
	for i := range want {
		if !equalStrings(got[i], want[i]) {
			t.Errorf("row %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRun_CompletedInputIsNoop(t *testing.T) {
	out := newCSV(t)
	mock := provider.NewMock(provider.MockConfig{})
	input := ids("alice", "bob", "carol")

	s, _ := newTestScheduler(t, mock, out, 2, 1)
	if _, err := s.Run(context.Background(), input); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	again, sleeps := newTestScheduler(t, mock, out, 2, 1)
	summary, err := again.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Batches != 0 || summary.Skipped != 3 {
		t.Errorf("summary = %+v, want 0 batches, 3 skipped", summary)
	}
	if mock.TotalCalls() != 3 {
		t.Errorf("TotalCalls() = %d, want 3", mock.TotalCalls())
	}
	if len(*sleeps) != 0 {
		t.Errorf("pacing sleeps = %d, want 0", len(*sleeps))
	}
	if got := userNames(t, out); len(got) != 3 {
		t.Errorf("rows = %v, want 3 rows", got)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	out := newCSV(t)
	mock := provider.NewMock(provider.MockConfig{})
	s, _ := newTestScheduler(t, mock, out, 2, 1)

	summary, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Batches != 0 || summary.Total != 0 {
		t.Errorf("summary = %+v, want empty", summary)
	}
	if mock.TotalCalls() != 0 {
		t.Errorf("TotalCalls() = %d, want 0", mock.TotalCalls())
	}
}

func TestRun_RetryExhaustion(t *testing.T) {
	out := newCSV(t)
	mock := provider.NewMock(provider.MockConfig{
		Transient: map[identifier.ID]int{"bob": 10, "carol": 1},
	})
	s, _ := newTestScheduler(t, mock, out, 3, 3)

	summary, err := s.Run(context.Background(), ids("alice", "bob", "carol"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := mock.Calls("bob"); got != 3 {
		t.Errorf("Calls(bob) = %d, want 3", got)
	}
	if got := mock.Calls("carol"); got != 2 {
		t.Errorf("Calls(carol) = %d, want 2", got)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 2 succeeded, 1 failed", summary)
	}
	if f := summary.Failures[0]; f.Kind != retry.Exhausted || f.Attempts != 3 || f.Class != retry.ClassServer {
		t.Errorf("failure = %+v, want exhausted after 3 server errors", f)
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	p := provider.Func(func(ctx context.Context, id identifier.ID) (record.Record, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return provider.MockRecord(id), nil
	})

	out := newCSV(t)
	s, _ := newTestScheduler(t, p, out, 3, 1)
	if _, err := s.Run(context.Background(), ids("a", "b", "c", "d", "e", "f", "g")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
	if got := len(userNames(t, out)); got != 7 {
		t.Errorf("rows = %d, want 7", got)
	}
}

func TestRun_OrdinalLedger(t *testing.T) {
	out := newCSV(t)
	mock := provider.NewMock(provider.MockConfig{})
	input := ids("alice", "bob", "carol", "dave", "eve")
	checkpoint := filepath.Join(t.TempDir(), "checkpoint.txt")

	ord := ledger.NewOrdinal(checkpoint, 2, zerolog.Nop())
	if err := ord.Advance(context.Background(), 1); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	s := New(Config{BatchSize: 2}, mock, out, ord, testPolicy(1), zerolog.Nop())
	var ordinals []int
	s.OnBatch = func(r BatchReport) { ordinals = append(ordinals, r.Ordinal) }

	summary, err := s.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped != 2 || summary.Batches != 2 {
		t.Errorf("summary = %+v, want 2 skipped, 2 batches", summary)
	}
	if len(ordinals) != 2 || ordinals[0] != 1 || ordinals[1] != 2 {
		t.Errorf("ordinals = %v, want [1 2]", ordinals)
	}
	if mock.Calls("alice") != 0 || mock.Calls("bob") != 0 {
		t.Error("identifiers of the completed batch were fetched again")
	}

	state, err := ord.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.NextBatch != 3 {
		t.Errorf("NextBatch = %d, want 3", state.NextBatch)
	}
}

func TestRun_OrdinalLedgerRejectsChangedBatchSize(t *testing.T) {
	checkpoint := filepath.Join(t.TempDir(), "checkpoint.txt")
	if err := ledger.NewOrdinal(checkpoint, 2, zerolog.Nop()).Advance(context.Background(), 1); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	mock := provider.NewMock(provider.MockConfig{})
	s := New(Config{BatchSize: 4}, mock, newCSV(t), ledger.NewOrdinal(checkpoint, 4, zerolog.Nop()), testPolicy(1), zerolog.Nop())

	_, err := s.Run(context.Background(), ids("alice", "bob", "carol", "dave", "eve"))
	if !errors.Is(err, ErrBatchSizeChanged) {
		t.Fatalf("Run() error = %v, want ErrBatchSizeChanged", err)
	}
	if mock.TotalCalls() != 0 {
		t.Errorf("TotalCalls() = %d, want 0", mock.TotalCalls())
	}
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, []record.Record) (int, error) { return 0, f.err }

func TestRun_PersistenceFailure(t *testing.T) {
	boom := errors.New("disk full")
	mock := provider.NewMock(provider.MockConfig{})
	ord := ledger.NewOrdinal(filepath.Join(t.TempDir(), "checkpoint.txt"), 2, zerolog.Nop())
	s := New(Config{BatchSize: 2}, mock, failingSink{err: boom}, ord, testPolicy(1), zerolog.Nop())

	summary, err := s.Run(context.Background(), ids("alice", "bob", "carol"))
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want ErrPersistence wrapping %v", err, boom)
	}
	if summary.Batches != 0 {
		t.Errorf("Batches = %d, want 0", summary.Batches)
	}
	if mock.Calls("carol") != 0 {
		t.Error("second batch ran after a persistence failure")
	}

	state, _ := ord.Load(context.Background())
	if state.NextBatch != 0 {
		t.Errorf("NextBatch = %d, want 0 after failed append", state.NextBatch)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	out := newCSV(t)
	mock := provider.NewMock(provider.MockConfig{})
	s, _ := newTestScheduler(t, mock, out, 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Run(ctx, ids("alice")); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if mock.TotalCalls() != 0 {
		t.Errorf("TotalCalls() = %d, want 0", mock.TotalCalls())
	}
}

func TestRun_CancelDuringBatchFinishesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	p := provider.Func(func(fctx context.Context, id identifier.ID) (record.Record, error) {
		once.Do(cancel)
		time.Sleep(5 * time.Millisecond)
		if err := fctx.Err(); err != nil {
			return record.Record{}, err
		}
		return provider.MockRecord(id), nil
	})

	out := newCSV(t)
	s, _ := newTestScheduler(t, p, out, 2, 1)

	summary, err := s.Run(ctx, ids("alice", "bob", "carol"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", summary.Succeeded)
	}
	if got := userNames(t, out); !equalStrings(got, []string{"alice", "bob"}) {
		t.Errorf("rows = %v, want [alice bob]", got)
	}
}

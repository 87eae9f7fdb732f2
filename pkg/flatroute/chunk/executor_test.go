package chunk

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cognicore/flatroute/pkg/flatroute/classify"
	"github.com/cognicore/flatroute/pkg/flatroute/enrich"
	"github.com/cognicore/flatroute/pkg/flatroute/internalerr"
	"github.com/cognicore/flatroute/pkg/flatroute/mapping"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/router"
	"github.com/cognicore/flatroute/pkg/flatroute/runtoken"
	"github.com/cognicore/flatroute/pkg/flatroute/store/memstore"
)

type item struct {
	rec record.Record
	err error
}

func stream(items []item) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		for _, it := range items {
			if !yield(it.rec, it.err) {
				return
			}
		}
	}
}

func customers(from, n int) []item {
	out := make([]item, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, item{rec: &record.Customer{
			ID:        int64(i),
			FirstName: "First",
			LastName:  "Last",
			Email:     fmt.Sprintf("c%d@x.com", i),
		}})
	}
	return out
}

func mixed(n int) []item {
	out := make([]item, 0, n)
	for i := 0; i < n; i++ {
		if i%3 == 0 {
			out = append(out, item{rec: &record.Product{ID: int64(1000 + i), Name: "p", PriceCents: int64(i * 100)}})
			continue
		}
		out = append(out, item{rec: &record.Customer{ID: int64(i), Email: fmt.Sprintf("c%d@x.com", i)}})
	}
	return out
}

// checkingObserver fails the test on any illegal chunk transition.
type checkingObserver struct {
	t        *testing.T
	mu       sync.Mutex
	states   map[int]ChunkState
	finished []Result
}

func newCheckingObserver(t *testing.T) *checkingObserver {
	return &checkingObserver{t: t, states: make(map[int]ChunkState)}
}

func (o *checkingObserver) ChunkTransition(_ runtoken.Token, seq int, from, to ChunkState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur := o.states[seq]; cur != from {
		o.t.Errorf("chunk %d: transition from %v but current state is %v", seq, from, cur)
	}
	if !ValidTransition(from, to) {
		o.t.Errorf("chunk %d: illegal transition %v -> %v", seq, from, to)
	}
	o.states[seq] = to
}

func (o *checkingObserver) RunFinished(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
}

func (o *checkingObserver) count(s ChunkState) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.states {
		if st == s {
			n++
		}
	}
	return n
}

func newExecutor(t *testing.T, st *memstore.Store, opts Options, obs Observer) *Executor {
	t.Helper()
	return New(router.Default(st), enrich.New(nil), opts,
		WithLogger(zaptest.NewLogger(t)),
		WithObserver(obs))
}

func TestRunCommitsFinalPartialChunk(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	obs := newCheckingObserver(t)
	ex := newExecutor(t, st, Options{ChunkSize: 100, Workers: 4}, obs)

	res := ex.Run(ctx, "run-1", stream(customers(1, 250)))
	if res.Status != StatusCompleted || res.Err != nil {
		t.Fatalf("run = %v (%v)", res.Status, res.Err)
	}
	if res.RecordsRead != 250 || res.RecordsWritten != 250 {
		t.Errorf("read=%d written=%d", res.RecordsRead, res.RecordsWritten)
	}
	if res.ChunksCommitted != 3 || st.Commits() != 3 {
		t.Errorf("chunks committed = %d, store commits = %d", res.ChunksCommitted, st.Commits())
	}
	if n, _ := st.CountCustomers(ctx); n != 250 {
		t.Errorf("customers = %d", n)
	}
	if obs.count(Committed) != 3 {
		t.Errorf("observer saw %d committed chunks", obs.count(Committed))
	}
	if len(obs.finished) != 1 || obs.finished[0].Token != "run-1" {
		t.Errorf("RunFinished calls = %+v", obs.finished)
	}
	if res.Duration() < 0 || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("bad timing: %v -> %v", res.StartedAt, res.FinishedAt)
	}
}

func TestRunStampsEveryRecord(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 5, Workers: 3}, nil)

	if res := ex.Run(ctx, "run-1", stream(mixed(40))); res.Err != nil {
		t.Fatal(res.Err)
	}
	cs, _ := st.ListCustomers(ctx)
	for _, c := range cs {
		if c.ProcessedAt == nil {
			t.Fatalf("customer %d has no processing time", c.ID)
		}
	}
	ps, _ := st.ListProducts(ctx)
	for _, p := range ps {
		if p.ProcessedAt == nil {
			t.Fatalf("product %d has no processing time", p.ID)
		}
	}
}

func TestRunFailedChunkCommitsNothing(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	boom := errors.New("constraint violated")
	// last record of the second chunk
	st.FailOn(record.TagCustomer, 19, boom)
	obs := newCheckingObserver(t)
	ex := newExecutor(t, st, Options{ChunkSize: 10, Workers: 1}, obs)

	res := ex.Run(ctx, "run-1", stream(customers(0, 30)))
	if res.Status != StatusFailed {
		t.Fatalf("status = %v", res.Status)
	}
	var werr *router.WriteError
	if !errors.As(res.Err, &werr) || !errors.Is(res.Err, boom) {
		t.Fatalf("expected WriteError wrapping %v, got %v", boom, res.Err)
	}
	if res.ChunksFailed < 1 {
		t.Errorf("ChunksFailed = %d", res.ChunksFailed)
	}
	cs, _ := st.ListCustomers(ctx)
	for _, c := range cs {
		if c.ID >= 10 && c.ID < 20 {
			t.Fatalf("record %d from the failed chunk was committed", c.ID)
		}
	}
	if obs.count(Failed) < 1 {
		t.Error("observer saw no failed chunk")
	}
}

func TestRunPoolSizeDoesNotChangeContent(t *testing.T) {
	ctx := context.Background()
	input := mixed(333)

	contents := func(workers int) ([]int64, []int64) {
		st := memstore.New()
		ex := newExecutor(t, st, Options{ChunkSize: 7, Workers: workers}, newCheckingObserver(t))
		if res := ex.Run(ctx, runtoken.Token(fmt.Sprintf("w%d", workers)), stream(input)); res.Err != nil {
			t.Fatalf("workers=%d: %v", workers, res.Err)
		}
		var cids, pids []int64
		cs, _ := st.ListCustomers(ctx)
		for _, c := range cs {
			cids = append(cids, c.ID)
		}
		ps, _ := st.ListProducts(ctx)
		for _, p := range ps {
			pids = append(pids, p.ID)
		}
		return cids, pids
	}

	c1, p1 := contents(1)
	c10, p10 := contents(10)
	if !reflect.DeepEqual(c1, c10) || !reflect.DeepEqual(p1, p10) {
		t.Fatal("pool size changed destination content")
	}
	if len(c1)+len(p1) != len(input) {
		t.Errorf("stored %d records, want %d", len(c1)+len(p1), len(input))
	}
}

func TestRunRerunRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 10, Workers: 2}, nil)
	input := customers(1, 25)

	if res := ex.Run(ctx, "run-1", stream(input)); res.Err != nil {
		t.Fatal(res.Err)
	}
	res := ex.Run(ctx, "run-2", stream(input))
	if res.Status != StatusFailed || !errors.Is(res.Err, internalerr.ErrDuplicate) {
		t.Fatalf("second run = %v (%v), want duplicate failure", res.Status, res.Err)
	}
	if n, _ := st.CountCustomers(ctx); n != 25 {
		t.Errorf("customers = %d after re-run", n)
	}
}

func recordErr(n int) item {
	return item{err: &classify.Error{Position: fmt.Sprintf("in:%d", n), Reason: "ambiguous"}}
}

func TestRunSkipsRecordErrors(t *testing.T) {
	input := append(customers(1, 3), recordErr(4))
	input = append(input, customers(5, 3)...)
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 2, Workers: 2}, nil)

	res := ex.Run(context.Background(), "run-1", stream(input))
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v (%v)", res.Status, res.Err)
	}
	if len(res.RecordErrors) != 1 || res.RecordsWritten != 6 {
		t.Errorf("record errors = %v, written = %d", res.RecordErrors, res.RecordsWritten)
	}
}

func mappingErr(n int) item {
	return item{err: &mapping.Error{
		Position: fmt.Sprintf("in:%d", n),
		Tag:      record.TagProduct,
		Field:    "price",
		Err:      errors.New("not a decimal"),
	}}
}

func TestRunAbortPolicy(t *testing.T) {
	input := append(customers(1, 3), mappingErr(4))
	input = append(input, customers(5, 30)...)
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 10, Workers: 2, MappingPolicy: PolicyAbort}, newCheckingObserver(t))

	res := ex.Run(context.Background(), "run-1", stream(input))
	var merr *mapping.Error
	if res.Status != StatusFailed || !errors.As(res.Err, &merr) {
		t.Fatalf("run = %v (%v), want mapping failure", res.Status, res.Err)
	}
	if n, _ := st.CountCustomers(context.Background()); n != 0 {
		t.Errorf("aborted run committed %d rows", n)
	}
	if res.ChunksFailed != 1 {
		t.Errorf("ChunksFailed = %d, want the abandoned chunk", res.ChunksFailed)
	}
}

func TestRunAbortPolicySkipsClassificationErrors(t *testing.T) {
	input := append(customers(1, 3), recordErr(4))
	input = append(input, customers(5, 3)...)
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 2, Workers: 2, MappingPolicy: PolicyAbort}, newCheckingObserver(t))

	res := ex.Run(context.Background(), "run-1", stream(input))
	if res.Status != StatusCompleted || res.Err != nil {
		t.Fatalf("run = %v (%v), want completed", res.Status, res.Err)
	}
	if len(res.RecordErrors) != 1 || res.RecordsWritten != 6 {
		t.Errorf("record errors = %v, written = %d", res.RecordErrors, res.RecordsWritten)
	}
	if n, _ := st.CountCustomers(context.Background()); n != 6 {
		t.Errorf("customers = %d", n)
	}
}

func TestRunMaxRecordErrors(t *testing.T) {
	input := []item{recordErr(1), recordErr(2), recordErr(3)}
	input = append(input, customers(10, 5)...)
	ex := newExecutor(t, memstore.New(), Options{MaxRecordErrors: 2}, nil)

	res := ex.Run(context.Background(), "run-1", stream(input))
	if !errors.Is(res.Err, ErrTooManyRecordErrors) {
		t.Fatalf("Err = %v", res.Err)
	}
	if len(res.RecordErrors) != 3 {
		t.Errorf("RecordErrors = %d", len(res.RecordErrors))
	}
}

func TestRunSourceFailureFailsRun(t *testing.T) {
	ioErr := errors.New("unexpected EOF")
	input := append(customers(1, 5), item{err: ioErr})
	input = append(input, customers(6, 5)...)
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 3, Workers: 1}, newCheckingObserver(t))

	res := ex.Run(context.Background(), "run-1", stream(input))
	if !errors.Is(res.Err, ioErr) {
		t.Fatalf("Err = %v", res.Err)
	}
	// the first full chunk was already handed to the pool
	if n, _ := st.CountCustomers(context.Background()); n != 3 {
		t.Errorf("customers = %d, want 3", n)
	}
}

func TestRunCancelStopsAtChunkBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := customers(0, 50)
	seq := func(yield func(record.Record, error) bool) {
		for i, it := range input {
			if i == 15 {
				cancel()
			}
			if !yield(it.rec, it.err) {
				return
			}
		}
	}

	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 10, Workers: 2}, newCheckingObserver(t))
	res := ex.Run(ctx, "run-1", seq)

	if res.Status != StatusFailed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("run = %v (%v)", res.Status, res.Err)
	}
	if res.RecordsWritten != 20 || res.ChunksCommitted != 2 {
		t.Errorf("written=%d committed=%d, want the two chunks read before the boundary", res.RecordsWritten, res.ChunksCommitted)
	}
	if n, _ := st.CountCustomers(context.Background()); n != 20 {
		t.Errorf("customers = %d", n)
	}
}

func TestRunWithCommitRateLimit(t *testing.T) {
	st := memstore.New()
	ex := newExecutor(t, st, Options{ChunkSize: 5, Workers: 3, CommitRateLimit: 500}, nil)
	res := ex.Run(context.Background(), "run-1", stream(customers(1, 40)))
	if res.Err != nil || res.ChunksCommitted != 8 {
		t.Fatalf("run = %+v", res)
	}
}

func TestRunEmptyStream(t *testing.T) {
	st := memstore.New()
	res := newExecutor(t, st, Options{}, nil).Run(context.Background(), "run-1", stream(nil))
	if res.Status != StatusCompleted || res.ChunksCommitted != 0 || st.Commits() != 0 {
		t.Fatalf("run = %+v", res)
	}
}

func TestOptionsDefaults(t *testing.T) {
	got := Options{ChunkSize: -1, MaxRecordErrors: -4}.withDefaults()
	want := Options{ChunkSize: DefaultChunkSize, Workers: DefaultWorkers}
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicySkip, false},
		{"skip", PolicySkip, false},
		{" Abort ", PolicyAbort, false},
		{"retry", PolicySkip, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestValidTransition(t *testing.T) {
	legal := map[[2]ChunkState]bool{
		{Idle, Reading}:       true,
		{Reading, Processing}: true,
		{Processing, Writing}: true,
		{Writing, Committed}:  true,
		{Reading, Failed}:     true,
		{Processing, Failed}:  true,
		{Writing, Failed}:     true,
	}
	states := []ChunkState{Idle, Reading, Processing, Writing, Committed, Failed}
	for _, from := range states {
		for _, to := range states {
			if got := ValidTransition(from, to); got != legal[[2]ChunkState{from, to}] {
				t.Errorf("ValidTransition(%v, %v) = %v", from, to, got)
			}
		}
	}
	if Writing.String() != "writing" || ChunkState(42).String() != "ChunkState(42)" {
		t.Error("unexpected ChunkState names")
	}
}

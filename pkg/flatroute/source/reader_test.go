package source

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
)

type memResource struct {
	name string
	body string
	err  error
}

func (m memResource) Name() string { return m.name }

func (m memResource) Open() (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

func collect(t *testing.T, r *Reader) ([]record.Record, []error) {
	t.Helper()
	var recs []record.Record
	var errs []error
	for rec, err := range r.Records() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, errs
}

func TestReaderPreservesSourceOrder(t *testing.T) {
	r := NewReader([]Resource{
		memResource{name: "b", body: "3,Michael,Brown,m@x.com\n102,Mouse,Ergonomic,79.50\n"},
		memResource{name: "a", body: "1,John,Doe,john@x.com\n"},
	}, Options{})

	recs, errs := collect(t, r)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	var keys []int64
	for _, rec := range recs {
		keys = append(keys, rec.Key())
	}
	want := []int64{3, 102, 1}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
	if recs[1].Tag() != record.TagProduct {
		t.Errorf("second record tag = %q", recs[1].Tag())
	}
}

func TestReaderIsNotRestartable(t *testing.T) {
	r := NewReader([]Resource{memResource{name: "a", body: "1,John,Doe,john@x.com\n"}}, Options{})
	recs, _ := collect(t, r)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	recs, errs := collect(t, r)
	if len(recs) != 0 || len(errs) != 1 || !errors.Is(errs[0], ErrConsumed) {
		t.Fatalf("second pass: recs=%d errs=%v", len(recs), errs)
	}
}

func TestReaderPerLineErrorsContinue(t *testing.T) {
	r := NewReader([]Resource{memResource{
		name: "mixed",
		body: "1,John,Doe,john@x.com\nbad,line\n\n101,Laptop,desc,999.00\n5,x,y,@\n",
	}}, Options{})

	recs, errs := collect(t, r)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	for _, err := range errs {
		if !IsRecordError(err) {
			t.Errorf("expected per-record error, got %v", err)
		}
	}
	if !strings.Contains(errs[0].Error(), "mixed:2") {
		t.Errorf("error should carry position: %v", errs[0])
	}
	if !strings.Contains(errs[1].Error(), "mixed:5") {
		t.Errorf("blank line should still count toward positions: %v", errs[1])
	}
}

func TestReaderStrictFailsFast(t *testing.T) {
	r := NewReader([]Resource{
		memResource{name: "a", body: "1,John,Doe,john@x.com\n"},
		memResource{name: "missing", err: os.ErrNotExist},
		memResource{name: "c", body: "2,Jane,Smith,jane@x.com\n"},
	}, Options{Strict: true})

	recs, errs := collect(t, r)
	if len(recs) != 1 {
		t.Fatalf("expected records before the failure only, got %d", len(recs))
	}
	var uerr *UnavailableError
	if len(errs) != 1 || !errors.As(errs[0], &uerr) {
		t.Fatalf("expected one UnavailableError, got %v", errs)
	}
	if uerr.Source != "missing" {
		t.Errorf("Source = %q", uerr.Source)
	}
	if IsRecordError(errs[0]) {
		t.Error("unavailable source is not a record error")
	}
}

func TestReaderLenientSkipsMissing(t *testing.T) {
	var warns []Warning
	r := NewReader([]Resource{
		memResource{name: "missing", err: os.ErrNotExist},
		memResource{name: "c", body: "2,Jane,Smith,jane@x.com\n"},
	}, Options{OnWarning: func(w Warning) { warns = append(warns, w) }})

	recs, errs := collect(t, r)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if len(warns) != 1 || warns[0].Source != "missing" {
		t.Fatalf("warnings = %v", warns)
	}
}

func TestReaderSkipLinesAndCRLF(t *testing.T) {
	r := NewReader([]Resource{
		memResource{name: "customers", body: "id,firstName,lastName,email\r\n1,John,Doe,john@x.com\r\n"},
		memResource{name: "products", body: "id,name,description,price\n101,Laptop,desc,999.00\n"},
	}, Options{SkipLines: 1})

	recs, errs := collect(t, r)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if c := recs[0].(*record.Customer); c.Email != "john@x.com" {
		t.Errorf("Email = %q", c.Email)
	}
}

func TestReaderStopsWhenConsumerStops(t *testing.T) {
	r := NewReader([]Resource{memResource{name: "a", body: "1,A,B,a@x.com\n2,C,D,c@x.com\n3,E,F,e@x.com\n"}}, Options{})
	n := 0
	for range r.Records() {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("n = %d", n)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"customers-02.csv", "customers-01.csv", "products-01.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, warns, err := Resolve([]string{
		filepath.Join(dir, "products-*.csv"),
		filepath.Join(dir, "*.csv"),
		filepath.Join(dir, "nothing-*.csv"),
	}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(warns) != 1 {
		t.Errorf("expected 1 warning, got %v", warns)
	}
	var names []string
	for _, r := range res {
		names = append(names, filepath.Base(r.Name()))
	}
	want := []string{"products-01.csv", "customers-01.csv", "customers-02.csv"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("names = %v, want %v", names, want)
	}

	_, _, err = Resolve([]string{filepath.Join(dir, "nothing-*.csv")}, true)
	var uerr *UnavailableError
	if !errors.As(err, &uerr) {
		t.Fatalf("strict resolve should fail with UnavailableError, got %v", err)
	}
}

func TestFileResource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.csv")
	if err := os.WriteFile(path, []byte("1,John,Doe,john@x.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, errs := collect(t, NewReader([]Resource{File(path)}, Options{}))
	if len(errs) != 0 || len(recs) != 1 {
		t.Fatalf("recs=%d errs=%v", len(recs), errs)
	}
}

func TestTextResource(t *testing.T) {
	res := Text("inline", "1,John,Doe,john@x.com\n101,Laptop,desc,999.00\n")
	if res.Name() != "inline" {
		t.Errorf("Name() = %q", res.Name())
	}
	recs, errs := collect(t, NewReader([]Resource{res}, Options{}))
	if len(errs) != 0 || len(recs) != 2 {
		t.Fatalf("recs=%d errs=%v", len(recs), errs)
	}
	if recs[0].Tag() != record.TagCustomer || recs[1].Tag() != record.TagProduct {
		t.Errorf("tags = %s, %s", recs[0].Tag(), recs[1].Tag())
	}
}

package source

import (
	"bufio"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/cognicore/flatroute/pkg/flatroute/classify"
	"github.com/cognicore/flatroute/pkg/flatroute/mapping"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
)

// ErrConsumed is yielded when a Reader's stream is requested a second time.
var ErrConsumed = errors.New("source: record stream already consumed")

const maxLineBytes = 1 << 20

// Options configures a Reader.
type Options struct {
	// Strict fails the whole read when a resource cannot be opened.
	Strict bool
	// SkipLines drops the first N lines of every resource (header rows).
	SkipLines int
	// Classify defaults to classify.Default.
	Classify classify.Func
	// Mappers defaults to mapping.NewRegistry().
	Mappers *mapping.Registry
	// OnWarning receives skipped-source warnings in non-strict mode.
	OnWarning func(Warning)
}

// Reader turns an ordered list of resources into one ordered record stream.
type Reader struct {
	resources []Resource
	opts      Options
	consumed  atomic.Bool
}

// NewReader creates a reader over resources, read in the given order.
func NewReader(resources []Resource, opts Options) *Reader {
	if opts.Classify == nil {
		opts.Classify = classify.Default
	}
	if opts.Mappers == nil {
		opts.Mappers = mapping.NewRegistry()
	}
	if opts.SkipLines < 0 {
		opts.SkipLines = 0
	}
	return &Reader{
		resources: append([]Resource(nil), resources...),
		opts:      opts,
	}
}

// Records returns the lazy record stream. Each resource is read to the end
// before the next one is opened. Per-line classification and mapping
// failures are yielded as (nil, err) and reading continues; an unopenable
// resource in strict mode, or an I/O failure, ends the stream after its
// error. The stream can be ranged over once.
func (r *Reader) Records() iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}
		for _, res := range r.resources {
			cont, fatal := r.readResource(res, yield)
			if !cont || fatal {
				return
			}
		}
	}
}

// readResource streams one resource. cont is false when the consumer
// stopped; fatal is true when the stream must end.
func (r *Reader) readResource(res Resource, yield func(record.Record, error) bool) (cont, fatal bool) {
	rc, err := res.Open()
	if err != nil {
		uerr := &UnavailableError{Source: res.Name(), Err: err}
		if r.opts.Strict {
			yield(nil, uerr)
			return false, true
		}
		if r.opts.OnWarning != nil {
			r.opts.OnWarning(Warning{Source: res.Name(), Err: uerr})
		}
		return true, false
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for sc.Scan() {
		n++
		if n <= r.opts.SkipLines {
			continue
		}
		text := strings.TrimSuffix(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		line := record.RawLine{Source: res.Name(), Number: n, Text: text}
		if !yield(r.mapLine(line)) {
			return false, false
		}
	}
	if err := sc.Err(); err != nil {
		yield(nil, fmt.Errorf("read %s after line %d: %w", res.Name(), n, err))
		return false, true
	}
	return true, false
}

func (r *Reader) mapLine(line record.RawLine) (record.Record, error) {
	tag, err := r.opts.Classify(line)
	if err != nil {
		return nil, err
	}
	return r.opts.Mappers.Map(tag, line)
}

// IsRecordError reports whether err concerns a single line rather than the
// stream as a whole.
func IsRecordError(err error) bool {
	var cerr *classify.Error
	var merr *mapping.Error
	return errors.As(err, &cerr) || errors.As(err, &merr)
}

package chunk

import (
	"fmt"
	"time"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/runtoken"
)

// ChunkState is the lifecycle position of one chunk.
type ChunkState int

const (
	Idle ChunkState = iota
	Reading
	Processing
	Writing
	Committed
	Failed
)

var chunkStateNames = [...]string{"idle", "reading", "processing", "writing", "committed", "failed"}

func (s ChunkState) String() string {
	if s < 0 || int(s) >= len(chunkStateNames) {
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
	return chunkStateNames[s]
}

// ValidTransition reports whether a chunk may move from one state to the next.
// Failed is reachable from Reading, Processing and Writing.
func ValidTransition(from, to ChunkState) bool {
	switch from {
	case Idle:
		return to == Reading
	case Reading:
		return to == Processing || to == Failed
	case Processing:
		return to == Writing || to == Failed
	case Writing:
		return to == Committed || to == Failed
	}
	return false
}

// Status is the lifecycle position of a whole run.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Chunk is a batch of records read consecutively from the stream. Seq is
// the 0-based assignment order within a run.
type Chunk struct {
	Seq     int
	Records []record.Record
}

// Result summarizes one run.
type Result struct {
	Token  runtoken.Token
	Status Status
	// Err is the first error that failed the run, nil on success.
	Err error

	RecordsRead     int
	RecordsWritten  int
	ChunksCommitted int
	ChunksFailed    int
	// RecordErrors holds per-line classification and mapping failures.
	RecordErrors []error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time between start and finish.
func (r Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Observer is notified of chunk transitions and run completion. Calls arrive
// from worker goroutines and must be safe for concurrent use.
type Observer interface {
	ChunkTransition(token runtoken.Token, seq int, from, to ChunkState)
	RunFinished(Result)
}

type nopObserver struct{}

func (nopObserver) ChunkTransition(runtoken.Token, int, ChunkState, ChunkState) {}
func (nopObserver) RunFinished(Result)                                          {}

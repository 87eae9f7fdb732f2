package runtoken

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Token identifies one pipeline execution.
type Token string

func (t Token) String() string { return string(t) }

// Time returns the trigger time encoded in the token.
func (t Token) Time() (time.Time, error) {
	id, err := ulid.ParseStrict(string(t))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}

// Minter produces unique, strictly increasing run tokens
type Minter struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

// New creates a minter using the wall clock
func New() *Minter {
	return NewWithClock(time.Now)
}

// NewWithClock creates a minter reading time from now
func NewWithClock(now func() time.Time) *Minter {
	return &Minter{
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Next mints a token. Tokens minted within the same millisecond differ in
// their monotonic entropy; a clock that steps backwards keeps the previous
// timestamp so ordering still holds.
func (m *Minter) Next() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := ulid.Timestamp(m.now())
	if ms < m.lastMs {
		ms = m.lastMs
	}
	m.lastMs = ms
	id, err := ulid.New(ms, m.entropy)
	if err != nil {
		return "", err
	}
	return Token(id.String()), nil
}

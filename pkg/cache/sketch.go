package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Budget windows tracked per principal.
const (
	WindowHour = time.Hour
	WindowDay  = 24 * time.Hour
	WindowWeek = 7 * 24 * time.Hour
)

// SpendingWindows is one principal's spending per budget window.
type SpendingWindows struct {
	Hour decimal.Decimal `json:"hour"`
	Day  decimal.Decimal `json:"day"`
	Week decimal.Decimal `json:"week"`
}

// spendingEntry buckets totals by window start; stale windows reset
// lazily on access.
type spendingEntry struct {
	hour, day, week                decimal.Decimal
	hourStart, dayStart, weekStart time.Time
}

// SpendingSketch keeps approximate per-principal spending so budget checks
// still have an answer when the metering store cannot be queried. Healthy
// paths seed it from store truth and the gateway adds estimated costs as
// it admits requests. It is a sketch: restarts lose it, and gateway
// instances do not share it.
type SpendingSketch struct {
	mu     sync.Mutex
	clock  func() time.Time
	totals map[string]*spendingEntry
}

func NewSpendingSketch() *SpendingSketch {
	return &SpendingSketch{
		clock:  time.Now,
		totals: make(map[string]*spendingEntry),
	}
}

// WithClock overrides clock for testing.
func (s *SpendingSketch) WithClock(clock func() time.Time) *SpendingSketch {
	s.clock = clock
	return s
}

func (e *spendingEntry) roll(now time.Time) {
	if start := now.Truncate(WindowHour); start.After(e.hourStart) {
		e.hour = decimal.Zero
		e.hourStart = start
	}
	if start := now.Truncate(WindowDay); start.After(e.dayStart) {
		e.day = decimal.Zero
		e.dayStart = start
	}
	if start := now.Truncate(WindowWeek); start.After(e.weekStart) {
		e.week = decimal.Zero
		e.weekStart = start
	}
}

func (s *SpendingSketch) entry(principalID string, now time.Time) *spendingEntry {
	e, ok := s.totals[principalID]
	if !ok {
		e = &spendingEntry{
			hourStart: now.Truncate(WindowHour),
			dayStart:  now.Truncate(WindowDay),
			weekStart: now.Truncate(WindowWeek),
		}
		s.totals[principalID] = e
	}
	e.roll(now)
	return e
}

// Seed replaces a principal's totals with store truth.
func (s *SpendingSketch) Seed(principalID string, w SpendingWindows) {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(principalID, now)
	e.hour, e.day, e.week = w.Hour, w.Day, w.Week
}

// Add accumulates an estimated cost in every window.
func (s *SpendingSketch) Add(principalID string, amount decimal.Decimal) {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(principalID, now)
	e.hour = e.hour.Add(amount)
	e.day = e.day.Add(amount)
	e.week = e.week.Add(amount)
}

// Totals returns the principal's current windows. ok is false when the
// sketch has never seen the principal, which callers should treat as
// unknown spending rather than zero.
func (s *SpendingSketch) Totals(principalID string) (SpendingWindows, bool) {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.totals[principalID]
	if !ok {
		return SpendingWindows{}, false
	}
	e.roll(now)
	return SpendingWindows{Hour: e.hour, Day: e.day, Week: e.week}, true
}

// Forget drops a principal from the sketch.
func (s *SpendingSketch) Forget(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totals, principalID)
}

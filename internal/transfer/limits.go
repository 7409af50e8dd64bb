package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Limit is a user's transfer limits and current usage. Usage rolls over
// when the tracked day or month ends; rollover happens lazily on read.
type Limit struct {
	UserID       string          `json:"userId"`
	DailyLimit   decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit decimal.Decimal `json:"monthlyLimit"`
	DailyUsed    decimal.Decimal `json:"dailyUsed"`
	MonthlyUsed  decimal.Decimal `json:"monthlyUsed"`
	Day          string          `json:"-"` // "2006-01-02" the daily counter belongs to
	Month        string          `json:"-"` // "2006-01" the monthly counter belongs to
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// rollover zeroes counters whose period has ended.
func (l *Limit) rollover(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	month := now.UTC().Format("2006-01")
	if l.Day != day {
		l.Day = day
		l.DailyUsed = decimal.Zero
	}
	if l.Month != month {
		l.Month = month
		l.MonthlyUsed = decimal.Zero
	}
}

// Allows reports whether adding amount stays within both limits.
// Boundaries are inclusive: spending exactly up to the limit is allowed.
func (l *Limit) Allows(amount decimal.Decimal) bool {
	if l.DailyUsed.Add(amount).GreaterThan(l.DailyLimit) {
		return false
	}
	if l.MonthlyUsed.Add(amount).GreaterThan(l.MonthlyLimit) {
		return false
	}
	return true
}

// LimitStore persists per-user limits and usage.
type LimitStore interface {
	// Get returns the user's limit record, creating one with the given
	// defaults on first use. Counters are rolled over before returning.
	Get(ctx context.Context, userID string, defaults Limit) (*Limit, error)
	// AddUsage adds a completed transfer's amount to both counters.
	AddUsage(ctx context.Context, userID string, amount decimal.Decimal, defaults Limit) error
}

// MemoryLimitStore is an in-memory LimitStore for tests and dev mode.
type MemoryLimitStore struct {
	mu     sync.Mutex
	limits map[string]*Limit
	now    func() time.Time
}

// NewMemoryLimitStore creates an empty in-memory limit store.
func NewMemoryLimitStore() *MemoryLimitStore {
	return &MemoryLimitStore{limits: make(map[string]*Limit), now: time.Now}
}

// SetLimit overrides a user's limits (ops adjustment).
func (m *MemoryLimitStore) SetLimit(userID string, daily, monthly decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.getLocked(userID, Limit{DailyLimit: daily, MonthlyLimit: monthly})
	l.DailyLimit = daily
	l.MonthlyLimit = monthly
}

func (m *MemoryLimitStore) Get(_ context.Context, userID string, defaults Limit) (*Limit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.getLocked(userID, defaults)
	cp := *l
	return &cp, nil
}

func (m *MemoryLimitStore) AddUsage(_ context.Context, userID string, amount decimal.Decimal, defaults Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.getLocked(userID, defaults)
	l.DailyUsed = l.DailyUsed.Add(amount)
	l.MonthlyUsed = l.MonthlyUsed.Add(amount)
	l.UpdatedAt = m.now().UTC()
	return nil
}

// getLocked fetches or seeds the record and rolls counters over. Caller holds mu.
func (m *MemoryLimitStore) getLocked(userID string, defaults Limit) *Limit {
	l, ok := m.limits[userID]
	if !ok {
		l = &Limit{
			UserID:       userID,
			DailyLimit:   defaults.DailyLimit,
			MonthlyLimit: defaults.MonthlyLimit,
			DailyUsed:    decimal.Zero,
			MonthlyUsed:  decimal.Zero,
		}
		m.limits[userID] = l
	}
	l.rollover(m.now())
	return l
}

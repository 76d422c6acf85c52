// Package tokens implements the per-analysis token ledger that gates LLM
// use and detector work. The ledger is fail-closed: once the cap is
// exceeded for an analysis it stays exceeded until an explicit reset, and
// every caller must short-circuit its unit of work on a capped result.
package tokens

import (
	"fmt"
	"sync"
	"time"

	"github.com/clauseguard/clauseguard/pkg/store"
)

// Ledger tracks token usage per analysis with a hard cap. Add is
// linearizable per analysis id; the persisted tokens.json is the single
// source of truth for gating.
type Ledger struct {
	store        *store.Store
	cap          int64
	costPerToken float64
	enabled      bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	clock func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// NewLedger creates a ledger. When enabled is false, Add records usage but
// never reports the cap as exceeded.
func NewLedger(s *store.Store, cap int, costPerToken float64, enabled bool, opts ...Option) *Ledger {
	l := &Ledger{
		store:        s,
		cap:          int64(cap),
		costPerToken: costPerToken,
		enabled:      enabled,
		locks:        map[string]*sync.Mutex{},
		clock:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// lockFor returns the per-analysis mutex, creating it on first use.
func (l *Ledger) lockFor(analysisID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[analysisID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[analysisID] = m
	}
	return m
}

// Add atomically charges tokens against the analysis cap. It either
// persists the addition and returns (false, ""), or marks the record
// cap-exceeded, persists that, and returns (true, reason). A capped record
// never accepts further additions until Reset.
func (l *Ledger) Add(analysisID string, inputTokens, outputTokens int64) (bool, string, error) {
	mu := l.lockFor(analysisID)
	mu.Lock()
	defer mu.Unlock()

	u, err := l.store.LoadTokens(analysisID)
	if err != nil {
		return false, "", err
	}
	if u.CapExceeded {
		return true, u.CapReason, nil
	}

	projected := u.TotalTokens + inputTokens + outputTokens
	if l.enabled && projected > l.cap {
		u.CapExceeded = true
		u.CapReason = fmt.Sprintf("Token cap exceeded: %d/%d", projected, l.cap)
		u.LastUpdated = l.clock().Unix()
		if err := l.store.SaveTokens(u); err != nil {
			return true, u.CapReason, err
		}
		return true, u.CapReason, nil
	}

	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost += float64(inputTokens+outputTokens) * l.costPerToken
	u.LastUpdated = l.clock().Unix()
	if err := l.store.SaveTokens(u); err != nil {
		return false, "", err
	}
	return false, "", nil
}

// ChargeDocumentEstimate charges the document pre-charge as input tokens,
// at most once per analysis. Reruns of the detect stage (retry, crash
// resume) observe the recorded estimate and charge nothing, so a resumed
// run sits at the same ledger position as the original.
func (l *Ledger) ChargeDocumentEstimate(analysisID string, estimate int64) (bool, string, error) {
	mu := l.lockFor(analysisID)
	mu.Lock()
	defer mu.Unlock()

	u, err := l.store.LoadTokens(analysisID)
	if err != nil {
		return false, "", err
	}
	if u.CapExceeded {
		return true, u.CapReason, nil
	}
	if u.DocEstimate > 0 {
		return false, "", nil
	}

	projected := u.TotalTokens + estimate
	if l.enabled && projected > l.cap {
		u.CapExceeded = true
		u.CapReason = fmt.Sprintf("Token cap exceeded: %d/%d", projected, l.cap)
		u.LastUpdated = l.clock().Unix()
		if err := l.store.SaveTokens(u); err != nil {
			return true, u.CapReason, err
		}
		return true, u.CapReason, nil
	}

	u.DocEstimate = estimate
	u.InputTokens += estimate
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost += float64(estimate) * l.costPerToken
	u.LastUpdated = l.clock().Unix()
	if err := l.store.SaveTokens(u); err != nil {
		return false, "", err
	}
	return false, "", nil
}

// Get returns a usage snapshot, auto-creating an empty record on first
// call.
func (l *Ledger) Get(analysisID string) (*store.TokenUsage, error) {
	mu := l.lockFor(analysisID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.LoadTokens(analysisID)
}

// Reset clears the record, including the cap flag.
func (l *Ledger) Reset(analysisID string) error {
	mu := l.lockFor(analysisID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.SaveTokens(&store.TokenUsage{
		AnalysisID:  analysisID,
		LastUpdated: l.clock().Unix(),
	})
}

// Stats is the fleet-wide aggregate over all analyses in the store.
type Stats struct {
	TotalAnalyses         int     `json:"total_analyses"`
	TotalTokens           int64   `json:"total_tokens"`
	TotalCost             float64 `json:"total_cost"`
	CapExceededCount      int     `json:"cap_exceeded_count"`
	CapExceededPercentage float64 `json:"cap_exceeded_percentage"`
	AverageTokens         float64 `json:"average_tokens_per_analysis"`
}

// Aggregate scans every analysis and sums its usage.
func (l *Ledger) Aggregate() (*Stats, error) {
	ids, err := l.store.ListAnalyses()
	if err != nil {
		return nil, err
	}
	st := &Stats{}
	for _, id := range ids {
		u, err := l.store.LoadTokens(id)
		if err != nil {
			return nil, err
		}
		st.TotalAnalyses++
		st.TotalTokens += u.TotalTokens
		st.TotalCost += u.EstimatedCost
		if u.CapExceeded {
			st.CapExceededCount++
		}
	}
	if st.TotalAnalyses > 0 {
		st.CapExceededPercentage = float64(st.CapExceededCount) / float64(st.TotalAnalyses) * 100
		st.AverageTokens = float64(st.TotalTokens) / float64(st.TotalAnalyses)
	}
	return st, nil
}

// EstimateDocumentTokens is the pre-charge estimate for a document of the
// given character count.
func EstimateDocumentTokens(charCount int) int64 {
	est := int64(charCount)/4 + 50
	if est < 100 {
		return 100
	}
	return est
}

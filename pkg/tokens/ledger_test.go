package tokens

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clauseguard/clauseguard/pkg/store"
)

func newLedger(t *testing.T, capTokens int, enabled bool) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	fixed := time.Unix(1_700_000_000, 0)
	return NewLedger(st, capTokens, 0.0001, enabled, WithClock(func() time.Time { return fixed })), st
}

func TestAddAccumulates(t *testing.T) {
	l, st := newLedger(t, 1000, true)
	require.NoError(t, st.EnsureDir("a1"))

	capped, _, err := l.Add("a1", 100, 20)
	require.NoError(t, err)
	require.False(t, capped)

	capped, _, err = l.Add("a1", 50, 0)
	require.NoError(t, err)
	require.False(t, capped)

	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Equal(t, int64(150), u.InputTokens)
	require.Equal(t, int64(20), u.OutputTokens)
	require.Equal(t, int64(170), u.TotalTokens)
	require.InDelta(t, 0.017, u.EstimatedCost, 1e-9)
	require.False(t, u.CapExceeded)
}

func TestAddCapExceeded(t *testing.T) {
	l, st := newLedger(t, 100, true)
	require.NoError(t, st.EnsureDir("a1"))

	capped, reason, err := l.Add("a1", 80, 0)
	require.NoError(t, err)
	require.False(t, capped)

	capped, reason, err = l.Add("a1", 30, 0)
	require.NoError(t, err)
	require.True(t, capped)
	require.Equal(t, "Token cap exceeded: 110/100", reason)

	// The rejected addition is not recorded.
	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Equal(t, int64(80), u.TotalTokens)
	require.True(t, u.CapExceeded)
}

func TestCapStaysExceededUntilReset(t *testing.T) {
	l, st := newLedger(t, 100, true)
	require.NoError(t, st.EnsureDir("a1"))

	_, _, err := l.Add("a1", 200, 0)
	require.NoError(t, err)

	// Even a zero-cost addition is refused once capped.
	capped, reason, err := l.Add("a1", 0, 0)
	require.NoError(t, err)
	require.True(t, capped)
	require.NotEmpty(t, reason)

	require.NoError(t, l.Reset("a1"))
	capped, _, err = l.Add("a1", 10, 0)
	require.NoError(t, err)
	require.False(t, capped)
}

func TestCapDisabled(t *testing.T) {
	l, st := newLedger(t, 100, false)
	require.NoError(t, st.EnsureDir("a1"))

	capped, _, err := l.Add("a1", 10_000, 0)
	require.NoError(t, err)
	require.False(t, capped)

	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Equal(t, int64(10_000), u.TotalTokens)
	require.False(t, u.CapExceeded)
}

func TestAddConcurrentSameAnalysis(t *testing.T) {
	l, st := newLedger(t, 1_000_000, true)
	require.NoError(t, st.EnsureDir("a1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = l.Add("a1", 10, 0)
		}()
	}
	wg.Wait()

	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Equal(t, int64(200), u.TotalTokens)
}

func TestChargeDocumentEstimateOnce(t *testing.T) {
	// Cap sits between one and two estimates: a re-charge would trip it.
	l, st := newLedger(t, 150, true)
	require.NoError(t, st.EnsureDir("a1"))

	capped, _, err := l.Add("a1", 0, 0)
	require.NoError(t, err)
	require.False(t, capped)

	for i := 0; i < 3; i++ {
		capped, reason, err := l.ChargeDocumentEstimate("a1", 100)
		require.NoError(t, err)
		require.False(t, capped, "attempt %d: %s", i, reason)
	}

	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Equal(t, int64(100), u.InputTokens)
	require.Equal(t, int64(100), u.DocEstimate)
	require.False(t, u.CapExceeded)
}

func TestChargeDocumentEstimateCap(t *testing.T) {
	l, st := newLedger(t, 80, true)
	require.NoError(t, st.EnsureDir("a1"))

	capped, reason, err := l.ChargeDocumentEstimate("a1", 100)
	require.NoError(t, err)
	require.True(t, capped)
	require.Equal(t, "Token cap exceeded: 100/80", reason)

	// Capped stays capped; no estimate is ever recorded.
	capped, _, err = l.ChargeDocumentEstimate("a1", 100)
	require.NoError(t, err)
	require.True(t, capped)
	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Zero(t, u.DocEstimate)
	require.Zero(t, u.TotalTokens)
}

func TestChargeDocumentEstimateAfterReset(t *testing.T) {
	l, st := newLedger(t, 150, true)
	require.NoError(t, st.EnsureDir("a1"))

	_, _, err := l.ChargeDocumentEstimate("a1", 100)
	require.NoError(t, err)
	require.NoError(t, l.Reset("a1"))

	capped, _, err := l.ChargeDocumentEstimate("a1", 100)
	require.NoError(t, err)
	require.False(t, capped)
	u, err := l.Get("a1")
	require.NoError(t, err)
	require.Equal(t, int64(100), u.TotalTokens)
}

func TestAggregate(t *testing.T) {
	l, st := newLedger(t, 100, true)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("a%d", i)
		require.NoError(t, st.EnsureDir(id))
	}
	_, _, err := l.Add("a0", 50, 0)
	require.NoError(t, err)
	_, _, err = l.Add("a1", 50, 0)
	require.NoError(t, err)
	_, _, err = l.Add("a2", 500, 0) // capped
	require.NoError(t, err)

	stats, err := l.Aggregate()
	require.NoError(t, err)
	require.Equal(t, 4, stats.TotalAnalyses)
	require.Equal(t, int64(100), stats.TotalTokens)
	require.Equal(t, 1, stats.CapExceededCount)
	require.Equal(t, 25.0, stats.CapExceededPercentage)
	require.Equal(t, 25.0, stats.AverageTokens)
}

func TestEstimateDocumentTokens(t *testing.T) {
	cases := []struct {
		chars int
		want  int64
	}{
		{0, 100},
		{100, 100},   // 25+50 floors at the minimum
		{200, 100},   // exactly the floor
		{201, 100},   // 50+50 == floor
		{400, 150},   // 100+50
		{10000, 2550},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, EstimateDocumentTokens(tc.chars), "chars=%d", tc.chars)
	}
}

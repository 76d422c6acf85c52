package detect

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/rulepack"
)

const evalPack = `
meta:
  id: eval_pack
  version: 1.0.0
weak_language:
  hedging:
    - "commercially reasonable"
    - "where possible"
lexicons:
  strengtheners:
    - "shall"
    - "must"
detectors:
  - id: d_instructions
    type: anchor
    anchors_any: ["documented instructions"]
    weak_nearby:
      any: ["@hedging"]
    redflags_any: ["no obligation to"]
`

func evalDetector(t *testing.T) *rulepack.Detector {
	t.Helper()
	rp, err := rulepack.Parse([]byte(evalPack))
	require.NoError(t, err)
	d := rp.Detector("d_instructions")
	require.NotNil(t, d)
	return d
}

func TestEvaluatePass(t *testing.T) {
	d := evalDetector(t)
	f := Evaluate("The processor shall act only on documented instructions of the controller.", d)
	require.True(t, f.Anchor)
	require.False(t, f.Weak)
	require.False(t, f.Redflag)

	v, c := MapVerdict(f)
	require.Equal(t, analysis.VerdictPass, v)
	require.Equal(t, 1.0, c)
}

func TestEvaluateWeakNearby(t *testing.T) {
	d := evalDetector(t)
	f := Evaluate("Where possible, the processor follows documented instructions.", d)
	require.True(t, f.Anchor)
	require.True(t, f.Weak)

	v, c := MapVerdict(f)
	require.Equal(t, analysis.VerdictWeak, v)
	require.Equal(t, 0.5, c)
}

func TestEvaluateRedflagWins(t *testing.T) {
	d := evalDetector(t)
	// Anchor and redflag in the same window: redflag takes precedence.
	f := Evaluate("Documented instructions exist but there is no obligation to follow them.", d)
	require.True(t, f.Anchor)
	require.True(t, f.Redflag)

	v, c := MapVerdict(f)
	require.Equal(t, analysis.VerdictNeedsReview, v)
	require.Equal(t, 0.1, c)
}

func TestMapVerdictMissing(t *testing.T) {
	v, c := MapVerdict(Flags{})
	require.Equal(t, analysis.VerdictMissing, v)
	require.Equal(t, 0.0, c)
}

func TestMapVerdictTable(t *testing.T) {
	cases := []struct {
		flags      Flags
		verdict    analysis.Verdict
		confidence float64
	}{
		{Flags{Redflag: true}, analysis.VerdictNeedsReview, 0.1},
		{Flags{Anchor: true, Redflag: true}, analysis.VerdictNeedsReview, 0.1},
		{Flags{Anchor: true, Weak: true, Redflag: true}, analysis.VerdictNeedsReview, 0.1},
		{Flags{Weak: true, Redflag: true}, analysis.VerdictNeedsReview, 0.1},
		{Flags{Anchor: true, Weak: true}, analysis.VerdictWeak, 0.5},
		{Flags{Anchor: true}, analysis.VerdictPass, 1.0},
		{Flags{Weak: true}, analysis.VerdictMissing, 0.0},
		{Flags{}, analysis.VerdictMissing, 0.0},
	}
	for _, tc := range cases {
		v, c := MapVerdict(tc.flags)
		require.Equal(t, tc.verdict, v, "flags %+v", tc.flags)
		require.Equal(t, tc.confidence, c, "flags %+v", tc.flags)
	}
}

func TestMapVerdictProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("verdict is total and valid", prop.ForAll(
		func(anchor, weak, redflag bool) bool {
			v, _ := MapVerdict(Flags{Anchor: anchor, Weak: weak, Redflag: redflag})
			return v.Valid()
		},
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.Property("redflag always yields needs_review", prop.ForAll(
		func(anchor, weak bool) bool {
			v, c := MapVerdict(Flags{Anchor: anchor, Weak: weak, Redflag: true})
			return v == analysis.VerdictNeedsReview && c == 0.1
		},
		gen.Bool(), gen.Bool(),
	))

	properties.Property("confidence matches verdict", prop.ForAll(
		func(anchor, weak, redflag bool) bool {
			v, c := MapVerdict(Flags{Anchor: anchor, Weak: weak, Redflag: redflag})
			switch v {
			case analysis.VerdictNeedsReview:
				return c == 0.1
			case analysis.VerdictWeak:
				return c == 0.5
			case analysis.VerdictPass:
				return c == 1.0
			default:
				return c == 0.0
			}
		},
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestWeakFilterDowngradesPass(t *testing.T) {
	rp, err := rulepack.Parse([]byte(evalPack))
	require.NoError(t, err)

	f := NewWeakFilter(rp, true)
	v, hit := f.Apply(analysis.VerdictPass, "the processor uses commercially reasonable efforts")
	require.Equal(t, analysis.VerdictWeak, v)
	require.True(t, hit)
}

func TestWeakFilterCounterAnchorKeepsPass(t *testing.T) {
	rp, err := rulepack.Parse([]byte(evalPack))
	require.NoError(t, err)

	f := NewWeakFilter(rp, true)
	v, hit := f.Apply(analysis.VerdictPass, "the processor shall use commercially reasonable efforts")
	require.Equal(t, analysis.VerdictPass, v)
	require.False(t, hit)
}

func TestWeakFilterOnlyTouchesPass(t *testing.T) {
	rp, err := rulepack.Parse([]byte(evalPack))
	require.NoError(t, err)

	f := NewWeakFilter(rp, true)
	for _, v := range []analysis.Verdict{analysis.VerdictWeak, analysis.VerdictNeedsReview, analysis.VerdictMissing} {
		got, hit := f.Apply(v, "where possible")
		require.Equal(t, v, got)
		require.False(t, hit)
	}
}

func TestWeakFilterDisabled(t *testing.T) {
	rp, err := rulepack.Parse([]byte(evalPack))
	require.NoError(t, err)

	f := NewWeakFilter(rp, false)
	v, hit := f.Apply(analysis.VerdictPass, "commercially reasonable")
	require.Equal(t, analysis.VerdictPass, v)
	require.False(t, hit)
}

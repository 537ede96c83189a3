package capacity

import (
	"fmt"
	"math"
)

// Rule pairs a predicate with the result it selects.
type Rule[T any] struct {
	When   func(float64) bool
	Result T
}

// Ladder is an ordered classifier. Rules are tried top to bottom and the
// first match wins; Fallback covers everything no rule matches.
type Ladder[T any] struct {
	Rules    []Rule[T]
	Fallback T
}

func (l Ladder[T]) Classify(v float64) T {
	for _, r := range l.Rules {
		if r.When(v) {
			return r.Result
		}
	}
	return l.Fallback
}

func atLeast(t float64) func(float64) bool { return func(v float64) bool { return v >= t } }
func above(t float64) func(float64) bool   { return func(v float64) bool { return v > t } }
func below(t float64) func(float64) bool   { return func(v float64) bool { return v < t } }

// Thresholds is an ascending triple of lower bounds, lowest first.
type Thresholds [3]float64

var (
	DefaultBandThresholds = Thresholds{0.80, 0.85, 0.92}
	DefaultTierThresholds = Thresholds{0.85, 0.90, 0.95}
)

// ThresholdsFrom converts a configured list. It must hold exactly three
// ascending values within [0, 1].
func ThresholdsFrom(values []float64) (Thresholds, error) {
	var t Thresholds
	if len(values) != len(t) {
		return t, fmt.Errorf("expected %d thresholds, got %d", len(t), len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return t, fmt.Errorf("threshold %v out of range", v)
		}
		if i > 0 && v <= values[i-1] {
			return t, fmt.Errorf("thresholds must ascend: %v", values)
		}
		t[i] = v
	}
	return t, nil
}

// BandLadder builds the occupancy band classifier. Each higher band includes
// its lower bound.
func BandLadder(t Thresholds) Ladder[Band] {
	return Ladder[Band]{
		Rules: []Rule[Band]{
			{When: atLeast(t[2]), Result: BandRed},
			{When: atLeast(t[1]), Result: BandOrange},
			{When: atLeast(t[0]), Result: BandYellow},
		},
		Fallback: BandGreen,
	}
}

// TierLadder builds the surge tier classifier over trailing averages. The top
// tier starts strictly above its threshold.
func TierLadder(t Thresholds) Ladder[Tier] {
	return Ladder[Tier]{
		Rules: []Rule[Tier]{
			{When: above(t[2]), Result: TierLevel3},
			{When: atLeast(t[1]), Result: TierLevel2},
			{When: atLeast(t[0]), Result: TierLevel1},
		},
		Fallback: TierNone,
	}
}

// allocation maps a trailing utilization to a bed delta for a department
// of the given size. Integer math keeps ceil(30*0.1) at 3.
type allocation func(beds int) int

var allocationLadder = Ladder[allocation]{
	Rules: []Rule[allocation]{
		{When: above(0.90), Result: func(beds int) int { return (beds*20 + 99) / 100 }},
		{When: above(0.80), Result: func(beds int) int { return (beds + 9) / 10 }},
		{When: below(0.50), Result: func(beds int) int { return -(beds / 10) }},
	},
	Fallback: func(int) int { return 0 },
}

var labelLadder = Ladder[string]{
	Rules: []Rule[string]{
		{When: above(0.90), Result: LabelIncrease},
		{When: above(0.80), Result: LabelMonitor},
		{When: above(0.60), Result: LabelOptimal},
		{When: above(0.40), Result: LabelReallocate},
	},
	Fallback: LabelUnderUtilized,
}

var turnoverLadder = Ladder[string]{
	Rules: []Rule[string]{
		{When: above(25), Result: TurnoverHigh},
		{When: above(12), Result: TurnoverMedium},
	},
	Fallback: TurnoverLow,
}

// BedDelta is the recommended change in bed count for a department of beds
// beds running at utilization.
func BedDelta(utilization float64, beds int) int {
	return allocationLadder.Classify(utilization)(beds)
}

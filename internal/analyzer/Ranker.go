package analyzer

import (
	"math"
	"sort"

	"github.com/elys-network/yieldmover/internal/types"
)

// Priority scores an opportunity for a user with the given risk tolerance. Never negative.
func Priority(opp types.Opportunity, riskTolerance float64) float64 {
	breakEvenDays := math.Min(365, opp.BreakEvenDays)
	if math.IsNaN(breakEvenDays) {
		breakEvenDays = 365
	}

	priority := opp.NetImprovement*1000 -
		opp.RiskScore*(1-riskTolerance)*0.1 +
		math.Log10(math.Max(1, opp.PositionValueUSD))*10 +
		(365-breakEvenDays)*0.1

	if math.IsNaN(priority) || priority < 0 {
		return 0
	}
	return priority
}

// Rank scores every opportunity with its owner's preferences and sorts by descending priority.
// Ties keep discovery order.
func Rank(opps []types.Opportunity, prefs map[string]types.Preferences) []types.Opportunity {
	ranked := make([]types.Opportunity, len(opps))
	copy(ranked, opps)

	for i := range ranked {
		ranked[i].Priority = Priority(ranked[i], prefs[ranked[i].User].RiskTolerance)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].Sequence < ranked[j].Sequence
	})
	return ranked
}

// TopK returns at most k opportunities from an already ranked list.
func TopK(ranked []types.Opportunity, k int) []types.Opportunity {
	if k < 0 || k >= len(ranked) {
		return ranked
	}
	return ranked[:k]
}

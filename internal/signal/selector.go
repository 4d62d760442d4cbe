package signal

import (
	"sort"

	"github.com/openquant/turtle/internal/observ"
)

// Selector filters and limits entry candidates by minimum ranking and
// available position slots. It never looks at prices or cash; sizing is
// the ledger's job.
type Selector struct {
	MaxPositions int
	MinRanking   int
}

// NewSelector creates a selector with the given limits. Zero values fall
// back to the defaults used across the repo (10 slots, ranking 70).
func NewSelector(maxPositions, minRanking int) *Selector {
	if maxPositions <= 0 {
		maxPositions = 10
	}
	if minRanking <= 0 {
		minRanking = 70
	}
	return &Selector{MaxPositions: maxPositions, MinRanking: minRanking}
}

// SelectEntries picks the best candidates for new positions: ranking at or
// above the threshold, tickers not already held, sorted by ranking
// descending, capped at availableSlots.
func (s *Selector) SelectEntries(candidates []Signal, held map[string]bool, availableSlots int) []Signal {
	if availableSlots <= 0 {
		return nil
	}

	qualified := make([]Signal, 0, len(candidates))
	for _, sig := range candidates {
		if sig.Ranking < s.MinRanking {
			continue
		}
		if held[sig.Ticker] {
			continue
		}
		qualified = append(qualified, sig)
	}

	sort.SliceStable(qualified, func(i, j int) bool {
		return qualified[i].Ranking > qualified[j].Ranking
	})

	if len(qualified) > availableSlots {
		qualified = qualified[:availableSlots]
	}

	observ.Log("signals_selected", map[string]any{
		"candidates": len(candidates),
		"selected":   len(qualified),
		"slots":      availableSlots,
	})
	return qualified
}

// AvailableSlots returns how many new positions can be opened.
func (s *Selector) AvailableSlots(openCount int) int {
	slots := s.MaxPositions - openCount
	if slots < 0 {
		return 0
	}
	return slots
}

// ValidateRanking reports whether a ranking is on the 1-100 scale.
func ValidateRanking(ranking int) bool {
	return ranking >= 1 && ranking <= 100
}

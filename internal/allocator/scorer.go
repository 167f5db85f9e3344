// Package allocator selects an upstream identity for each request under a
// configured strategy and feeds request outcomes back into the store.
package allocator

import (
	"time"

	"github.com/NevinXuHui/KiroGate/internal/store"
)

// Score rates an identity in [0, 100]. Success rate dominates (up to 60),
// recent use modestly boosts (up to 20), and total usage acts as a mild
// anti-concentration term (up to 20). Pure in its inputs.
func Score(tok *store.Token, now time.Time, minRate float64) float64 {
	total := tok.Total()
	rate := tok.SuccessRate()

	base := rate * 60
	if total > 10 && rate < minRate {
		base = rate * 30
	}

	var hours float64
	if tok.LastUsed > 0 {
		hours = float64(now.UnixMilli()-tok.LastUsed) / 3_600_000
	}
	var freshness float64
	switch {
	case hours < 1:
		freshness = 20
	case hours < 24:
		freshness = 15
	default:
		freshness = 20 - hours/24
		if freshness < 5 {
			freshness = 5
		}
	}

	load := 20 - float64(total)/100
	if load < 0 {
		load = 0
	}

	return base + freshness + load
}

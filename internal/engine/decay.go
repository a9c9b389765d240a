package engine

// Decay math for the ranking pass.
//
//   - Feedback contributions decay with a half-life in days, measured from
//     the rating time: 1.0 when fresh, 0.5 after one half-life.
//   - Ratings 1..5 map linearly onto -1..+1 (3 is neutral).
//   - Freshness halves every freshness half-life (hours) after a delivery
//     was created.
//   - Negative ages (clock skew) count as zero.

import (
	"math"
	"time"
)

// HalfLifeDecay returns exp(-ln2 * age/halfLife). A non-positive half-life
// disables decay.
func HalfLifeDecay(age, halfLife float64) float64 {
	if halfLife <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age / halfLife)
}

// DecayByDays decays a contribution made at ts, as seen at now.
func DecayByDays(ts, now time.Time, halfLifeDays float64) float64 {
	return HalfLifeDecay(now.Sub(ts).Hours()/24, halfLifeDays)
}

// FreshnessBonus is 1.0 at creation and halves every halfLifeHours.
func FreshnessBonus(created, now time.Time, halfLifeHours float64) float64 {
	return HalfLifeDecay(now.Sub(created).Hours(), halfLifeHours)
}

// NormalizeRating maps a 1..5 rating onto -1..+1. Out-of-range ratings
// contribute nothing.
func NormalizeRating(r int) float64 {
	if r < 1 || r > 5 {
		return 0
	}
	return float64(r-3) / 2
}

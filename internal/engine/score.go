package engine

import "math"

// Weights are the fixed coefficients of the relevance score. The sum is a
// heuristic, not a probability.
type Weights struct {
	Conf        float64
	Owner       float64
	TypeAff     float64
	EntityAff   float64
	FactAff     float64
	ItemQuality float64
	AgeBonus    float64
}

// DefaultWeights are the production coefficients.
var DefaultWeights = Weights{
	Conf:        0.35,
	Owner:       0.35,
	TypeAff:     0.20,
	EntityAff:   0.25,
	FactAff:     0.25,
	ItemQuality: 0.10,
	AgeBonus:    0.20,
}

// Breakdown holds the signals that make up a delivery's score. It is
// persisted with the score for explainability.
type Breakdown struct {
	Conf    float64 `json:"conf"`
	Owner   int     `json:"owner"`
	TypeAff float64 `json:"type_aff"`
	// EntityAff is reserved and currently always zero.
	EntityAff   float64 `json:"entity_aff"`
	FactAff     float64 `json:"fact_aff"`
	ItemQuality float64 `json:"item_quality"`
	AgeBonus    float64 `json:"age_bonus"`
}

// Score returns the weighted sum of b, rounded to 4 decimals.
func (w Weights) Score(b Breakdown) float64 {
	s := w.Conf*b.Conf +
		w.Owner*float64(b.Owner) +
		w.TypeAff*b.TypeAff +
		w.EntityAff*b.EntityAff +
		w.FactAff*b.FactAff +
		w.ItemQuality*b.ItemQuality +
		w.AgeBonus*b.AgeBonus
	return round4(s)
}

// Rounded returns b with every signal rounded to 4 decimals.
func (b Breakdown) Rounded() Breakdown {
	b.Conf = round4(b.Conf)
	b.TypeAff = round4(b.TypeAff)
	b.EntityAff = round4(b.EntityAff)
	b.FactAff = round4(b.FactAff)
	b.ItemQuality = round4(b.ItemQuality)
	b.AgeBonus = round4(b.AgeBonus)
	return b
}

// Suppressed reports whether a score falls at or below the threshold.
func Suppressed(score, threshold float64) bool {
	return score <= threshold
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

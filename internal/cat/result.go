package cat

import (
	"math"

	"github.com/p-n-ai/pai-cat/internal/irt"
)

// ScaleVersion names the theta-to-score mapping. Changing the mapping must
// change this value; stored results keep the version they were scored with.
const ScaleVersion = "linear-v1"

// Result is the reportable outcome of a completed attempt.
type Result struct {
	Theta             float64 `json:"theta"`
	StandardError     float64 `json:"standard_error"`
	ItemsAdministered int     `json:"items_administered"`
	Score             float64 `json:"score"`
	Percentage        float64 `json:"percentage"`
	Passed            bool    `json:"passed"`
	PassingScore      float64 `json:"passing_score"`
	ScaleVersion      string  `json:"scale_version"`
}

// Finalize maps a terminal estimate onto the 0-100 score scale.
//
// The mapping is linear over the ability domain: score = 100 (theta - min) /
// (max - min), rounded to two decimals and clamped to [0, 100]. A test taker
// passes when score >= passingScore.
func Finalize(est irt.Estimate, itemsAdministered int, domain irt.Domain, passingScore float64) Result {
	score := 100 * (domain.Clamp(est.Theta) - domain.Min) / (domain.Max - domain.Min)
	score = math.Round(score*100) / 100
	score = math.Max(0, math.Min(100, score))

	se := est.StandardError
	if math.IsInf(se, 0) || math.IsNaN(se) {
		// -1 marks an attempt that ended before any response.
		se = -1
	}

	return Result{
		Theta:             est.Theta,
		StandardError:     se,
		ItemsAdministered: itemsAdministered,
		Score:             score,
		Percentage:        score,
		Passed:            score >= passingScore,
		PassingScore:      passingScore,
		ScaleVersion:      ScaleVersion,
	}
}

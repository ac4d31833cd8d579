package itembank

import (
	"fmt"
	"strings"
)

// Defaults fills IRT parameters that a pool file leaves out. Uncalibrated
// items carry only a difficulty label; these values place them on the
// ability scale until calibration data exists.
type Defaults struct {
	// LabelDifficulty maps a lower-cased difficulty label to b.
	LabelDifficulty map[string]float64
	Discrimination  float64
	// MaxGuessing caps the 1/len(options) guessing default.
	MaxGuessing float64
}

// DefaultParams returns the stock defaults.
func DefaultParams() Defaults {
	return Defaults{
		LabelDifficulty: map[string]float64{
			"easy":         -1,
			"beginner":     -1,
			"medium":       0,
			"intermediate": 0,
			"hard":         1,
			"advanced":     1,
		},
		Discrimination: 1.0,
		MaxGuessing:    0.35,
	}
}

// Difficulty resolves b from a label. An empty label means medium.
func (d Defaults) Difficulty(label string) (float64, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return 0, nil
	}
	b, ok := d.LabelDifficulty[label]
	if !ok {
		return 0, fmt.Errorf("unknown difficulty label %q", label)
	}
	return b, nil
}

// Guessing returns 1/options capped at MaxGuessing, or 0 for open items.
func (d Defaults) Guessing(options int) float64 {
	if options <= 0 {
		return 0
	}
	g := 1 / float64(options)
	if d.MaxGuessing > 0 && g > d.MaxGuessing {
		g = d.MaxGuessing
	}
	return g
}

package irt

import (
	"fmt"
	"math"
)

// probFloor keeps log-likelihood terms finite.
const probFloor = 1e-12

// Domain is the closed ability range the estimator works in.
type Domain struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultDomain is the practical ability range [-4, 4].
var DefaultDomain = Domain{Min: -4, Max: 4}

// Validate checks that the domain is finite and non-empty.
func (d Domain) Validate() error {
	if math.IsNaN(d.Min) || math.IsNaN(d.Max) || math.IsInf(d.Min, 0) || math.IsInf(d.Max, 0) {
		return fmt.Errorf("ability domain must be finite")
	}
	if d.Min >= d.Max {
		return fmt.Errorf("ability domain min (%g) must be below max (%g)", d.Min, d.Max)
	}
	if math.IsInf(d.Max-d.Min, 0) {
		return fmt.Errorf("ability domain width overflows")
	}
	return nil
}

// Clamp returns theta restricted to the domain. NaN maps to the midpoint.
func (d Domain) Clamp(theta float64) float64 {
	if math.IsNaN(theta) {
		return (d.Min + d.Max) / 2
	}
	if theta < d.Min {
		return d.Min
	}
	if theta > d.Max {
		return d.Max
	}
	return theta
}

// Contains reports whether theta lies in the domain.
func (d Domain) Contains(theta float64) bool {
	return theta >= d.Min && theta <= d.Max
}

// Probability is the 3PL probability of a correct response at theta:
// c + (1-c) / (1 + exp(-a(theta-b))).
func Probability(p Params, theta float64) float64 {
	return p.Guessing + (1-p.Guessing)*sigmoid(p.Discrimination*(theta-p.Difficulty))
}

// Information is the Fisher information of one item at theta:
// a^2 (P-c)^2 (1-P) / ((1-c)^2 P).
func Information(p Params, theta float64) float64 {
	prob := Probability(p, theta)
	if prob <= 0 {
		return 0
	}
	num := p.Discrimination * p.Discrimination * (prob - p.Guessing) * (prob - p.Guessing) * (1 - prob)
	den := (1 - p.Guessing) * (1 - p.Guessing) * prob
	return num / den
}

// TestInformation sums item information over all responses at theta.
func TestInformation(responses []Response, theta float64) float64 {
	total := 0.0
	for _, r := range responses {
		total += Information(r.Params, theta)
	}
	return total
}

// StandardError converts test information into 1/sqrt(I). Zero information
// yields +Inf.
func StandardError(info float64) float64 {
	if info <= 0 {
		return math.Inf(1)
	}
	return 1 / math.Sqrt(info)
}

// LogLikelihood of the observed response vector at theta.
func LogLikelihood(responses []Response, theta float64) float64 {
	ll := 0.0
	for _, r := range responses {
		prob := clampProb(Probability(r.Params, theta))
		if r.Correct {
			ll += math.Log(prob)
		} else {
			ll += math.Log(1 - prob)
		}
	}
	return ll
}

// derivatives returns the first and second derivative of the log-likelihood
// at theta. For the 3PL, with P* = sigmoid(a(theta-b)) and w = (P-c)/((1-c)P):
//
//	dL/dθ = Σ a w (u - P)
func derivatives(responses []Response, theta float64) (float64, float64) {
	d1, d2 := 0.0, 0.0
	for _, r := range responses {
		a, c := r.Params.Discrimination, r.Params.Guessing
		prob := clampProb(Probability(r.Params, theta))
		star := (prob - c) / (1 - c)
		u := 0.0
		if r.Correct {
			u = 1
		}
		w := (prob - c) / ((1 - c) * prob)
		d1 += a * w * (u - prob)
		// dP/dθ = a(1-c)P*(1-P*), dw/dθ = c P' / ((1-c)P^2)
		dp := a * (1 - c) * star * (1 - star)
		dw := c * dp / ((1 - c) * prob * prob)
		d2 += a * (dw*(u-prob) - w*dp)
	}
	return d1, d2
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}

func clampProb(p float64) float64 {
	if p < probFloor {
		return probFloor
	}
	if p > 1-probFloor {
		return 1 - probFloor
	}
	return p
}

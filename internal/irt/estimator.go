package irt

import (
	"encoding/json"
	"math"
	"sort"
)

const (
	defaultTolerance     = 1e-4
	defaultMaxIterations = 50
	// maxNewtonStep bounds a single update so a flat likelihood cannot jump
	// across the whole domain.
	maxNewtonStep = 1.0
	// gridPoints is the coarse scan size whatever the domain width; each
	// refinement rescans one coarse cell either side at a tenth of the step.
	gridPoints  = 81
	gridRefines = 3
	// minInformation keeps the standard error finite once any response exists.
	minInformation = 1e-8
)

// Estimation methods reported on an Estimate.
const (
	MethodPrior  = "prior"
	MethodNewton = "newton"
	MethodGrid   = "grid"
	MethodBound  = "bound"
)

// Estimate is a point estimate of ability with its precision.
type Estimate struct {
	Theta         float64 `json:"theta"`
	StandardError float64 `json:"standard_error"`
	Information   float64 `json:"information"`
	Iterations    int     `json:"iterations"`
	Method        string  `json:"method"`
}

// IsPrior reports whether no response has contributed to the estimate yet.
func (e Estimate) IsPrior() bool {
	return e.Method == MethodPrior
}

// MarshalJSON encodes an infinite standard error as null.
func (e Estimate) MarshalJSON() ([]byte, error) {
	type wire struct {
		Theta         float64  `json:"theta"`
		StandardError *float64 `json:"standard_error"`
		Information   float64  `json:"information"`
		Iterations    int      `json:"iterations"`
		Method        string   `json:"method"`
	}
	w := wire{Theta: e.Theta, Information: e.Information, Iterations: e.Iterations, Method: e.Method}
	if !math.IsInf(e.StandardError, 0) && !math.IsNaN(e.StandardError) {
		se := e.StandardError
		w.StandardError = &se
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a null standard error as +Inf.
func (e *Estimate) UnmarshalJSON(data []byte) error {
	var w struct {
		Theta         float64  `json:"theta"`
		StandardError *float64 `json:"standard_error"`
		Information   float64  `json:"information"`
		Iterations    int      `json:"iterations"`
		Method        string   `json:"method"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Estimate{Theta: w.Theta, Information: w.Information, Iterations: w.Iterations, Method: w.Method}
	if w.StandardError == nil {
		e.StandardError = math.Inf(1)
	} else {
		e.StandardError = *w.StandardError
	}
	return nil
}

// EstimatorConfig configures an Estimator. Zero values take defaults.
type EstimatorConfig struct {
	Domain        Domain
	Prior         float64
	Tolerance     float64
	MaxIterations int
}

// Estimator computes maximum-likelihood ability estimates over a bounded
// domain. It is a value type with no mutable state.
type Estimator struct {
	domain    Domain
	prior     float64
	tolerance float64
	maxIter   int
}

// NewEstimator creates an estimator, filling zero config values with defaults.
func NewEstimator(cfg EstimatorConfig) Estimator {
	domain := cfg.Domain
	if domain.Validate() != nil {
		domain = DefaultDomain
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = defaultTolerance
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return Estimator{
		domain:    domain,
		prior:     domain.Clamp(cfg.Prior),
		tolerance: tol,
		maxIter:   maxIter,
	}
}

// Domain returns the ability range the estimator clamps to.
func (e Estimator) Domain() Domain {
	return e.domain
}

// Prior returns the estimate used before any response is recorded.
func (e Estimator) Prior() Estimate {
	return Estimate{
		Theta:         e.prior,
		StandardError: math.Inf(1),
		Method:        MethodPrior,
	}
}

// Estimate returns the ability estimate for the given responses. The result
// does not depend on response order. All-correct and all-incorrect vectors
// resolve to the domain bounds.
func (e Estimator) Estimate(responses []Response) Estimate {
	if len(responses) == 0 {
		return e.Prior()
	}

	sorted := make([]Response, len(responses))
	copy(sorted, responses)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ItemID != sorted[j].ItemID {
			return sorted[i].ItemID < sorted[j].ItemID
		}
		return !sorted[i].Correct && sorted[j].Correct
	})

	var (
		theta  float64
		iters  int
		method string
	)
	if degenerate(sorted) {
		// The likelihood rises monotonically toward one bound, but the
		// probability floor can flatten it before the bound is reached.
		theta, method = e.domain.Min, MethodBound
		if sorted[0].Correct {
			theta = e.domain.Max
		}
	} else {
		gridTheta := e.gridSearch(sorted)
		theta, method = gridTheta, MethodGrid
		newtonTheta, n, ok := e.newton(sorted)
		iters = n
		if ok && LogLikelihood(sorted, newtonTheta) >= LogLikelihood(sorted, gridTheta)-1e-9 {
			theta, method = newtonTheta, MethodNewton
		}
	}

	info := TestInformation(sorted, theta)
	if info < minInformation {
		info = minInformation
	}
	return Estimate{
		Theta:         theta,
		StandardError: StandardError(info),
		Information:   info,
		Iterations:    iters,
		Method:        method,
	}
}

// newton runs Newton-Raphson from the prior. Where the log-likelihood is not
// concave it takes a Fisher-scoring step instead.
func (e Estimator) newton(responses []Response) (float64, int, bool) {
	theta := e.prior
	for i := 1; i <= e.maxIter; i++ {
		d1, d2 := derivatives(responses, theta)
		var step float64
		if d2 < 0 {
			step = -d1 / d2
		} else {
			info := TestInformation(responses, theta)
			if info <= 0 {
				return theta, i, false
			}
			step = d1 / info
		}
		if math.IsNaN(step) || math.IsInf(step, 0) {
			return theta, i, false
		}
		step = math.Max(-maxNewtonStep, math.Min(maxNewtonStep, step))
		next := e.domain.Clamp(theta + step)
		if math.Abs(next-theta) < e.tolerance {
			return next, i, true
		}
		theta = next
	}
	return theta, e.maxIter, false
}

// gridSearch maximizes the log-likelihood over the domain, coarse to fine.
func (e Estimator) gridSearch(responses []Response) float64 {
	step := (e.domain.Max - e.domain.Min) / (gridPoints - 1)
	best := e.scan(responses, e.domain.Min, e.domain.Max, step)
	for i := 0; i < gridRefines; i++ {
		lo := e.domain.Clamp(best - step)
		hi := e.domain.Clamp(best + step)
		step /= 10
		best = e.scan(responses, lo, hi, step)
	}
	return best
}

func (e Estimator) scan(responses []Response, lo, hi, step float64) float64 {
	n := int(math.Round((hi - lo) / step))
	best, bestLL := lo, math.Inf(-1)
	for k := 0; k <= n; k++ {
		theta := lo + float64(k)*step
		if k == n {
			theta = hi
		}
		if ll := LogLikelihood(responses, theta); ll > bestLL {
			best, bestLL = theta, ll
		}
	}
	return best
}

func degenerate(responses []Response) bool {
	first := responses[0].Correct
	for _, r := range responses[1:] {
		if r.Correct != first {
			return false
		}
	}
	return true
}

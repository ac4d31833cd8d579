package cat

import "github.com/p-n-ai/pai-cat/internal/irt"

// TerminationReason explains why an attempt completed.
type TerminationReason string

const (
	ReasonNone             TerminationReason = ""
	ReasonPrecisionReached TerminationReason = "PRECISION_REACHED"
	ReasonMaxItemsReached  TerminationReason = "MAX_ITEMS_REACHED"
	ReasonNoMoreItems      TerminationReason = "NO_MORE_ITEMS"
	ReasonTimedOut         TerminationReason = "TIMED_OUT"
)

// Valid reports whether r is one of the terminal reasons.
func (r TerminationReason) Valid() bool {
	switch r {
	case ReasonPrecisionReached, ReasonMaxItemsReached, ReasonNoMoreItems, ReasonTimedOut:
		return true
	}
	return false
}

// Policy decides when enough items have been administered.
type Policy struct {
	TargetPrecision float64
	MinItems        int
	MaxItems        int
}

// Decision is the outcome of evaluating the policy.
type Decision struct {
	Continue bool
	Reason   TerminationReason // set only when Continue is false
}

// Evaluate applies the stopping rules in order: minimum items, maximum
// items, then precision. Pool exhaustion and expiry are not decided here.
func (p Policy) Evaluate(est irt.Estimate, itemsAdministered int) Decision {
	if itemsAdministered < p.MinItems {
		return Decision{Continue: true}
	}
	if itemsAdministered >= p.MaxItems {
		return Decision{Reason: ReasonMaxItemsReached}
	}
	if est.StandardError <= p.TargetPrecision {
		return Decision{Reason: ReasonPrecisionReached}
	}
	return Decision{Continue: true}
}

// ShouldContinue is the boolean form of Evaluate.
func (p Policy) ShouldContinue(est irt.Estimate, itemsAdministered int) bool {
	return p.Evaluate(est, itemsAdministered).Continue
}

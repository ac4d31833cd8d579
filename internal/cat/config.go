// Package cat holds the decision rules of a computerized adaptive test: test
// configuration, maximum-information item selection, the termination policy
// and the result finalizer. All functions are pure.
package cat

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/p-n-ai/pai-cat/internal/irt"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid test config")

// Config is the per-test configuration supplied by the caller.
type Config struct {
	TargetPrecision float64       `json:"target_precision"`
	MinItems        int           `json:"min_items"`
	MaxItems        int           `json:"max_items"`
	Domain          irt.Domain    `json:"ability_domain"`
	PassingScore    float64       `json:"passing_score"`
	TimeLimit       time.Duration `json:"time_limit,omitempty"` // zero means no limit
}

// DefaultConfig returns the configuration used when a caller supplies none.
func DefaultConfig() Config {
	return Config{
		TargetPrecision: 0.3,
		MinItems:        5,
		MaxItems:        30,
		Domain:          irt.DefaultDomain,
		PassingScore:    60,
	}
}

// Overrides are the settings a caller supplies for one test. A nil field
// takes the default, so explicit zeros such as passing_score 0 survive.
type Overrides struct {
	TargetPrecision *float64       `json:"target_precision,omitempty"`
	MinItems        *int           `json:"min_items,omitempty"`
	MaxItems        *int           `json:"max_items,omitempty"`
	Domain          *irt.Domain    `json:"ability_domain,omitempty"`
	PassingScore    *float64       `json:"passing_score,omitempty"`
	TimeLimit       *time.Duration `json:"time_limit,omitempty"`
}

// Apply lays the overrides over defaults. When only one item bound is given
// and the default for the other would contradict it, the default bound is
// moved to meet it.
func (o Overrides) Apply(defaults Config) Config {
	c := defaults
	if o.TargetPrecision != nil {
		c.TargetPrecision = *o.TargetPrecision
	}
	if o.MinItems != nil {
		c.MinItems = *o.MinItems
	}
	if o.MaxItems != nil {
		c.MaxItems = *o.MaxItems
	}
	if o.Domain != nil {
		c.Domain = *o.Domain
	}
	if o.PassingScore != nil {
		c.PassingScore = *o.PassingScore
	}
	if o.TimeLimit != nil {
		c.TimeLimit = *o.TimeLimit
	}

	switch {
	case o.MinItems == nil && o.MaxItems != nil && c.MinItems > c.MaxItems:
		c.MinItems = max(c.MaxItems, 0)
	case o.MaxItems == nil && o.MinItems != nil && c.MaxItems < c.MinItems:
		c.MaxItems = c.MinItems
	}
	return c
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if math.IsNaN(c.TargetPrecision) || c.TargetPrecision <= 0 {
		errs = append(errs, fmt.Errorf("target_precision must be > 0, got %g", c.TargetPrecision))
	}
	if c.MinItems < 0 {
		errs = append(errs, fmt.Errorf("min_items must be >= 0, got %d", c.MinItems))
	}
	if c.MaxItems < 1 {
		errs = append(errs, fmt.Errorf("max_items must be >= 1, got %d", c.MaxItems))
	}
	if c.MinItems > c.MaxItems {
		errs = append(errs, fmt.Errorf("min_items (%d) must not exceed max_items (%d)", c.MinItems, c.MaxItems))
	}
	if err := c.Domain.Validate(); err != nil {
		errs = append(errs, err)
	}
	if math.IsNaN(c.PassingScore) || c.PassingScore < 0 || c.PassingScore > 100 {
		errs = append(errs, fmt.Errorf("passing_score must be in [0,100], got %g", c.PassingScore))
	}
	if c.TimeLimit < 0 {
		errs = append(errs, fmt.Errorf("time_limit must be >= 0, got %s", c.TimeLimit))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Estimator returns the ability estimator for this test's domain.
func (c Config) Estimator() irt.Estimator {
	return irt.NewEstimator(irt.EstimatorConfig{Domain: c.Domain})
}

// Policy returns the termination policy for this test.
func (c Config) Policy() Policy {
	return Policy{
		TargetPrecision: c.TargetPrecision,
		MinItems:        c.MinItems,
		MaxItems:        c.MaxItems,
	}
}

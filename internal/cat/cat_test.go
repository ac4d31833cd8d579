package cat_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
)

func fivePool() []irt.Item {
	var pool []irt.Item
	for i, b := range []float64{-2, -1, 0, 1, 2} {
		pool = append(pool, irt.Item{
			ID:       []string{"i1", "i2", "i3", "i4", "i5"}[i],
			Category: "vocab",
			Params:   irt.Params{Discrimination: 1, Difficulty: b, Guessing: 0.2},
		})
	}
	return pool
}

func TestSelectNext_MaxInformation(t *testing.T) {
	pool := fivePool()

	got, ok := cat.SelectNext(pool, irt.Estimate{Theta: 0}, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "i3", got.ID, "b=0 is most informative at theta=0")

	got, ok = cat.SelectNext(pool, irt.Estimate{Theta: 1.8}, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "i5", got.ID)
}

func TestSelectNext_NeverReturnsExcluded(t *testing.T) {
	pool := fivePool()
	excluded := map[string]bool{}

	for range pool {
		got, ok := cat.SelectNext(pool, irt.Estimate{Theta: 0}, excluded, nil)
		require.True(t, ok)
		assert.False(t, excluded[got.ID], "selected %s twice", got.ID)
		excluded[got.ID] = true
	}

	_, ok := cat.SelectNext(pool, irt.Estimate{Theta: 0}, excluded, nil)
	assert.False(t, ok, "exhausted pool returns no item")
}

func TestSelectNext_EmptyPool(t *testing.T) {
	_, ok := cat.SelectNext(nil, irt.Estimate{}, nil, nil)
	assert.False(t, ok)
}

func TestSelectNext_TieBreaksOnCategoryThenID(t *testing.T) {
	params := irt.Params{Discrimination: 1, Difficulty: 0, Guessing: 0.2}
	pool := []irt.Item{
		{ID: "c", Category: "grammar", Params: params},
		{ID: "b", Category: "grammar", Params: params},
		{ID: "z", Category: "listening", Params: params},
		{ID: "a", Category: "vocab", Params: params},
	}
	counts := map[string]int{"grammar": 0, "vocab": 2, "listening": 1}

	got, ok := cat.SelectNext(pool, irt.Estimate{Theta: 0}, nil, counts)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID, "least-represented category first, then lowest id")

	got, _ = cat.SelectNext(pool, irt.Estimate{Theta: 0}, nil, nil)
	assert.Equal(t, "a", got.ID, "all categories equal, lowest id wins")
}

func TestRank_FirstMatchesSelectNext(t *testing.T) {
	pool := fivePool()
	est := irt.Estimate{Theta: -0.7}
	excluded := map[string]bool{"i2": true}

	ranked := cat.Rank(pool, est, excluded, nil)
	require.Len(t, ranked, 4)
	want, _ := cat.SelectNext(pool, est, excluded, nil)
	assert.Equal(t, want.ID, ranked[0].Item.ID)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Information+1e-6, ranked[i].Information)
	}
}

func TestCategoryCountsAndExcluded(t *testing.T) {
	responses := []irt.Response{
		{ItemID: "a", Category: "grammar"},
		{ItemID: "b", Category: "grammar"},
		{ItemID: "c", Category: "vocab"},
	}
	assert.Equal(t, map[string]int{"grammar": 2, "vocab": 1}, cat.CategoryCounts(responses))
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, cat.ExcludedSet(responses))
}

func TestPolicy_Evaluate(t *testing.T) {
	p := cat.Policy{TargetPrecision: 0.3, MinItems: 3, MaxItems: 10}
	precise := irt.Estimate{StandardError: 0.2}
	vague := irt.Estimate{StandardError: 0.9}

	tests := []struct {
		name   string
		est    irt.Estimate
		items  int
		want   bool
		reason cat.TerminationReason
	}{
		{"below min ignores precision", precise, 2, true, cat.ReasonNone},
		{"precision reached", precise, 3, false, cat.ReasonPrecisionReached},
		{"precision not reached", vague, 5, true, cat.ReasonNone},
		{"max items", vague, 10, false, cat.ReasonMaxItemsReached},
		{"max items wins over precision", precise, 10, false, cat.ReasonMaxItemsReached},
		{"prior never precise", irt.Estimate{StandardError: math.Inf(1)}, 4, true, cat.ReasonNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(tt.est, tt.items)
			assert.Equal(t, tt.want, d.Continue)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.want, p.ShouldContinue(tt.est, tt.items))
		})
	}
}

func TestPolicy_UnreachablePrecisionStopsAtMax(t *testing.T) {
	p := cat.Policy{TargetPrecision: 0.01, MinItems: 5, MaxItems: 5}
	est := irt.Estimate{StandardError: 0.8}

	for n := 0; n < 5; n++ {
		assert.True(t, p.ShouldContinue(est, n), "n=%d", n)
	}
	d := p.Evaluate(est, 5)
	assert.False(t, d.Continue)
	assert.Equal(t, cat.ReasonMaxItemsReached, d.Reason)
}

func TestFinalize(t *testing.T) {
	domain := irt.DefaultDomain

	tests := []struct {
		name      string
		theta     float64
		wantScore float64
		wantPass  bool
	}{
		{"lower bound", -4, 0, false},
		{"midpoint", 0, 50, false},
		{"upper bound", 4, 100, true},
		{"passing threshold inclusive", 0.8, 60, true},
		{"rounded", 0.123456, 51.54, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := cat.Finalize(irt.Estimate{Theta: tt.theta, StandardError: 0.3}, 7, domain, 60)
			assert.InDelta(t, tt.wantScore, r.Score, 1e-9)
			assert.Equal(t, tt.wantPass, r.Passed)
			assert.Equal(t, r.Score, r.Percentage)
			assert.Equal(t, 7, r.ItemsAdministered)
			assert.Equal(t, cat.ScaleVersion, r.ScaleVersion)
		})
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	est := irt.Estimate{Theta: 1.234, StandardError: 0.29}
	a := cat.Finalize(est, 12, irt.DefaultDomain, 65)
	b := cat.Finalize(est, 12, irt.DefaultDomain, 65)
	assert.Equal(t, a, b)
}

func TestFinalize_MonotonicInTheta(t *testing.T) {
	prev := -1.0
	for theta := -4.0; theta <= 4.0; theta += 0.25 {
		r := cat.Finalize(irt.Estimate{Theta: theta}, 1, irt.DefaultDomain, 50)
		assert.GreaterOrEqual(t, r.Score, prev)
		prev = r.Score
	}
}

func TestFinalize_InfiniteStandardError(t *testing.T) {
	r := cat.Finalize(irt.Estimate{Theta: 0, StandardError: math.Inf(1)}, 0, irt.DefaultDomain, 50)
	assert.Equal(t, -1.0, r.StandardError)
	assert.Equal(t, 50.0, r.Score)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*cat.Config)
		wantErr bool
	}{
		{"defaults valid", func(*cat.Config) {}, false},
		{"zero precision", func(c *cat.Config) { c.TargetPrecision = 0 }, true},
		{"negative min", func(c *cat.Config) { c.MinItems = -1 }, true},
		{"zero max", func(c *cat.Config) { c.MaxItems = 0; c.MinItems = 0 }, true},
		{"min above max", func(c *cat.Config) { c.MinItems = 10; c.MaxItems = 5 }, true},
		{"empty domain", func(c *cat.Config) { c.Domain = irt.Domain{Min: 2, Max: 2} }, true},
		{"passing above 100", func(c *cat.Config) { c.PassingScore = 101 }, true},
		{"negative time limit", func(c *cat.Config) { c.TimeLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cat.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, cat.ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestOverrides_Apply(t *testing.T) {
	cfg := cat.Overrides{MaxItems: ptr(12)}.Apply(cat.DefaultConfig())

	assert.Equal(t, 12, cfg.MaxItems)
	assert.Equal(t, 5, cfg.MinItems)
	assert.Equal(t, 0.3, cfg.TargetPrecision)
	assert.Equal(t, irt.DefaultDomain, cfg.Domain)
	assert.Equal(t, 60.0, cfg.PassingScore)

	p := cfg.Policy()
	assert.Equal(t, cat.Policy{TargetPrecision: 0.3, MinItems: 5, MaxItems: 12}, p)
	assert.Equal(t, irt.DefaultDomain, cfg.Estimator().Domain())
}

func TestOverrides_ApplyKeepsExplicitZeros(t *testing.T) {
	cfg := cat.Overrides{
		MinItems:     ptr(0),
		MaxItems:     ptr(10),
		PassingScore: ptr(0.0),
	}.Apply(cat.DefaultConfig())

	assert.Equal(t, 0, cfg.MinItems)
	assert.Equal(t, 10, cfg.MaxItems)
	assert.Equal(t, 0.0, cfg.PassingScore)
	require.NoError(t, cfg.Validate())
}

func TestOverrides_ApplyReconcilesItemBounds(t *testing.T) {
	tests := []struct {
		name     string
		o        cat.Overrides
		wantMin  int
		wantMax  int
		wantFail bool
	}{
		{"max below default min", cat.Overrides{MaxItems: ptr(3)}, 3, 3, false},
		{"min above default max", cat.Overrides{MinItems: ptr(40)}, 40, 40, false},
		{"both explicit and inverted", cat.Overrides{MinItems: ptr(9), MaxItems: ptr(3)}, 9, 3, true},
		{"nothing supplied", cat.Overrides{}, 5, 30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.o.Apply(cat.DefaultConfig())
			assert.Equal(t, tt.wantMin, cfg.MinItems)
			assert.Equal(t, tt.wantMax, cfg.MaxItems)
			if tt.wantFail {
				assert.ErrorIs(t, cfg.Validate(), cat.ErrInvalidConfig)
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

package cat

import (
	"math"
	"sort"

	"github.com/p-n-ai/pai-cat/internal/irt"
)

// tieDelta is the information difference below which two items count as tied.
const tieDelta = 1e-6

// Candidate is an item with its Fisher information at the current estimate.
type Candidate struct {
	Item        irt.Item
	Information float64
	// CategoryCount is how many administered items share this item's category.
	CategoryCount int
}

// SelectNext picks the most informative item at the estimate's theta among
// items not in excluded. Ties favor the least administered category, then
// the lowest id. It returns false when every item is excluded.
func SelectNext(pool []irt.Item, est irt.Estimate, excluded map[string]bool, categoryCounts map[string]int) (irt.Item, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, it := range pool {
		if excluded[it.ID] {
			continue
		}
		c := Candidate{
			Item:          it,
			Information:   irt.Information(it.Params, est.Theta),
			CategoryCount: categoryCounts[it.Category],
		}
		if !found || better(c, best) {
			best, found = c, true
		}
	}
	return best.Item, found
}

// Rank returns every eligible candidate ordered the way SelectNext prefers
// them. The first element, if any, is what SelectNext returns.
func Rank(pool []irt.Item, est irt.Estimate, excluded map[string]bool, categoryCounts map[string]int) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for _, it := range pool {
		if excluded[it.ID] {
			continue
		}
		out = append(out, Candidate{
			Item:          it,
			Information:   irt.Information(it.Params, est.Theta),
			CategoryCount: categoryCounts[it.Category],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// CategoryCounts tallies administered responses per category.
func CategoryCounts(responses []irt.Response) map[string]int {
	counts := make(map[string]int)
	for _, r := range responses {
		counts[r.Category]++
	}
	return counts
}

// ExcludedSet returns the ids of all administered items.
func ExcludedSet(responses []irt.Response) map[string]bool {
	ex := make(map[string]bool, len(responses))
	for _, r := range responses {
		ex[r.ItemID] = true
	}
	return ex
}

func better(a, b Candidate) bool {
	if math.Abs(a.Information-b.Information) > tieDelta {
		return a.Information > b.Information
	}
	if a.CategoryCount != b.CategoryCount {
		return a.CategoryCount < b.CategoryCount
	}
	return a.Item.ID < b.Item.ID
}

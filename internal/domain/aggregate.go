package domain

import "sort"

// AggregateRow is one group of a computed aggregate.
type AggregateRow struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// AggregateResult is an ordered aggregate, produced fresh per computation
// and not mutated after ordering.
type AggregateResult []AggregateRow

// Sort orders the result by count descending, ties broken by label
// ascending. The tie-break keeps repeated computations byte-identical.
func (r AggregateResult) Sort() {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Count != r[j].Count {
			return r[i].Count > r[j].Count
		}
		return r[i].Label < r[j].Label
	})
}

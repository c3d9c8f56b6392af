package validation

import (
	"sort"

	"github.com/kilianp07/flexplan/core/model"
)

// NormalizePTUs expands ranged rows into single PTUs, folds overlaps so that
// the later row wins, and sorts the result by index.
func NormalizePTUs(in []model.PTUValue) []model.PTUValue {
	byIndex := map[int]model.PTUValue{}
	for _, v := range in {
		d := v.Duration
		if d < 1 {
			d = 1
		}
		for i := 0; i < d; i++ {
			row := v.Clone()
			row.Index = v.Index + i
			row.Duration = 1
			byIndex[row.Index] = row
		}
	}
	out := make([]model.PTUValue, 0, len(byIndex))
	for _, v := range byIndex {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Package merge turns per-day extraction output into canonical events.
//
// Extraction produces one record per day for festivals and multi-night runs.
// MultiDay folds runs of consecutive days that share a venue and a
// normalized title into a single event carrying an end date; everything else
// passes through untouched. The package does no I/O and keeps no state, so
// it may be called concurrently on independent batches.
package merge

import (
	"sort"

	"concertcal/internal/model"
)

// groupKey identifies events that may belong to the same run.
type groupKey struct {
	venue string
	title string
}

// groups is an insertion-ordered index of events by groupKey.
type groups struct {
	order []groupKey
	byKey map[groupKey][]model.Event
}

func newGroups() *groups {
	return &groups{byKey: make(map[groupKey][]model.Event)}
}

func (g *groups) add(k groupKey, ev model.Event) {
	if _, ok := g.byKey[k]; !ok {
		g.order = append(g.order, k)
	}
	g.byKey[k] = append(g.byKey[k], ev)
}

// MultiDay groups events by venue and normalized title, collapses runs of
// consecutive dates within each group and returns the result ordered by
// date, venue and title.
//
// A merged event keeps every field of the first day of its run except
// EndDate and EndTime, which come from the last day. Same-title events with
// any gap between them (a weekly residency, say) stay separate.
func MultiDay(events []model.Event) []model.Event {
	idx := newGroups()
	for _, ev := range events {
		idx.add(groupKey{venue: ev.VenueName, title: model.Normalize(ev.Title)}, ev)
	}

	out := make([]model.Event, 0, len(events))
	for _, k := range idx.order {
		group := idx.byKey[k]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Date.Before(group[j].Date)
		})
		out = append(out, collapseRuns(group)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		if a.VenueName != b.VenueName {
			return a.VenueName < b.VenueName
		}
		return a.Title < b.Title
	})
	return out
}

// collapseRuns merges consecutive-day runs in a date-sorted group.
func collapseRuns(sorted []model.Event) []model.Event {
	if len(sorted) == 0 {
		return nil
	}

	var merged []model.Event
	runStart, runEnd := 0, 0
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Date == sorted[runEnd].Date.AddDays(1) {
			runEnd = i
			continue
		}
		merged = append(merged, flush(sorted[runStart], sorted[runEnd], runStart == runEnd))
		runStart, runEnd = i, i
	}
	return append(merged, flush(sorted[runStart], sorted[runEnd], runStart == runEnd))
}

func flush(first, last model.Event, single bool) model.Event {
	if single {
		return first
	}
	return first.WithRange(last.Date, last.EndTime)
}

// Dedup drops events whose identity key already appeared earlier in the
// slice. Order is preserved and the first occurrence wins.
func Dedup(events []model.Event) []model.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		k := ev.NormalizedKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}
	return out
}

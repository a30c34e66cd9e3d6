package aggregation

import (
	"sort"
	"strings"

	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// DefaultBucket holds events no charge filter claims
const DefaultBucket = ""

// MatchesFilter reports whether every key of the filter is present on the event with an allowed value
func MatchesFilter(e *events.Event, f *plan.ChargeFilter) bool {
	if len(f.Values) == 0 {
		return false
	}
	for key, allowed := range f.Values {
		v, ok := e.Property(key)
		if !ok {
			return false
		}
		if lo.Contains(allowed, types.AllFilterValues) {
			continue
		}
		if !lo.Contains(allowed, v) {
			return false
		}
	}
	return true
}

// BucketFor returns the id of the most specific matching filter, or DefaultBucket.
// Most keys wins, then fewest allowed values, then the smaller filter id.
func BucketFor(e *events.Event, filters []*plan.ChargeFilter) string {
	var best *plan.ChargeFilter
	for _, f := range filters {
		if !MatchesFilter(e, f) {
			continue
		}
		if best == nil || moreSpecific(f, best) {
			best = f
		}
	}
	if best == nil {
		return DefaultBucket
	}
	return best.ID
}

func moreSpecific(a, b *plan.ChargeFilter) bool {
	if len(a.Values) != len(b.Values) {
		return len(a.Values) > len(b.Values)
	}
	av, bv := valueCount(a), valueCount(b)
	if av != bv {
		return av < bv
	}
	return a.ID < b.ID
}

func valueCount(f *plan.ChargeFilter) int {
	n := 0
	for _, v := range f.Values {
		n += len(v)
	}
	return n
}

// PartitionByFilter assigns each event to exactly one bucket keyed by filter id
func PartitionByFilter(evts []*events.Event, filters []*plan.ChargeFilter) map[string][]*events.Event {
	out := make(map[string][]*events.Event)
	for _, e := range evts {
		bucket := BucketFor(e, filters)
		out[bucket] = append(out[bucket], e)
	}
	return out
}

// group is one combination of grouping property values
type group struct {
	values map[string]string
	events []*events.Event
}

// groupEvents splits events by the values of the grouping keys. Missing values group under "".
// Groups are returned in a stable order.
func groupEvents(evts []*events.Event, keys []string) []*group {
	byKey := make(map[string]*group)
	for _, e := range evts {
		values := make(map[string]string, len(keys))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			v, _ := e.Property(k)
			values[k] = v
			parts = append(parts, k+"="+v)
		}
		key := strings.Join(parts, "\x1f")
		g, ok := byKey[key]
		if !ok {
			g = &group{values: values}
			byKey[key] = g
		}
		g.events = append(g.events, e)
	}

	keysSorted := lo.Keys(byKey)
	sort.Strings(keysSorted)
	return lo.Map(keysSorted, func(k string, _ int) *group { return byKey[k] })
}

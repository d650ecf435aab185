package klaviyo

import (
	"fmt"
	"sort"
	"strings"
)

// BuildIDFilter constructs a values-report filter expression for the given
// entity ids. A single id becomes an equals() clause, multiple ids a
// contains-any() clause. Ids are sorted so the output is deterministic for
// identical input sets.
//
//	{"A"}      → equals(campaign_id,"A")
//	{"A","B"}  → contains-any(campaign_id,["A","B"])
//
// Pure function, no I/O. Ids containing a double quote are rejected rather
// than escaped; upstream ids never legitimately contain one.
func BuildIDFilter(ids []string, field string) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("filter: no ids for field %s", field)
	}
	if field == "" {
		return "", fmt.Errorf("filter: empty field name")
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	for _, id := range sorted {
		if id == "" {
			return "", fmt.Errorf("filter: empty id for field %s", field)
		}
		if strings.ContainsAny(id, `"`) {
			return "", fmt.Errorf("filter: id %q contains a quote", id)
		}
	}

	if len(sorted) == 1 {
		return fmt.Sprintf("equals(%s,%q)", field, sorted[0]), nil
	}

	quoted := make([]string, len(sorted))
	for i, id := range sorted {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("contains-any(%s,[%s])", field, strings.Join(quoted, ",")), nil
}

// BuildDateRangeFilter constructs the exact datetime range filter accepted by
// the metric-aggregates endpoint: inclusive start, exclusive end.
func BuildDateRangeFilter(start, end string) []string {
	return []string{
		fmt.Sprintf("greater-or-equal(datetime,%s)", start),
		fmt.Sprintf("less-than(datetime,%s)", end),
	}
}

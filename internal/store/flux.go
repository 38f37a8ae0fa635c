package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Flux query builders. All ranges use explicit absolute bounds so queries
// are unambiguous regardless of the server's timezone or the caller's
// clock offset.

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// fluxEscape neutralizes string-literal metacharacters in tag values so
// caller-supplied filters cannot break out of the query.
func fluxEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func filterClause(measurement string, filter TagFilter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == \"%s\")\n", fluxEscape(measurement))

	// Deterministic clause order keeps queries reproducible in logs/tests.
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r.%s == \"%s\")\n", k, fluxEscape(filter[k]))
	}
	return b.String()
}

func rangeQuery(bucket, measurement string, filter TagFilter, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: \"%s\")\n", fluxEscape(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(end))
	b.WriteString(filterClause(measurement, filter))
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: false)\n")
	return b.String()
}

// lastTimestampQuery flattens all matching series into one group before
// sorting, so the result is the single newest point over the whole
// filter. A per-series last() would return one row per tag combination,
// of which an idle series could be days old.
func lastTimestampQuery(bucket, measurement string, filter TagFilter, lookback time.Duration, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: \"%s\")\n", fluxEscape(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(now.Add(-lookback)), fluxTime(now))
	b.WriteString(filterClause(measurement, filter))
	b.WriteString("  |> keep(columns: [\"_time\"])\n")
	b.WriteString("  |> group()\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	b.WriteString("  |> limit(n: 1)\n")
	return b.String()
}

func timestampsQuery(bucket, measurement, field string, filter TagFilter, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: \"%s\")\n", fluxEscape(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(end))
	b.WriteString(filterClause(measurement, filter))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == \"%s\")\n", fluxEscape(field))
	b.WriteString("  |> keep(columns: [\"_time\"])\n")
	b.WriteString("  |> group()\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: false)\n")
	return b.String()
}

func aggregateWindowQuery(bucket, measurement, field string, filter TagFilter, start, end time.Time, every time.Duration, fn string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: \"%s\")\n", fluxEscape(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(end))
	b.WriteString(filterClause(measurement, filter))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == \"%s\")\n", fluxEscape(field))
	fmt.Fprintf(&b, "  |> aggregateWindow(every: %s, fn: %s, createEmpty: false)\n", every.String(), fn)
	b.WriteString("  |> sort(columns: [\"_time\"], desc: false)\n")
	return b.String()
}

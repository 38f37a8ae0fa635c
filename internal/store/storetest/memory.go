// Package storetest provides an in-memory Store used by unit tests in
// packages that sit above the store adapter.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cacaoforge/chocowatt/internal/store"
)

type seriesKey struct {
	Bucket      string
	Measurement string
	Tags        string
	Time        time.Time
}

// Memory implements store.Store with the same natural-key semantics as
// the real adapter: one point per (measurement, tagset, timestamp),
// last write wins.
type Memory struct {
	mu     sync.Mutex
	points map[seriesKey]store.Point

	PingErr  error
	WriteErr error
}

func NewMemory() *Memory {
	return &Memory{points: map[seriesKey]store.Point{}}
}

func tagKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += fmt.Sprintf("%s=%s;", k, tags[k])
	}
	return s
}

func (m *Memory) WritePoints(_ context.Context, bucket string, points []store.Point) (store.WriteStats, error) {
	if m.WriteErr != nil {
		return store.WriteStats{}, m.WriteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		p.Time = p.Time.UTC().Truncate(time.Second)
		m.points[seriesKey{bucket, p.Measurement, tagKey(p.Tags), p.Time}] = p
	}
	return store.WriteStats{Written: len(points), Batches: 1}, nil
}

func (m *Memory) WriteForecastPoints(ctx context.Context, bucket string, points []store.Point, protectedSources []string) (store.WriteStats, error) {
	if m.WriteErr != nil {
		return store.WriteStats{}, m.WriteErr
	}
	protected := map[string]bool{}
	for _, s := range protectedSources {
		protected[s] = true
	}

	m.mu.Lock()
	occupied := map[time.Time]bool{}
	for key, p := range m.points {
		if key.Bucket == bucket && protected[p.Tags["data_source"]] {
			occupied[key.Time] = true
		}
	}
	m.mu.Unlock()

	kept := make([]store.Point, 0, len(points))
	dropped := 0
	for _, p := range points {
		if occupied[p.Time.UTC().Truncate(time.Second)] {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	stats, err := m.WritePoints(ctx, bucket, kept)
	stats.Dropped = dropped
	return stats, err
}

func (m *Memory) LastTimestamp(_ context.Context, bucket, measurement string, filter store.TagFilter) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest time.Time
	found := false
	for key, p := range m.points {
		if key.Bucket != bucket || key.Measurement != measurement || !matches(p.Tags, filter) {
			continue
		}
		if !found || key.Time.After(newest) {
			newest = key.Time
			found = true
		}
	}
	return newest, found, nil
}

func (m *Memory) Range(_ context.Context, bucket, measurement string, filter store.TagFilter, start, end time.Time) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for key, p := range m.points {
		if key.Bucket != bucket || key.Measurement != measurement || !matches(p.Tags, filter) {
			continue
		}
		if key.Time.Before(start) || !key.Time.Before(end) {
			continue
		}
		out = append(out, store.Record{Time: key.Time, Tags: p.Tags, Fields: p.Fields})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (m *Memory) Timestamps(ctx context.Context, bucket, measurement, field string, filter store.TagFilter, start, end time.Time) ([]time.Time, error) {
	records, err := m.Range(ctx, bucket, measurement, filter, start, end)
	if err != nil {
		return nil, err
	}
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, r := range records {
		if _, ok := r.Fields[field]; !ok {
			continue
		}
		if !seen[r.Time] {
			seen[r.Time] = true
			out = append(out, r.Time)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) AggregateWindow(ctx context.Context, bucket, measurement, field string, filter store.TagFilter, start, end time.Time, every time.Duration, fn string) ([]store.AggregateRow, error) {
	records, err := m.Range(ctx, bucket, measurement, filter, start, end)
	if err != nil {
		return nil, err
	}
	type agg struct {
		sum      float64
		min, max float64
		n        int
	}
	windows := map[time.Time]*agg{}
	for _, r := range records {
		v, ok := r.Fields[field]
		if !ok {
			continue
		}
		w := r.Time.Truncate(every)
		a, ok := windows[w]
		if !ok {
			a = &agg{min: v, max: v}
			windows[w] = a
		}
		a.sum += v
		a.n++
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	var out []store.AggregateRow
	for w, a := range windows {
		var v float64
		switch fn {
		case "min":
			v = a.min
		case "max":
			v = a.max
		case "sum":
			v = a.sum
		default:
			v = a.sum / float64(a.n)
		}
		out = append(out, store.AggregateRow{Time: w, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return m.PingErr }

// Len reports the number of stored points.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// All returns every stored point in a bucket, sorted by time.
func (m *Memory) All(bucket string) []store.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Point
	for key, p := range m.points {
		if key.Bucket == bucket {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func matches(tags map[string]string, filter store.TagFilter) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/metrics"
)

const (
	writeBatchSize = 500
	maxAttempts    = 3
	// LastTimestamp scans at most this far back; series idle for longer
	// than the lookback are treated as absent.
	lastTimestampLookback = 30 * 24 * time.Hour
)

// retryDelays spaces the write retries: 2s, 4s, 8s.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Influx implements Store against an InfluxDB 2.x server.
type Influx struct {
	client  influxdb2.Client
	org     string
	query   api.QueryAPI
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	writes map[string]api.WriteAPIBlocking
}

type Options struct {
	URL   string
	Token string
	Org   string
}

func NewInflux(opts Options) *Influx {
	client := influxdb2.NewClient(opts.URL, opts.Token)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influx-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("store circuit breaker state change")
		},
	})

	return &Influx{
		client:  client,
		org:     opts.Org,
		query:   client.QueryAPI(opts.Org),
		breaker: breaker,
		writes:  make(map[string]api.WriteAPIBlocking),
	}
}

func (s *Influx) Close() { s.client.Close() }

// Healthy reports whether the write breaker is accepting requests; the
// readiness endpoint flips to false while the breaker is open.
func (s *Influx) Healthy() bool {
	return s.breaker.State() != gobreaker.StateOpen
}

func (s *Influx) writeAPI(bucket string) api.WriteAPIBlocking {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writes[bucket]
	if !ok {
		w = s.client.WriteAPIBlocking(s.org, bucket)
		s.writes[bucket] = w
	}
	return w
}

func (s *Influx) WritePoints(ctx context.Context, bucket string, points []Point) (WriteStats, error) {
	start := time.Now()
	stats := WriteStats{}
	if len(points) == 0 {
		return stats, nil
	}

	w := s.writeAPI(bucket)
	for off := 0; off < len(points); off += writeBatchSize {
		end := off + writeBatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[off:end]
		if err := s.writeBatch(ctx, w, batch); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}
		stats.Written += len(batch)
		stats.Batches++
		metrics.StoreWrites.WithLabelValues(batch[0].Measurement).Add(float64(len(batch)))
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

func (s *Influx) writeBatch(ctx context.Context, w api.WriteAPIBlocking, batch []Point) error {
	converted := make([]*write.Point, len(batch))
	for i, p := range batch {
		converted[i] = toInfluxPoint(p)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			log.Warn().Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying store write")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errkind.Wrap(errkind.Cancelled, ctx.Err(), "store write cancelled")
			}
		}

		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, w.WritePoint(ctx, converted...)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.StoreErrors.Inc()
			return errkind.Wrap(errkind.StoreUnavailable, err, "store circuit open")
		}
		lastErr = err
	}

	metrics.StoreErrors.Inc()
	return errkind.Wrap(errkind.StoreUnavailable, lastErr,
		"store write failed after %d attempts (batch of %d, sample %s@%s)",
		maxAttempts, len(batch), batch[0].Measurement, batch[0].Time.UTC().Format(time.RFC3339))
}

func (s *Influx) WriteForecastPoints(ctx context.Context, bucket string, points []Point, protectedSources []string) (WriteStats, error) {
	if len(points) == 0 {
		return WriteStats{}, nil
	}

	minT, maxT := points[0].Time, points[0].Time
	for _, p := range points[1:] {
		if p.Time.Before(minT) {
			minT = p.Time
		}
		if p.Time.After(maxT) {
			maxT = p.Time
		}
	}

	// Collect timestamps already covered by observations; forecast points
	// at those timestamps are dropped, never overwriting real data.
	occupied := make(map[int64]bool)
	measurement := points[0].Measurement
	field := firstField(points[0])
	for _, src := range protectedSources {
		ts, err := s.Timestamps(ctx, bucket, measurement, field,
			TagFilter{"data_source": src}, minT, maxT.Add(time.Second))
		if err != nil {
			return WriteStats{}, err
		}
		for _, t := range ts {
			occupied[t.Unix()] = true
		}
	}

	kept := make([]Point, 0, len(points))
	dropped := 0
	for _, p := range points {
		if occupied[p.Time.Unix()] {
			dropped++
			continue
		}
		kept = append(kept, p)
	}

	stats, err := s.WritePoints(ctx, bucket, kept)
	stats.Dropped = dropped
	return stats, err
}

func firstField(p Point) string {
	for k := range p.Fields {
		return k
	}
	return ""
}

func (s *Influx) LastTimestamp(ctx context.Context, bucket, measurement string, filter TagFilter) (time.Time, bool, error) {
	q := lastTimestampQuery(bucket, measurement, filter, lastTimestampLookback, time.Now().UTC())
	result, err := s.runQuery(ctx, q)
	if err != nil {
		return time.Time{}, false, err
	}
	defer result.Close()

	if result.Next() {
		t := result.Record().Time()
		if err := result.Err(); err != nil {
			return time.Time{}, false, errkind.Wrap(errkind.StoreUnavailable, err, "last timestamp query")
		}
		return t.UTC(), true, nil
	}
	if err := result.Err(); err != nil {
		return time.Time{}, false, errkind.Wrap(errkind.StoreUnavailable, err, "last timestamp query")
	}
	return time.Time{}, false, nil
}

func (s *Influx) Range(ctx context.Context, bucket, measurement string, filter TagFilter, start, end time.Time) ([]Record, error) {
	q := rangeQuery(bucket, measurement, filter, start, end)
	result, err := s.runQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var records []Record
	for result.Next() {
		rec := result.Record()
		out := Record{Time: rec.Time().UTC(), Tags: map[string]string{}, Fields: map[string]float64{}}
		for k, v := range rec.Values() {
			switch k {
			case "_time", "_start", "_stop", "_measurement", "result", "table":
				continue
			}
			switch val := v.(type) {
			case float64:
				out.Fields[k] = val
			case int64:
				out.Fields[k] = float64(val)
			case string:
				out.Tags[k] = val
			}
		}
		records = append(records, out)
	}
	if err := result.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "range query %s", measurement)
	}
	return records, nil
}

func (s *Influx) Timestamps(ctx context.Context, bucket, measurement, field string, filter TagFilter, start, end time.Time) ([]time.Time, error) {
	q := timestampsQuery(bucket, measurement, field, filter, start, end)
	result, err := s.runQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var out []time.Time
	for result.Next() {
		out = append(out, result.Record().Time().UTC())
	}
	if err := result.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "timestamps query %s", measurement)
	}
	return out, nil
}

func (s *Influx) AggregateWindow(ctx context.Context, bucket, measurement, field string, filter TagFilter, start, end time.Time, every time.Duration, fn string) ([]AggregateRow, error) {
	q := aggregateWindowQuery(bucket, measurement, field, filter, start, end, every, fn)
	result, err := s.runQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var rows []AggregateRow
	for result.Next() {
		rec := result.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		rows = append(rows, AggregateRow{Time: rec.Time().UTC(), Value: v})
	}
	if err := result.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "aggregate query %s.%s", measurement, field)
	}
	return rows, nil
}

func (s *Influx) runQuery(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.query.Query(ctx, flux)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errkind.Wrap(errkind.StoreUnavailable, err, "store circuit open")
		}
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.Cancelled, err, "store query cancelled")
		}
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "store query failed")
	}
	result, ok := res.(*api.QueryTableResult)
	if !ok || result == nil {
		return nil, errkind.New(errkind.StoreUnavailable, "store returned empty result set handle")
	}
	return result, nil
}

func (s *Influx) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errkind.Wrap(errkind.StoreUnavailable, err, "store health check")
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errkind.New(errkind.StoreUnavailable, "store health %s: %s", health.Status, msg)
	}
	return nil
}

// WaitReady polls the store until it answers or the attempt budget is
// spent. Used at startup; a persistent failure is fatal (exit 1).
func (s *Influx) WaitReady(ctx context.Context, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := s.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i+1).Int("max", attempts).Msg("store not ready, retrying")
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "startup cancelled")
		}
	}
	return fmt.Errorf("store unreachable after %d attempts: %w", attempts, lastErr)
}

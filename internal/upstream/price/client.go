// Package price fetches hourly wholesale electricity prices (PVPC) from
// the REE open-data API.
package price

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

const (
	// Client-side minimum spacing between requests (30/min budget).
	minRequestDelay = 2 * time.Second

	// A window fetch whose newest price is older than this emits a
	// lag warning.
	freshnessThreshold = 6 * time.Hour

	indicatorPath = "/es/datos/mercados/precios-mercados-tiempo-real"
	pvpcSeries    = "PVPC"
)

type Client struct {
	base string
	http *upstream.Client
}

func New(base string) *Client {
	return &Client{
		base: base,
		http: upstream.NewClient("price", minRequestDelay, 0),
	}
}

// response mirrors the REE indicator payload: one included series per
// market, each carrying hourly values with zone-offset datetimes.
type response struct {
	Included []struct {
		Type       string `json:"type"`
		Attributes struct {
			Title  string `json:"title"`
			Values []struct {
				Value    float64 `json:"value"`
				Datetime string  `json:"datetime"`
			} `json:"values"`
		} `json:"attributes"`
	} `json:"included"`
}

// FetchWindow returns hourly PVPC prices in [start, end), ascending.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time) ([]upstream.PriceRecord, error) {
	q := url.Values{}
	q.Set("start_date", start.UTC().Format("2006-01-02T15:04"))
	q.Set("end_date", end.UTC().Format("2006-01-02T15:04"))
	q.Set("time_trunc", "hour")

	var resp response
	if err := c.http.GetJSON(ctx, c.base+indicatorPath+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	records, err := c.extract(resp)
	if err != nil {
		return nil, err
	}

	if len(records) > 0 {
		upstream.WarnIfStale("price", records[len(records)-1].Time, freshnessThreshold)
	}
	return records, nil
}

// FetchCurrent returns the price for the current hour.
func (c *Client) FetchCurrent(ctx context.Context) (upstream.PriceRecord, error) {
	hour := time.Now().UTC().Truncate(time.Hour)
	records, err := c.FetchWindow(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		return upstream.PriceRecord{}, err
	}
	if len(records) == 0 {
		return upstream.PriceRecord{}, errkind.New(errkind.UpstreamParse, "price: no value for current hour")
	}
	return records[len(records)-1], nil
}

func (c *Client) extract(resp response) ([]upstream.PriceRecord, error) {
	var records []upstream.PriceRecord
	for _, series := range resp.Included {
		if series.Attributes.Title != pvpcSeries && len(resp.Included) > 1 {
			continue
		}
		for _, v := range series.Attributes.Values {
			t, err := time.Parse(time.RFC3339, v.Datetime)
			if err != nil {
				// The upstream occasionally omits the colon in the
				// zone offset.
				t, err = time.Parse("2006-01-02T15:04:05.000-0700", v.Datetime)
				if err != nil {
					return nil, errkind.Wrap(errkind.UpstreamParse, err, "price: bad datetime %q", v.Datetime)
				}
			}
			records = append(records, upstream.PriceRecord{
				Time:        t.UTC().Truncate(time.Hour),
				PriceEURMWh: v.Value,
			})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
	return dedupe(records), nil
}

// dedupe keeps the last value per hour; REE republishes hours when the
// market settles.
func dedupe(records []upstream.PriceRecord) []upstream.PriceRecord {
	if len(records) == 0 {
		return records
	}
	out := records[:1]
	for _, r := range records[1:] {
		if r.Time.Equal(out[len(out)-1].Time) {
			out[len(out)-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

// Ping verifies the upstream answers; used by the health-check job.
func (c *Client) Ping(ctx context.Context) error {
	hour := time.Now().UTC().Truncate(time.Hour)
	_, err := c.FetchWindow(ctx, hour.Add(-2*time.Hour), hour)
	if err != nil {
		return fmt.Errorf("price ping: %w", err)
	}
	return nil
}

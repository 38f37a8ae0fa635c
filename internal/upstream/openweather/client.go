// Package openweather is the realtime weather client. Unlike the
// observation upstream it answers for the current hour, so the hybrid
// ingestion path prefers it during factory hours.
package openweather

import (
	"context"
	"net/url"
	"sort"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

const (
	minRequestDelay = 1 * time.Second

	// The realtime upstream serves at most 48 hourly forecast steps.
	MaxForecastHours = 48
)

type Client struct {
	base      string
	apiKey    string
	lat, lon  string
	stationID string
	http      *upstream.Client
}

// New builds a client pinned to one location. stationID tags the
// written points so realtime and observation series align.
func New(base, apiKey, lat, lon, stationID string) *Client {
	return &Client{
		base:      base,
		apiKey:    apiKey,
		lat:       lat,
		lon:       lon,
		stationID: stationID,
		http:      upstream.NewClient("weather-rt", minRequestDelay, 0),
	}
}

type oneCallResponse struct {
	Current hourPayload   `json:"current"`
	Hourly  []hourPayload `json:"hourly"`
}

type hourPayload struct {
	Dt       int64    `json:"dt"`
	Temp     float64  `json:"temp"`
	Humidity float64  `json:"humidity"`
	Pressure float64  `json:"pressure"`
	WindSpd  float64  `json:"wind_speed"`
	WindDeg  float64  `json:"wind_deg"`
	Rain     *rainAgg `json:"rain"`
}

type rainAgg struct {
	OneHour float64 `json:"1h"`
}

func (c *Client) fetch(ctx context.Context, exclude string) (oneCallResponse, error) {
	q := url.Values{}
	q.Set("lat", c.lat)
	q.Set("lon", c.lon)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	if exclude != "" {
		q.Set("exclude", exclude)
	}

	var resp oneCallResponse
	err := c.http.GetJSON(ctx, c.base+"/data/3.0/onecall?"+q.Encode(), nil, &resp)
	return resp, err
}

// FetchCurrent returns the realtime reading for this hour.
func (c *Client) FetchCurrent(ctx context.Context) (upstream.WeatherRecord, error) {
	resp, err := c.fetch(ctx, "minutely,hourly,daily,alerts")
	if err != nil {
		return upstream.WeatherRecord{}, err
	}
	if resp.Current.Dt == 0 {
		return upstream.WeatherRecord{}, errkind.New(errkind.UpstreamParse, "weather-rt: empty current block")
	}
	return c.toRecord(resp.Current), nil
}

// FetchHourlyForecast returns up to 48 hourly forecast steps ascending.
func (c *Client) FetchHourlyForecast(ctx context.Context) ([]upstream.WeatherRecord, error) {
	resp, err := c.fetch(ctx, "minutely,daily,alerts")
	if err != nil {
		return nil, err
	}
	if len(resp.Hourly) == 0 {
		return nil, errkind.New(errkind.UpstreamParse, "weather-rt: empty hourly block")
	}

	records := make([]upstream.WeatherRecord, 0, len(resp.Hourly))
	for _, h := range resp.Hourly {
		if len(records) == MaxForecastHours {
			break
		}
		records = append(records, c.toRecord(h))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
	return records, nil
}

func (c *Client) toRecord(h hourPayload) upstream.WeatherRecord {
	rec := upstream.WeatherRecord{
		Time:          time.Unix(h.Dt, 0).UTC().Truncate(time.Hour),
		StationID:     c.stationID,
		Temperature:   upstream.Float(h.Temp),
		Humidity:      upstream.Float(h.Humidity),
		Pressure:      upstream.Float(h.Pressure),
		WindSpeed:     upstream.Float(h.WindSpd),
		WindDirection: upstream.Float(h.WindDeg),
	}
	if h.Rain != nil {
		rec.Precipitation = upstream.Float(h.Rain.OneHour)
	}
	return rec
}

// Ping verifies the upstream and API key still answer.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchCurrent(ctx)
	return err
}

// Package aemet is the weather-observation client. The upstream
// publishes consolidated observations with a substantial delay (24-72h);
// the client reports that lag but does not hide it, the backfill
// strategy is what works around it.
//
// Every data endpoint answers in two steps: a metadata envelope carrying
// a signed "datos" URL, then the payload itself at that URL.
package aemet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

const (
	// 20 requests/min budget; each logical fetch costs two HTTP calls.
	minRequestDelay = 3 * time.Second

	freshnessThreshold = 2 * time.Hour
)

type Client struct {
	base   string
	http   *upstream.Client
	tokens *TokenManager
	loc    *time.Location
}

func New(base, apiKey, tokenCachePath string, loc *time.Location) *Client {
	c := &Client{
		base: base,
		http: upstream.NewClient("weather-obs", minRequestDelay, 0),
		loc:  loc,
	}
	c.tokens = NewTokenManager(apiKey, tokenCachePath, c.renewToken)
	return c
}

// Tokens exposes the manager so the scheduler can wire the daily
// refresh job.
func (c *Client) Tokens() *TokenManager { return c.tokens }

type envelope struct {
	Estado      int    `json:"estado"`
	Datos       string `json:"datos"`
	Descripcion string `json:"descripcion"`
}

func (c *Client) renewToken(ctx context.Context, apiKey string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.http.GetJSON(ctx, c.base+"/api/token/renew", map[string]string{"api_key": apiKey}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		// Some deployments accept the API key directly as the bearer.
		return apiKey, nil
	}
	return resp.Token, nil
}

// fetchData resolves the two-step envelope and decodes the payload.
func (c *Client) fetchData(ctx context.Context, path string, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{"api_key": token}

	var env envelope
	if err := c.http.GetJSON(ctx, c.base+path, headers, &env); err != nil {
		return err
	}
	if env.Estado != 200 || env.Datos == "" {
		return errkind.HTTPError(env.Estado, "weather-obs: %s", env.Descripcion)
	}
	return c.http.GetJSON(ctx, env.Datos, headers, out)
}

type observationRow struct {
	Station     string   `json:"idema"`
	Time        string   `json:"fint"`
	Temperature *float64 `json:"ta"`
	Humidity    *float64 `json:"hr"`
	Pressure    *float64 `json:"pres"`
	WindSpeed   *float64 `json:"vv"`
	WindDir     *float64 `json:"dv"`
	Precip      *float64 `json:"prec"`
}

// FetchWindow returns the station's hourly observations overlapping
// [start, end). The upstream only serves the most recent days here;
// older ranges come from climatology or the CSV archive.
func (c *Client) FetchWindow(ctx context.Context, stationID string, start, end time.Time) ([]upstream.WeatherRecord, error) {
	var rows []observationRow
	path := fmt.Sprintf("/api/observacion/convencional/datos/estacion/%s", stationID)
	if err := c.fetchData(ctx, path, &rows); err != nil {
		return nil, err
	}

	var records []upstream.WeatherRecord
	for _, row := range rows {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", row.Time, time.UTC)
		if err != nil {
			return nil, errkind.Wrap(errkind.UpstreamParse, err, "weather-obs: bad observation time %q", row.Time)
		}
		t = t.UTC()
		if t.Before(start) || !t.Before(end) {
			continue
		}
		records = append(records, upstream.WeatherRecord{
			Time:          t,
			StationID:     row.Station,
			Temperature:   row.Temperature,
			Humidity:      row.Humidity,
			Pressure:      row.Pressure,
			WindSpeed:     row.WindSpeed,
			WindDirection: row.WindDir,
			Precipitation: row.Precip,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })

	if len(records) > 0 {
		upstream.WarnIfStale("weather-obs", records[len(records)-1].Time, freshnessThreshold)
	}
	return records, nil
}

// FetchCurrent returns the newest available observation. Because of the
// publication lag this can be hours old; callers decide whether that is
// acceptable (the hybrid selector only uses it at night).
func (c *Client) FetchCurrent(ctx context.Context, stationID string) (upstream.WeatherRecord, error) {
	now := time.Now().UTC()
	records, err := c.FetchWindow(ctx, stationID, now.Add(-72*time.Hour), now.Add(time.Hour))
	if err != nil {
		return upstream.WeatherRecord{}, err
	}
	if len(records) == 0 {
		return upstream.WeatherRecord{}, errkind.New(errkind.UpstreamParse, "weather-obs: no recent observations")
	}
	return records[len(records)-1], nil
}

type climatologyRow struct {
	Station string `json:"indicativo"`
	Date    string `json:"fecha"`
	TMed    string `json:"tmed"`
	TMin    string `json:"tmin"`
	TMax    string `json:"tmax"`
	HRMean  string `json:"hrMedia"`
	Wind    string `json:"velmedia"`
	Precip  string `json:"prec"`
	Sol     string `json:"sol"`
}

// FetchDailyClimatology returns consolidated daily aggregates; these
// publish with a ~3-day lag but cover arbitrary history. Values arrive
// as comma-decimal strings.
func (c *Client) FetchDailyClimatology(ctx context.Context, stationID string, start, end time.Time) ([]upstream.DailyClimatology, error) {
	path := fmt.Sprintf("/api/valores/climatologicos/diarios/datos/fechaini/%s/fechafin/%s/estacion/%s",
		start.UTC().Format("2006-01-02T15:04:05")+"UTC",
		end.UTC().Format("2006-01-02T15:04:05")+"UTC",
		stationID)

	var rows []climatologyRow
	if err := c.fetchData(ctx, path, &rows); err != nil {
		return nil, err
	}

	var out []upstream.DailyClimatology
	for _, row := range rows {
		date, err := time.ParseInLocation("2006-01-02", row.Date, time.UTC)
		if err != nil {
			return nil, errkind.Wrap(errkind.UpstreamParse, err, "weather-obs: bad climatology date %q", row.Date)
		}
		out = append(out, upstream.DailyClimatology{
			Date:           date,
			StationID:      row.Station,
			TempMean:       commaFloat(row.TMed),
			TempMin:        commaFloat(row.TMin),
			TempMax:        commaFloat(row.TMax),
			HumidityMean:   commaFloat(row.HRMean),
			WindMean:       commaFloat(row.Wind),
			Precipitation:  commaFloat(row.Precip),
			SolarRadiation: commaFloat(row.Sol),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

type forecastDay struct {
	Date        string         `json:"fecha"`
	Temperature []forecastHour `json:"temperatura"`
	Humidity    []forecastHour `json:"humedadRelativa"`
}

type forecastHour struct {
	Period string `json:"periodo"`
	Value  string `json:"value"`
}

type forecastPayload []struct {
	Prediccion struct {
		Dia []forecastDay `json:"dia"`
	} `json:"prediccion"`
}

// FetchHourlyForecast returns the municipality's short-horizon hourly
// forecast (about 48h ahead). Used by the backfill strategy to cover
// hours the observations have not published yet.
func (c *Client) FetchHourlyForecast(ctx context.Context, municipalityCode string) ([]upstream.WeatherRecord, error) {
	var payload forecastPayload
	path := fmt.Sprintf("/api/prediccion/especifica/municipio/horaria/%s", municipalityCode)
	if err := c.fetchData(ctx, path, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errkind.New(errkind.UpstreamParse, "weather-obs: empty forecast payload")
	}

	byHour := map[time.Time]*upstream.WeatherRecord{}
	for _, day := range payload[0].Prediccion.Dia {
		date, err := time.ParseInLocation("2006-01-02T15:04:05", day.Date, c.loc)
		if err != nil {
			date, err = time.ParseInLocation("2006-01-02", day.Date, c.loc)
			if err != nil {
				return nil, errkind.Wrap(errkind.UpstreamParse, err, "weather-obs: bad forecast date %q", day.Date)
			}
		}
		for _, h := range day.Temperature {
			t, v, ok := hourValue(date, h)
			if !ok {
				continue
			}
			rec := ensureHour(byHour, t)
			rec.Temperature = upstream.Float(v)
		}
		for _, h := range day.Humidity {
			t, v, ok := hourValue(date, h)
			if !ok {
				continue
			}
			rec := ensureHour(byHour, t)
			rec.Humidity = upstream.Float(v)
		}
	}

	out := make([]upstream.WeatherRecord, 0, len(byHour))
	for _, rec := range byHour {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func ensureHour(m map[time.Time]*upstream.WeatherRecord, t time.Time) *upstream.WeatherRecord {
	if rec, ok := m[t]; ok {
		return rec
	}
	rec := &upstream.WeatherRecord{Time: t}
	m[t] = rec
	return rec
}

func hourValue(date time.Time, h forecastHour) (time.Time, float64, bool) {
	hour, err := strconv.Atoi(strings.TrimSpace(h.Period))
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(h.Value, ",", "."), 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	return date.Add(time.Duration(hour) * time.Hour).UTC(), v, true
}

// commaFloat parses the upstream's comma-decimal strings; "Ip"
// (inappreciable precipitation) and empty cells map to nil.
func commaFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "Ip" || s == "Varias" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil
	}
	return &v
}

// Ping verifies the upstream (and the token) still answer.
func (c *Client) Ping(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	var env envelope
	return c.http.GetJSON(ctx, c.base+"/api/observacion/convencional/todas",
		map[string]string{"api_key": token}, &env)
}

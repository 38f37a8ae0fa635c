// Package siar imports the agro-climatic daily CSV archive. The files
// are exported from a legacy system: single-byte encodings, stray
// control characters, semicolon fields, comma decimals.
package siar

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/gaps"
	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/store"
)

const writeBatch = 100

// Filename prefixes map to the two archive stations.
var stationPrefixes = map[string]string{
	"to01": "TO01",
	"to11": "TO11",
}

// Importer reads the CSV archive into the historical bucket.
type Importer struct {
	store  store.Store
	bucket string
}

func NewImporter(st store.Store, bucket string) *Importer {
	return &Importer{store: st, bucket: bucket}
}

// ImportDir processes every .csv under dir, continuing past per-file
// failures.
func (im *Importer) ImportDir(ctx context.Context, dir string) (gaps.ImportStats, error) {
	var stats gaps.ImportStats

	entries, err := os.ReadDir(dir)
	if err != nil {
		return stats, errkind.Wrap(errkind.Internal, err, "reading csv archive dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return stats, errkind.Wrap(errkind.Cancelled, ctx.Err(), "csv import interrupted")
		}
		written, err := im.ImportFile(ctx, filepath.Join(dir, name))
		if err != nil {
			stats.FilesFailed++
			log.Error().Err(err).Str("file", name).Msg("csv import failed")
			continue
		}
		stats.FilesProcessed++
		stats.RecordsWritten += written
		log.Info().Str("file", name).Int("records", written).Msg("csv imported")
	}
	return stats, nil
}

// ImportFile parses and writes one archive file, batching 100 points.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	station, ok := stationFromFilename(filepath.Base(path))
	if !ok {
		return 0, errkind.New(errkind.Validation, "unknown station prefix in %s", filepath.Base(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err, "reading %s", path)
	}
	text, err := decodeAny(raw)
	if err != nil {
		return 0, err
	}

	var batch []store.Point
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ws, err := im.store.WritePoints(ctx, im.bucket, batch)
		if err != nil {
			return err
		}
		written += ws.Written
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := cleanLine(scanner.Text())
		if line == "" || lineNo == 1 && isHeader(line) {
			continue
		}
		point, err := parseLine(line, station)
		if err != nil {
			log.Debug().Err(err).Str("file", filepath.Base(path)).Int("line", lineNo).Msg("csv row skipped")
			continue
		}
		batch = append(batch, point)
		if len(batch) == writeBatch {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

// decodeAny tries the known archive encodings in order and keeps the
// first that decodes cleanly.
func decodeAny(raw []byte) (string, error) {
	decoders := []struct {
		name string
		enc  encoding.Encoding
	}{
		{"latin-1", charmap.ISO8859_1},
		{"iso-8859-1", charmap.ISO8859_1},
		{"cp1252", charmap.Windows1252},
		{"utf-8", unicode.UTF8},
	}
	for _, d := range decoders {
		decoded, err := d.enc.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		if utf8.Valid(decoded) && !bytes.ContainsRune(decoded, utf8.RuneError) {
			return string(decoded), nil
		}
	}
	return "", errkind.New(errkind.UpstreamParse, "csv bytes decode under no known encoding")
}

// cleanLine drops everything except alphanumerics and the characters
// the schema needs. The archive contains invisible Unicode whitespace
// that otherwise breaks the field parser.
func cleanLine(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r == ';' || r == ',' || r == '/' || r == ':' || r == '.' || r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isHeader(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "fecha") || strings.Contains(lower, "temp")
}

// Column layout of the daily export:
// date;temp_mean;temp_max;temp_min;humidity_mean;wind_mean;radiation;precipitation;eto
func parseLine(line, station string) (store.Point, error) {
	parts := strings.Split(line, ";")
	if len(parts) < 9 {
		return store.Point{}, errkind.New(errkind.UpstreamParse, "csv row has %d fields, want 9", len(parts))
	}

	date, err := time.Parse("02/01/2006", strings.TrimSpace(parts[0]))
	if err != nil {
		return store.Point{}, errkind.Wrap(errkind.UpstreamParse, err, "csv date %q", parts[0])
	}

	fields := map[string]float64{}
	names := []string{
		"temperature", "temperature_max", "temperature_min",
		"humidity", "wind_speed", "solar_radiation",
		"precipitation", "evapotranspiration",
	}
	for i, name := range names {
		v, ok := parseDecimal(parts[i+1])
		if ok {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return store.Point{}, errkind.New(errkind.UpstreamParse, "csv row carries no numeric fields")
	}

	return store.Point{
		Measurement: ingest.MeasurementSIAR,
		Tags: map[string]string{
			"station_id":  station,
			"data_source": ingest.SourceCSV,
		},
		Fields: fields,
		Time:   date.UTC(),
	}, nil
}

// parseDecimal handles the archive's comma decimal separator.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" || s == "-" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func stationFromFilename(name string) (string, bool) {
	lower := strings.ToLower(name)
	for prefix, station := range stationPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return station, true
		}
	}
	return "", false
}

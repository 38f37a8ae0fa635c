package siar

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/store/storetest"
)

const testBucket = "historical"

func writeArchiveFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
}

func TestImportFileParsesDailyRows(t *testing.T) {
	dir := t.TempDir()
	// Latin-1 content with a header, an accented station note, and
	// comma decimals.
	content := []byte("Fecha;TempMedia;TempMax;TempMin;HumedadMedia;VelViento;Radiacion;Precipitacion;ETo\n" +
		"15/01/2024;8,4;14,2;2,1;71,0;2,3;9,8;0,0;1,2\n" +
		"16/01/2024;9,1;15,0;3,4;68,5;1,9;10,2;0,4;1,3\n")
	writeArchiveFile(t, dir, "TO01_2024_01.csv", content)

	mem := storetest.NewMemory()
	im := NewImporter(mem, testBucket)

	written, err := im.ImportFile(context.Background(), filepath.Join(dir, "TO01_2024_01.csv"))
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	points := mem.All(testBucket)
	require.Len(t, points, 2)
	assert.Equal(t, ingest.MeasurementSIAR, points[0].Measurement)
	assert.Equal(t, "TO01", points[0].Tags["station_id"])
	assert.Equal(t, ingest.SourceCSV, points[0].Tags["data_source"])
	assert.InDelta(t, 8.4, points[0].Fields["temperature"], 1e-9)
	assert.InDelta(t, 14.2, points[0].Fields["temperature_max"], 1e-9)
	assert.InDelta(t, 1.2, points[0].Fields["evapotranspiration"], 1e-9)
}

func TestImportFileSurvivesControlCharacters(t *testing.T) {
	dir := t.TempDir()
	// Invisible characters inside the row must not break parsing.
	content := []byte("15/01/2024;8,4\u00a0;14,2;2,1;\u200b71,0;2,3;9,8;0,0;1,2\n")
	writeArchiveFile(t, dir, "to11_2024_01.csv", content)

	mem := storetest.NewMemory()
	im := NewImporter(mem, testBucket)

	written, err := im.ImportFile(context.Background(), filepath.Join(dir, "to11_2024_01.csv"))
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, "TO11", mem.All(testBucket)[0].Tags["station_id"])
}

func TestImportFileRejectsUnknownStation(t *testing.T) {
	dir := t.TempDir()
	writeArchiveFile(t, dir, "XX99_2024_01.csv", []byte("15/01/2024;1;2;3;4;5;6;7;8\n"))

	mem := storetest.NewMemory()
	im := NewImporter(mem, testBucket)

	_, err := im.ImportFile(context.Background(), filepath.Join(dir, "XX99_2024_01.csv"))
	assert.Error(t, err)
}

func TestImportDirContinuesPastBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeArchiveFile(t, dir, "TO01_a.csv", []byte("15/01/2024;8,4;14,2;2,1;71,0;2,3;9,8;0,0;1,2\n"))
	writeArchiveFile(t, dir, "bad_station.csv", []byte("irrelevant\n"))
	writeArchiveFile(t, dir, "TO11_b.csv", []byte("16/01/2024;9,1;15,0;3,4;68,5;1,9;10,2;0,4;1,3\n"))

	mem := storetest.NewMemory()
	im := NewImporter(mem, testBucket)

	stats, err := im.ImportDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesProcessed)
	assert.Equal(t, 1, stats.FilesFailed)
	assert.Equal(t, 2, stats.RecordsWritten)
}

func TestImportIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeArchiveFile(t, dir, "TO01_a.csv", []byte("15/01/2024;8,4;14,2;2,1;71,0;2,3;9,8;0,0;1,2\n"))

	mem := storetest.NewMemory()
	im := NewImporter(mem, testBucket)

	_, err := im.ImportDir(context.Background(), dir)
	require.NoError(t, err)
	_, err = im.ImportDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())
}

func TestSkippedRowsDoNotAbortFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("15/01/2024;8,4;14,2;2,1;71,0;2,3;9,8;0,0;1,2\n" +
		"not-a-date;x;y\n" +
		"16/01/2024;9,1;15,0;3,4;68,5;1,9;10,2;0,4;1,3\n")
	writeArchiveFile(t, dir, "TO01_a.csv", content)

	mem := storetest.NewMemory()
	im := NewImporter(mem, testBucket)

	written, err := im.ImportFile(context.Background(), filepath.Join(dir, "TO01_a.csv"))
	require.NoError(t, err)
	assert.Equal(t, 2, written)
}

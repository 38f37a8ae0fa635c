package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacaoforge/chocowatt/internal/errkind"
)

type demoArtifact struct {
	Weights []float64 `json:"weights"`
	Note    string    `json:"note"`
}

func TestSaveAndLoadLatest(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)

	in := demoArtifact{Weights: []float64{1, 2, 3}, Note: "v1"}
	entry, err := r.Save("price_forecaster", in, map[string]int{"rows": 100})
	require.NoError(t, err)
	assert.True(t, entry.IsLatest)
	assert.NotEmpty(t, entry.ID)

	var out demoArtifact
	require.NoError(t, r.LoadLatest("price_forecaster", &out))
	assert.Equal(t, in, out)
}

func TestLoadLatestMissingKind(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)

	var out demoArtifact
	err = r.LoadLatest("nonexistent", &out)
	require.Error(t, err)
	assert.Equal(t, errkind.ModelNotTrained, errkind.KindOf(err))
}

func TestSaveRepointsLatest(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = r.Save("scoring", demoArtifact{Note: "v1"}, nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // version filenames have second precision
	_, err = r.Save("scoring", demoArtifact{Note: "v2"}, nil)
	require.NoError(t, err)

	var out demoArtifact
	require.NoError(t, r.LoadLatest("scoring", &out))
	assert.Equal(t, "v2", out.Note)

	entries := r.List("scoring")
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsLatest)
	assert.False(t, entries[1].IsLatest)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	_, err = r.Save("price_forecaster", demoArtifact{Note: "v1"}, nil)
	require.NoError(t, err)

	r2, err := Open(dir)
	require.NoError(t, err)
	entry, ok := r2.Latest("price_forecaster")
	require.True(t, ok)
	assert.True(t, entry.IsLatest)

	var out demoArtifact
	require.NoError(t, r2.LoadLatest("price_forecaster", &out))
	assert.Equal(t, "v1", out.Note)
}

func TestCorruptIndexStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"), []byte("{not json"), 0o644))

	r, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, r.List(""))
}

func TestPruneKeepsNewestVersions(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	for _, note := range []string{"v1", "v2", "v3"} {
		_, err = r.Save("scoring", demoArtifact{Note: note}, nil)
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond) // version filenames have second precision
	}

	removed, err := r.Prune("scoring", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	files, err := os.ReadDir(filepath.Join(dir, "models"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	var out demoArtifact
	require.NoError(t, r.LoadLatest("scoring", &out))
	assert.Equal(t, "v3", out.Note)
	assert.Len(t, r.List("scoring"), 1)
}

func TestPruneNothingBelowKeep(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = r.Save("scoring", demoArtifact{Note: "v1"}, nil)
	require.NoError(t, err)

	removed, err := r.Prune("scoring", 3)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestVersionFilesAreKept(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	_, err = r.Save("price_forecaster", demoArtifact{Note: "v1"}, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "models"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "price_forecaster_")
}

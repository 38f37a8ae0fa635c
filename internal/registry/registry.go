// Package registry stores versioned model artifacts on disk. Layout:
//
//	models/<kind>_<timestamp>.json   immutable versions
//	latest/<kind>.json               pointer copy, swapped atomically
//	registry.json                    index of every saved artifact
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
)

const (
	modelsDir  = "models"
	latestDir  = "latest"
	indexFile  = "registry.json"
	timeLayout = "20060102T150405Z"
)

// Entry is one saved artifact's index row.
type Entry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	File      string          `json:"file"`
	SavedAt   time.Time       `json:"saved_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	IsLatest  bool            `json:"is_latest"`
	SizeBytes int64           `json:"size_bytes"`
}

// Registry is a single-writer artifact store rooted at one directory.
type Registry struct {
	root string

	mu    sync.Mutex
	index []Entry
}

func Open(root string) (*Registry, error) {
	for _, dir := range []string{root, filepath.Join(root, modelsDir), filepath.Join(root, latestDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err, "creating registry dir %s", dir)
		}
	}
	r := &Registry{root: root}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(r.root, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "reading registry index")
	}
	if err := json.Unmarshal(data, &r.index); err != nil {
		// A corrupt index is rebuilt empty rather than blocking saves;
		// artifact files on disk remain untouched.
		log.Warn().Err(err).Msg("registry index corrupt, starting fresh")
		r.index = nil
	}
	return nil
}

// saveIndexLocked writes the index through a temp file and rename.
func (r *Registry) saveIndexLocked() error {
	data, err := json.MarshalIndent(r.index, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "encoding registry index")
	}
	return atomicWrite(filepath.Join(r.root, indexFile), data)
}

// Save persists an artifact version and repoints latest to it.
// metadata is stored verbatim in the index (training metrics, rows).
func (r *Registry) Save(kind string, artifact interface{}, metadata interface{}) (Entry, error) {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return Entry{}, errkind.Wrap(errkind.Internal, err, "encoding %s artifact", kind)
	}
	var meta json.RawMessage
	if metadata != nil {
		meta, err = json.Marshal(metadata)
		if err != nil {
			return Entry{}, errkind.Wrap(errkind.Internal, err, "encoding %s metadata", kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	savedAt := time.Now().UTC()
	name := kind + "_" + savedAt.Format(timeLayout) + ".json"
	versionPath := filepath.Join(r.root, modelsDir, name)
	if err := atomicWrite(versionPath, payload); err != nil {
		return Entry{}, err
	}
	if err := atomicWrite(filepath.Join(r.root, latestDir, kind+".json"), payload); err != nil {
		return Entry{}, err
	}

	for i := range r.index {
		if r.index[i].Kind == kind {
			r.index[i].IsLatest = false
		}
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		File:      filepath.Join(modelsDir, name),
		SavedAt:   savedAt,
		Metadata:  meta,
		IsLatest:  true,
		SizeBytes: int64(len(payload)),
	}
	r.index = append(r.index, entry)
	if err := r.saveIndexLocked(); err != nil {
		return Entry{}, err
	}

	log.Info().Str("kind", kind).Str("file", entry.File).
		Int64("bytes", entry.SizeBytes).Msg("artifact saved")
	return entry, nil
}

// LoadLatest decodes the latest artifact of a kind into out.
func (r *Registry) LoadLatest(kind string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(r.root, latestDir, kind+".json"))
	if os.IsNotExist(err) {
		return errkind.New(errkind.ModelNotTrained, "no trained %s artifact", kind)
	}
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "reading latest %s artifact", kind)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errkind.Wrap(errkind.Internal, err, "decoding latest %s artifact", kind)
	}
	return nil
}

// Latest returns the index entry currently marked latest for a kind.
func (r *Registry) Latest(kind string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.index) - 1; i >= 0; i-- {
		if r.index[i].Kind == kind && r.index[i].IsLatest {
			return r.index[i], true
		}
	}
	return Entry{}, false
}

// List returns index entries, newest first, optionally filtered by
// kind.
func (r *Registry) List(kind string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.index {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out
}

// Prune deletes the oldest version files of a kind beyond keep. The
// latest pointer and its backing version are never removed.
func (r *Registry) Prune(kind string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var versions []int
	for i, e := range r.index {
		if e.Kind == kind {
			versions = append(versions, i)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return r.index[versions[i]].SavedAt.After(r.index[versions[j]].SavedAt)
	})
	if len(versions) <= keep {
		return 0, nil
	}

	doomed := map[int]bool{}
	for _, idx := range versions[keep:] {
		if r.index[idx].IsLatest {
			continue
		}
		if err := os.Remove(filepath.Join(r.root, r.index[idx].File)); err != nil && !os.IsNotExist(err) {
			return 0, errkind.Wrap(errkind.Internal, err, "removing %s", r.index[idx].File)
		}
		doomed[idx] = true
	}

	kept := r.index[:0]
	for i, e := range r.index {
		if !doomed[i] {
			kept = append(kept, e)
		}
	}
	r.index = kept
	if err := r.saveIndexLocked(); err != nil {
		return 0, err
	}
	log.Info().Str("kind", kind).Int("removed", len(doomed)).Msg("pruned old artifacts")
	return len(doomed), nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errkind.Wrap(errkind.Internal, err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errkind.Wrap(errkind.Internal, err, "renaming %s", tmp)
	}
	return nil
}

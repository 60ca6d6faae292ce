package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// Index is the repository's metadata index: the per-map metadata plus a
// trigger table mapping each tag to the maps carrying it. The index is
// derived state, rewritten in full on every mutation and rebuildable from
// the map files at any time.
type Index struct {
	Maps      map[string]Metadata `json:"maps"`
	Triggers  map[string][]string `json:"triggers"`
	UpdatedAt string              `json:"updated_at"`
}

func newIndex() Index {
	return Index{
		Maps:     make(map[string]Metadata),
		Triggers: make(map[string][]string),
	}
}

// put replaces one map's metadata and recomputes the trigger table.
func (ix *Index) put(meta Metadata, now string) {
	ix.Maps[meta.ID] = meta
	ix.rebuildTriggers()
	ix.UpdatedAt = now
}

// drop removes one map and recomputes the trigger table.
func (ix *Index) drop(id string, now string) {
	delete(ix.Maps, id)
	ix.rebuildTriggers()
	ix.UpdatedAt = now
}

// rebuildTriggers derives the tag table from the metadata. Ids under each
// tag are sorted so the index serialises deterministically.
func (ix *Index) rebuildTriggers() {
	triggers := make(map[string][]string)

	for id, meta := range ix.Maps {
		for _, tag := range meta.Tags {
			triggers[tag] = append(triggers[tag], id)
		}
	}

	for tag := range triggers {
		sort.Strings(triggers[tag])
	}

	ix.Triggers = triggers
}

// loadIndex reads the index file. A missing file is an empty index.
func loadIndex(fsys fs.FS, root layout.Root) (Index, error) {
	raw, err := fsys.ReadFile(root.Path(layout.MapIndex))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newIndex(), nil
		}

		return Index{}, fmt.Errorf("read map index: %w", err)
	}

	var ix Index

	err = json.Unmarshal(raw, &ix)
	if err != nil {
		return Index{}, fmt.Errorf("parse map index: %w", err)
	}

	if ix.Maps == nil {
		ix.Maps = make(map[string]Metadata)
	}

	if ix.Triggers == nil {
		ix.Triggers = make(map[string][]string)
	}

	return ix, nil
}

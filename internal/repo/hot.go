package repo

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// HotCapacity bounds the hot index. When a touch would grow the index past
// this, the entry with the lowest access count (oldest last access on ties)
// is evicted.
const HotCapacity = 50

// HotEntry is one hot-index record.
type HotEntry struct {
	MapID         string `json:"map_id"`
	AccessCount   int    `json:"access_count"`
	FirstAccessed string `json:"first_accessed"`
	LastAccessed  string `json:"last_accessed"`
}

// hotDocument is the persisted shape of the index.
type hotDocument struct {
	Entries   []HotEntry `json:"entries"`
	UpdatedAt string     `json:"updated_at"`
}

// hotHeap is a min-heap over (access_count, last_accessed): the root is
// always the next eviction candidate.
type hotHeap struct {
	entries []HotEntry
	pos     map[string]int // map id -> heap slot
}

func (h *hotHeap) Len() int { return len(h.entries) }

func (h *hotHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}

	return a.LastAccessed < b.LastAccessed
}

func (h *hotHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.pos[h.entries[i].MapID] = i
	h.pos[h.entries[j].MapID] = j
}

func (h *hotHeap) Push(x any) {
	entry := x.(HotEntry)
	h.pos[entry.MapID] = len(h.entries)
	h.entries = append(h.entries, entry)
}

func (h *hotHeap) Pop() any {
	last := len(h.entries) - 1
	entry := h.entries[last]
	h.entries = h.entries[:last]
	delete(h.pos, entry.MapID)

	return entry
}

// hotIndex is the in-memory bounded index plus its persistence. Callers
// must serialise access; the repository holds its own mutex.
type hotIndex struct {
	fsys fs.FS
	root layout.Root

	loaded bool
	heap   hotHeap
}

func newHotIndex(fsys fs.FS, root layout.Root) *hotIndex {
	return &hotIndex{
		fsys: fsys,
		root: root,
		heap: hotHeap{pos: make(map[string]int)},
	}
}

// touch records one access to id and persists the index.
func (h *hotIndex) touch(id string, now string) error {
	err := h.load()
	if err != nil {
		return err
	}

	if slot, ok := h.heap.pos[id]; ok {
		h.heap.entries[slot].AccessCount++
		h.heap.entries[slot].LastAccessed = now
		heap.Fix(&h.heap, slot)
	} else {
		heap.Push(&h.heap, HotEntry{
			MapID:         id,
			AccessCount:   1,
			FirstAccessed: now,
			LastAccessed:  now,
		})

		for h.heap.Len() > HotCapacity {
			heap.Pop(&h.heap)
		}
	}

	return h.persist(now)
}

// forget drops id from the index, persisting only if it was present.
func (h *hotIndex) forget(id string, now string) error {
	err := h.load()
	if err != nil {
		return err
	}

	slot, ok := h.heap.pos[id]
	if !ok {
		return nil
	}

	heap.Remove(&h.heap, slot)

	return h.persist(now)
}

// snapshot returns the entries sorted by access count descending, hottest
// first, ties by most recent access.
func (h *hotIndex) snapshot() ([]HotEntry, error) {
	err := h.load()
	if err != nil {
		return nil, err
	}

	entries := make([]HotEntry, len(h.heap.entries))
	copy(entries, h.heap.entries)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccessCount != entries[j].AccessCount {
			return entries[i].AccessCount > entries[j].AccessCount
		}

		return entries[i].LastAccessed > entries[j].LastAccessed
	})

	return entries, nil
}

func (h *hotIndex) load() error {
	if h.loaded {
		return nil
	}

	raw, err := h.fsys.ReadFile(h.root.Path(layout.HotIndex))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.loaded = true

			return nil
		}

		return fmt.Errorf("read hot index: %w", err)
	}

	var doc hotDocument

	err = json.Unmarshal(raw, &doc)
	if err != nil {
		return fmt.Errorf("parse hot index: %w", err)
	}

	for _, entry := range doc.Entries {
		heap.Push(&h.heap, entry)
	}

	for h.heap.Len() > HotCapacity {
		heap.Pop(&h.heap)
	}

	h.loaded = true

	return nil
}

func (h *hotIndex) persist(now string) error {
	entries := make([]HotEntry, len(h.heap.entries))
	copy(entries, h.heap.entries)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccessCount != entries[j].AccessCount {
			return entries[i].AccessCount > entries[j].AccessCount
		}

		return entries[i].LastAccessed > entries[j].LastAccessed
	})

	data, err := json.Marshal(hotDocument{Entries: entries, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal hot index: %w", err)
	}

	err = fs.WriteJSONDurable(h.fsys, h.root.Path(layout.HotIndex), data)
	if err != nil {
		return fmt.Errorf("write hot index: %w", err)
	}

	return nil
}

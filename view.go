package hatrack

import "sort"

// ViewEntry is one item captured by a snapshot view: the bucket's hash,
// the item observed, and the item's insertion epoch for sorting views
// into insertion order.
type ViewEntry struct {
	Hash      Hash
	Item      any
	SortEpoch uint64
}

// View snapshots the live items of the lock-free table. With sorted set,
// entries come back in insertion order.
func (m *LFMap) View(sorted bool) []ViewEntry {
	g := m.dom.begin()
	defer g.end()
	view := collectView(m.current.Load())
	if sorted {
		sortByEpoch(view)
	}
	return view
}

// View snapshots the live items of the wait-free table. With sorted set,
// entries come back in insertion order.
func (m *WFMap) View(sorted bool) []ViewEntry {
	g := m.dom.begin()
	defer g.end()
	view := collectView(m.current.Load())
	if sorted {
		sortByEpoch(view)
	}
	return view
}

// collectView walks the store once, copying out every live record. Each
// bucket is read atomically, so individual entries are consistent, but
// the walk as a whole is not a linearized snapshot; collectViewEpoch is.
func collectView(s *store) []ViewEntry {
	view := make([]ViewEntry, 0, s.usedCount.Load())
	for i := range s.buckets {
		b := &s.buckets[i]
		r := b.record.Load()
		if !r.live() {
			continue
		}
		view = append(view, ViewEntry{Hash: *b.hv.Load(), Item: r.item, SortEpoch: r.epoch()})
	}
	return view
}

// collectViewEpoch walks the store under a linearized reservation and
// reconstructs the table contents as of the given epoch: records that
// committed after it are stepped past along the history chain, and
// records retired at or before it are dropped. Insertions after the
// epoch are therefore excluded and deletions after it remain included,
// which is exactly an atomic snapshot at that epoch.
//
// The caller must hold a reservation no younger than epoch, or the
// history chains could be reclaimed mid-walk.
func collectViewEpoch(s *store, epoch uint64) []ViewEntry {
	view := make([]ViewEntry, 0, s.usedCount.Load())
	for i := range s.buckets {
		b := &s.buckets[i]
		r := b.record.Load()
		for r != nil && r.write > epoch {
			r = r.prev
		}
		if !r.live() {
			continue
		}
		if re := r.retire.Load(); re != 0 && re <= epoch {
			continue
		}
		view = append(view, ViewEntry{Hash: *b.hv.Load(), Item: r.item, SortEpoch: r.epoch()})
	}
	return view
}

func sortByEpoch(view []ViewEntry) {
	sort.Slice(view, func(i, j int) bool {
		return view[i].SortEpoch < view[j].SortEpoch
	})
}

func sortByHash(view []ViewEntry) {
	sort.Slice(view, func(i, j int) bool {
		return view[j].Hash.Gt(view[i].Hash)
	})
}

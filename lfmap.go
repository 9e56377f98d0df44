package hatrack

import (
	"sync/atomic"
	"time"
)

// migrateSleep is how long a late writer waits for the threads ahead of
// it to finish a migration before pitching in. Purely a latency knob:
// helping is always safe, sleeping is never required for progress.
const migrateSleep = 500 * time.Nanosecond

// LFMap is the lock-free table engine. It operates on caller-computed
// 128-bit hash values and opaque items; the Map and Set containers wrap
// it (through its wait-free sibling) with key hashing and typing.
//
// Every operation is linearizable at its successful record CAS (record
// load, for Get) and runs under a Domain reservation, so items observed
// by a reader stay valid until the operation returns even if they are
// concurrently overwritten. Writers that run into a migration help
// finish it and retry in the successor store.
//
// An LFMap must not be copied after first use, and Delete must not race
// live operations.
type LFMap struct {
	current   atomic.Pointer[store]
	itemCount atomic.Int64
	dom       *Domain
	minSize   uint64
	cleanupFn func(item any)
}

// NewLFMap builds a lock-free table. See WithPresize and WithDomain.
func NewLFMap(opts ...Option) *LFMap {
	cfg := resolveConfig(opts)
	m := &LFMap{dom: cfg.dom, minSize: cfg.minSize}
	m.current.Store(newStore(cfg.dom, cfg.minSize))
	return m
}

// SetCleanup registers fn to run once for every logically retired record,
// at physical reclamation. Not thread-safe; call before use.
func (m *LFMap) SetCleanup(fn func(item any)) {
	m.cleanupFn = fn
}

// Get returns the live item stored under hv.
func (m *LFMap) Get(hv Hash) (any, bool) {
	g := m.dom.begin()
	defer g.end()
	return m.current.Load().get(hv)
}

// Put stores item under hv unconditionally, returning the previous item
// and whether one was present. A Put whose install loses the race to a
// concurrent writer counts as immediately overwritten and returns item
// itself in place of the previous item.
func (m *LFMap) Put(hv Hash, item any) (any, bool) {
	g := m.dom.begin()
	defer g.end()
	return m.storePut(g, m.current.Load(), hv, item)
}

func (m *LFMap) storePut(g guard, s *store, hv Hash, item any) (any, bool) {
	for {
		b, mustMigrate := s.findOrAcquire(hv)
		if mustMigrate {
			s = m.migrate(g, s)
			continue
		}

		r := b.record.Load()
		if r.moving() {
			s = m.migrate(g, s)
			continue
		}

		cand := &record{item: item, prev: r}
		var old any
		found := false
		if r.live() {
			old = r.item
			found = true
			cand.info = r.epoch()
		} else {
			cand.info = m.dom.epoch.Add(1)
		}
		m.dom.commit(&cand.hdr)

		if b.record.CompareAndSwap(r, cand) {
			if !found {
				m.itemCount.Add(1)
			}
			m.retireRecord(g, r)
			return old, found
		}
		m.dom.retireUnused(&cand.hdr)

		if b.record.Load().moving() {
			s = m.migrate(g, s)
			continue
		}
		// Lost the install race: our write is logically present and
		// already overwritten by the winner.
		return item, found
	}
}

// Replace stores item under hv only if a live item is already present,
// returning the replaced item.
func (m *LFMap) Replace(hv Hash, item any) (any, bool) {
	g := m.dom.begin()
	defer g.end()
	return m.storeReplace(g, m.current.Load(), hv, item)
}

func (m *LFMap) storeReplace(g guard, s *store, hv Hash, item any) (any, bool) {
	for {
		b := s.find(hv)
		if b == nil {
			return nil, false
		}

		r := b.record.Load()
		for {
			if r.moving() {
				break
			}
			if !r.live() {
				return nil, false
			}

			cand := &record{item: item, info: r.epoch(), prev: r}
			m.dom.commit(&cand.hdr)
			if b.record.CompareAndSwap(r, cand) {
				m.retireRecord(g, r)
				return r.item, true
			}
			m.dom.retireUnused(&cand.hdr)
			r = b.record.Load()
		}
		s = m.migrate(g, s)
	}
}

// Add stores item under hv only if no live item is present.
func (m *LFMap) Add(hv Hash, item any) bool {
	g := m.dom.begin()
	defer g.end()
	return m.storeAdd(g, m.current.Load(), hv, item)
}

func (m *LFMap) storeAdd(g guard, s *store, hv Hash, item any) bool {
	for {
		b, mustMigrate := s.findOrAcquire(hv)
		if mustMigrate {
			s = m.migrate(g, s)
			continue
		}

		r := b.record.Load()
		if r.moving() {
			s = m.migrate(g, s)
			continue
		}
		if r.live() {
			return false
		}

		cand := &record{item: item, info: m.dom.epoch.Add(1), prev: r}
		m.dom.commit(&cand.hdr)
		if b.record.CompareAndSwap(r, cand) {
			m.itemCount.Add(1)
			m.retireRecord(g, r)
			return true
		}
		m.dom.retireUnused(&cand.hdr)

		if b.record.Load().moving() {
			s = m.migrate(g, s)
			continue
		}
		return false
	}
}

// Remove deletes the live item under hv, returning it.
func (m *LFMap) Remove(hv Hash) (any, bool) {
	g := m.dom.begin()
	defer g.end()
	return m.storeRemove(g, m.current.Load(), hv)
}

func (m *LFMap) storeRemove(g guard, s *store, hv Hash) (any, bool) {
	for {
		b := s.find(hv)
		if b == nil {
			return nil, false
		}

		r := b.record.Load()
		if r.moving() {
			s = m.migrate(g, s)
			continue
		}
		if !r.live() {
			return nil, false
		}

		cand := &record{prev: r}
		m.dom.commit(&cand.hdr)
		if b.record.CompareAndSwap(r, cand) {
			m.itemCount.Add(-1)
			m.retireRecord(g, r)
			return r.item, true
		}
		m.dom.retireUnused(&cand.hdr)

		if b.record.Load().moving() {
			s = m.migrate(g, s)
			continue
		}
		return nil, false
	}
}

// Len returns the published item count. It is eventually consistent
// against concurrent mutators, not linearizable.
func (m *LFMap) Len() uint64 {
	n := m.itemCount.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Delete retires the current store. Callers must have quiesced; Delete
// racing a live operation is undefined.
func (m *LFMap) Delete() {
	g := m.dom.begin()
	g.retire(&m.current.Load().hdr)
	g.end()
	m.dom.Drain()
}

// retireRecord hands a superseded record to the domain, hooking up the
// container cleanup for live ones. Reclamation also severs the history
// link so the collector does not retain unbounded record chains.
func (m *LFMap) retireRecord(g guard, r *record) {
	if r == nil {
		return
	}
	if m.cleanupFn != nil && r.live() {
		fn, item := m.cleanupFn, r.item
		addCleanup(&r.hdr, func() { fn(item) })
	}
	addCleanup(&r.hdr, func() {
		r.prev = nil
		r.helper = nil
	})
	g.retire(&r.hdr)
}

// migrate moves every live record of s into a successor store and
// publishes it. Any thread may start, help, or finish; a late helper
// first sleeps briefly, twice, hoping the threads ahead of it finish,
// but stays prepared to do the whole job itself.
func (m *LFMap) migrate(g guard, s *store) *store {
	ns := m.current.Load()
	if ns != s {
		return ns
	}

	ns = s.next.Load()
	if ns != nil {
		// A migration is in flight; we are a late writer. Yield to the
		// threads in front of us a couple of times. If that does not
		// pan out, the time spent waiting was for nothing.
		time.Sleep(migrateSleep)
		ns = s.next.Load()
		if ns == m.current.Load() {
			return ns
		}

		time.Sleep(migrateSleep)
		ns = s.next.Load()
		if ns == m.current.Load() {
			return ns
		}
	} else {
		live := s.freeze()
		ns = s.installNext(m.dom, live, m.minSize)
	}

	return m.finishMigration(g, s, ns)
}

// finishMigration runs phases C and D: copy, publish the used count,
// and swing the current-store pointer. The thread that wins the publish
// CAS retires the drained store.
func (m *LFMap) finishMigration(g guard, s, ns *store) *store {
	used := s.copyTo(ns)
	ns.usedCount.CompareAndSwap(0, int64(used))
	if m.current.CompareAndSwap(s, ns) {
		g.retire(&s.hdr)
	}
	return m.current.Load()
}

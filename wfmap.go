package hatrack

import (
	"sync/atomic"
	"unsafe"
)

type helpKind uint32

const (
	helpPut helpKind = iota + 1
	helpReplace
	helpAdd
	helpRemove
)

// helpResult is the outcome slot of a help request, published exactly
// once by CAS. The winner of that CAS also applies the item-count delta
// and retires the superseded record, so side effects happen once no
// matter how many threads complete the same request.
type helpResult struct {
	old   any
	found bool
	ok    bool
}

// helpAttempt binds a request to the exact bucket state it was decided
// against. Contenders funnel every transition through the request's
// attempt slot, so at most one candidate per observed state can reach
// the bucket, and no-install outcomes cannot race a late install.
type helpAttempt struct {
	expected *record
	cand     *record
	res      helpResult
}

// helpRequest is a per-thread published intention: any writer that sees
// its own progress stall may pick up another writer's pending request
// and drive it to completion.
type helpRequest struct {
	kind    helpKind
	hv      Hash
	item    any
	epoch   atomic.Uint64
	attempt atomic.Pointer[helpAttempt]
	result  atomic.Pointer[helpResult]
}

// claimEpoch fixes the request's insertion epoch on first use, so every
// helper installs the identical candidate payload.
func (req *helpRequest) claimEpoch(d *Domain) uint64 {
	if e := req.epoch.Load(); e != 0 {
		return e
	}
	req.epoch.CompareAndSwap(0, d.epoch.Add(1))
	return req.epoch.Load()
}

type helpSlot struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		req atomic.Pointer[helpRequest]
	}{})%CacheLineSize) % CacheLineSize]byte

	req atomic.Pointer[helpRequest]
}

// WFMap is the wait-free table engine. It shares the store layer and
// the read path with LFMap; writes additionally publish a help request
// before any contention-sensitive CAS, and a writer that fails to make
// progress sweeps the help registry completing other writers' pending
// operations before retrying its own. The pending-request population is
// bounded by the registry, which bounds any operation's step count.
//
// A WFMap must not be copied after first use, and Delete must not race
// live operations.
type WFMap struct {
	current   atomic.Pointer[store]
	itemCount atomic.Int64
	dom       *Domain
	minSize   uint64
	cleanupFn func(item any)
	help      []helpSlot
}

// NewWFMap builds a wait-free table. See WithPresize and WithDomain.
func NewWFMap(opts ...Option) *WFMap {
	cfg := resolveConfig(opts)
	m := &WFMap{
		dom:     cfg.dom,
		minSize: cfg.minSize,
		help:    make([]helpSlot, len(cfg.dom.slots)),
	}
	m.current.Store(newStore(cfg.dom, cfg.minSize))
	return m
}

// SetCleanup registers fn to run once for every logically retired record,
// at physical reclamation. Not thread-safe; call before use.
func (m *WFMap) SetCleanup(fn func(item any)) {
	m.cleanupFn = fn
}

// Get returns the live item stored under hv.
func (m *WFMap) Get(hv Hash) (any, bool) {
	g := m.dom.begin()
	defer g.end()
	return m.current.Load().get(hv)
}

// Put stores item under hv unconditionally, returning the previous item
// and whether one was present.
func (m *WFMap) Put(hv Hash, item any) (any, bool) {
	res := m.publish(helpPut, hv, item)
	return res.old, res.found
}

// Replace stores item under hv only if a live item is already present,
// returning the replaced item.
func (m *WFMap) Replace(hv Hash, item any) (any, bool) {
	res := m.publish(helpReplace, hv, item)
	return res.old, res.found
}

// Add stores item under hv only if no live item is present.
func (m *WFMap) Add(hv Hash, item any) bool {
	return m.publish(helpAdd, hv, item).ok
}

// Remove deletes the live item under hv, returning it.
func (m *WFMap) Remove(hv Hash) (any, bool) {
	res := m.publish(helpRemove, hv, nil)
	return res.old, res.found
}

// Len returns the published item count. It is eventually consistent
// against concurrent mutators, not linearizable.
func (m *WFMap) Len() uint64 {
	n := m.itemCount.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Delete retires the current store. Callers must have quiesced; Delete
// racing a live operation is undefined.
func (m *WFMap) Delete() {
	g := m.dom.begin()
	g.retire(&m.current.Load().hdr)
	g.end()
	m.dom.Drain()
}

// publish runs one write through the helping protocol: expose the
// intention in this reservation's help slot, drive it to completion,
// clear the slot.
func (m *WFMap) publish(kind helpKind, hv Hash, item any) *helpResult {
	g := m.dom.begin()
	defer g.end()

	req := &helpRequest{kind: kind, hv: hv, item: item}
	hs := &m.help[g.idx]
	hs.req.Store(req)
	res := m.complete(g, req, true)
	hs.req.Store(nil)
	return res
}

// complete drives req until its result is published, by this thread or
// any other. mayHelp lets the owner sweep the registry after repeated
// CAS losses; helpers run with it off so helping never recurses.
func (m *WFMap) complete(g guard, req *helpRequest, mayHelp bool) *helpResult {
	losses := 0
	for {
		if res := req.result.Load(); res != nil {
			return res
		}

		s := m.current.Load()
		b, mustMigrate := m.locate(s, req)
		if mustMigrate {
			m.migrateWF(g, s)
			continue
		}
		if b == nil {
			// No bucket ever reserved this hash: replace/remove miss.
			return m.finishNoInstall(req, helpResult{})
		}

		r := b.record.Load()
		if p := findApplied(r, req); p != nil {
			return m.finish(g, req, resultFrom(req, p), p)
		}
		if r.moving() {
			m.migrateWF(g, s)
			continue
		}

		a := req.attempt.Load()
		if a == nil {
			req.attempt.CompareAndSwap(nil, m.buildAttempt(req, r))
			continue
		}

		done, res := m.runAttempt(g, req, b, a)
		if done {
			return res
		}
		// The attempt went stale without being applied; reopen it so
		// the next round rebuilds against the current bucket state.
		req.attempt.CompareAndSwap(a, nil)
		losses++
		if mayHelp && losses >= 2 {
			m.helpOthers(g)
			losses = 0
		}
	}
}

// locate finds (or, for the insert kinds, reserves) the bucket for the
// request's hash.
func (m *WFMap) locate(s *store, req *helpRequest) (*bucket, bool) {
	switch req.kind {
	case helpPut, helpAdd:
		return s.findOrAcquire(req.hv)
	default:
		return s.find(req.hv), false
	}
}

// findApplied walks the record history for an install belonging to req.
// Migration clones keep the request pointer, so the check holds across
// store boundaries; reclamation severs the chain only after no active
// reservation can be looking.
func findApplied(r *record, req *helpRequest) *record {
	for p := r; p != nil; p = p.prev {
		if p.helper == req {
			return p
		}
	}
	return nil
}

// buildAttempt decides the request's transition against the observed
// record. Install candidates are committed here, once, so their write
// epoch is fixed before any contender can publish them.
func (m *WFMap) buildAttempt(req *helpRequest, r *record) *helpAttempt {
	a := &helpAttempt{expected: r}
	switch req.kind {
	case helpPut:
		cand := &record{item: req.item, prev: r, helper: req}
		if r.live() {
			cand.info = r.epoch() | flagUsed
		} else {
			cand.info = req.claimEpoch(m.dom) | flagUsed
		}
		a.cand = cand
	case helpAdd:
		if r.live() {
			a.res = helpResult{found: true}
			break
		}
		a.cand = &record{
			item:   req.item,
			info:   req.claimEpoch(m.dom) | flagUsed,
			prev:   r,
			helper: req,
		}
	case helpReplace:
		if !r.live() {
			break
		}
		a.cand = &record{
			item:   req.item,
			info:   r.epoch() | flagUsed,
			prev:   r,
			helper: req,
		}
	case helpRemove:
		if !r.live() {
			break
		}
		a.cand = &record{info: flagUsed, prev: r, helper: req}
	}
	if a.cand != nil {
		m.dom.commit(&a.cand.hdr)
	}
	return a
}

// runAttempt executes a bound attempt against the bucket. A no-install
// outcome is only published while the bucket still holds the state it
// was decided against; an install is a plain CAS of that state for the
// candidate. Either way the attempt resolves, or reports stale.
func (m *WFMap) runAttempt(g guard, req *helpRequest, b *bucket, a *helpAttempt) (bool, *helpResult) {
	cur := b.record.Load()
	if p := findApplied(cur, req); p != nil {
		return true, m.finish(g, req, resultFrom(req, p), p)
	}
	if cur != a.expected {
		return false, nil
	}

	if a.cand == nil {
		// The deciding state is still current, so the outcome holds:
		// linearize the operation at this instant.
		return true, m.finishNoInstall(req, a.res)
	}

	if b.record.CompareAndSwap(a.expected, a.cand) {
		return true, m.finish(g, req, resultFrom(req, a.cand), a.cand)
	}
	if p := findApplied(b.record.Load(), req); p != nil {
		return true, m.finish(g, req, resultFrom(req, p), p)
	}
	return false, nil
}

// resultFrom derives the request outcome from its installed record. The
// superseded record rides on prev, so any helper reconstructs the same
// answer the original writer would have returned.
func resultFrom(req *helpRequest, installed *record) helpResult {
	old := installed.prev
	switch req.kind {
	case helpPut:
		if old.live() {
			return helpResult{old: old.item, found: true, ok: true}
		}
		return helpResult{ok: true}
	case helpAdd:
		return helpResult{ok: true}
	default: // helpReplace, helpRemove
		return helpResult{old: old.item, found: true, ok: true}
	}
}

// finish publishes the outcome of an applied request. The CAS winner is
// the single thread that adjusts the item count and retires the record
// the install superseded.
func (m *WFMap) finish(g guard, req *helpRequest, res helpResult, installed *record) *helpResult {
	if req.result.CompareAndSwap(nil, &res) {
		old := installed.prev
		switch req.kind {
		case helpPut, helpAdd:
			if !old.live() {
				m.itemCount.Add(1)
			}
		case helpRemove:
			m.itemCount.Add(-1)
		}
		m.retireRecord(g, old)
	}
	return req.result.Load()
}

// finishNoInstall publishes an outcome that required no bucket write.
func (m *WFMap) finishNoInstall(req *helpRequest, res helpResult) *helpResult {
	req.result.CompareAndSwap(nil, &res)
	return req.result.Load()
}

// helpOthers completes every pending request in the registry. Called by
// a writer that has lost twice in a row on its own operation.
func (m *WFMap) helpOthers(g guard) {
	for i := range m.help {
		if req := m.help[i].req.Load(); req != nil && req.result.Load() == nil {
			m.complete(g, req, false)
		}
	}
}

// retireRecord hands a superseded record to the domain; see the LFMap
// counterpart for the cleanup plumbing.
func (m *WFMap) retireRecord(g guard, r *record) {
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

// migrateWF is the cooperative migration without the polite sleeps: a
// wait-free writer has no business waiting on other threads, it just
// helps.
func (m *WFMap) migrateWF(g guard, s *store) *store {
	ns := m.current.Load()
	if ns != s {
		return ns
	}

	ns = s.next.Load()
	if ns == nil {
		live := s.freeze()
		ns = s.installNext(m.dom, live, m.minSize)
	}

	used := s.copyTo(ns)
	ns.usedCount.CompareAndSwap(0, int64(used))
	if m.current.CompareAndSwap(s, ns) {
		g.retire(&s.hdr)
	}
	return m.current.Load()
}

package hatrack

// Set is a concurrent, wait-free unordered set of K with full set
// algebra. Items double as their own keys; insertion order is tracked
// per item and preserved by Items(sorted), Union and Difference.
//
// Binary operations take both operands' views at a single linearization
// epoch, so each result corresponds to an atomic snapshot of both sets
// at one instant. That requires the operands to share a Domain and hash
// compatibly; combining sets that do not is a programming error and
// panics.
//
// A Set must not be copied after first use. SetKeyHasher and
// SetFreeHandler are construction-time calls and are not thread-safe.
type Set[K comparable] struct {
	wf     *WFMap
	hash   Hasher[K]
	hashID uintptr
	freeFn func(K)
}

// NewSet builds a set. Hashing defaults as for NewMap.
func NewSet[K comparable](opts ...Option) *Set[K] {
	return &Set[K]{
		wf:   NewWFMap(opts...),
		hash: defaultHasher[K](),
	}
}

// SetKeyHasher replaces the built-in item hasher. Call before use.
func (s *Set[K]) SetKeyHasher(fn func(K) Hash) {
	if fn == nil {
		panic("hatrack: nil key hasher")
	}
	s.hash = func(k K) Hash { return nonEmpty(fn(k)) }
	s.hashID = hasherID(fn)
}

// SetFreeHandler registers fn to run for every item the set releases:
// overwritten, removed, or still live at Delete. Runs at physical
// reclamation. Call before use.
func (s *Set[K]) SetFreeHandler(fn func(K)) {
	s.freeFn = fn
	s.wf.SetCleanup(func(item any) {
		fn(item.(K))
	})
}

// Contains reports whether item is in the set.
func (s *Set[K]) Contains(item K) bool {
	_, found := s.wf.Get(s.hash(item))
	return found
}

// Put inserts item unconditionally, reporting whether it displaced an
// existing copy.
func (s *Set[K]) Put(item K) bool {
	_, found := s.wf.Put(s.hash(item), item)
	return found
}

// Add inserts item only if absent.
func (s *Set[K]) Add(item K) bool {
	return s.wf.Add(s.hash(item), item)
}

// Remove deletes item, reporting whether it was present.
func (s *Set[K]) Remove(item K) bool {
	_, found := s.wf.Remove(s.hash(item))
	return found
}

// Len returns the published item count, eventually consistent against
// concurrent mutators.
func (s *Set[K]) Len() uint64 {
	return s.wf.Len()
}

// Items returns the members, in insertion order when sorted is set.
func (s *Set[K]) Items(sorted bool) []K {
	view := s.wf.View(sorted)
	items := make([]K, len(view))
	for i := range view {
		items[i] = view[i].Item.(K)
	}
	return items
}

// Delete tears the set down: the free handler runs for every live item,
// then the store is retired. Callers must have quiesced.
func (s *Set[K]) Delete() {
	if s.freeFn != nil {
		for _, ve := range s.wf.View(false) {
			s.freeFn(ve.Item.(K))
		}
	}
	s.wf.Delete()
}

// checkCompatible verifies two sets can be compared by hash value.
func (s *Set[K]) checkCompatible(o *Set[K]) {
	if s.wf.dom != o.wf.dom {
		panic("hatrack: set operands use different domains")
	}
	if s.hashID != o.hashID {
		panic("hatrack: set operands use different hashers")
	}
}

// emptyLike builds a result set sharing s's domain and hasher.
func (s *Set[K]) emptyLike() *Set[K] {
	return &Set[K]{
		wf:     NewWFMap(WithDomain(s.wf.dom)),
		hash:   s.hash,
		hashID: s.hashID,
	}
}

// viewsAt takes both operands' epoch views under one linearized
// reservation. The guard is returned open so result-building operations
// stay inside the reservation; callers end it.
func (s *Set[K]) viewsAt(o *Set[K]) (guard, []ViewEntry, []ViewEntry) {
	g, epoch := s.wf.dom.beginLinearized()
	v1 := collectViewEpoch(s.wf.current.Load(), epoch)
	v2 := collectViewEpoch(o.wf.current.Load(), epoch)
	return g, v1, v2
}

// IsEq reports whether both sets hold exactly the same items.
func (s *Set[K]) IsEq(o *Set[K]) bool {
	s.checkCompatible(o)
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	if len(v1) != len(v2) {
		return false
	}
	sortByHash(v1)
	sortByHash(v2)
	for i := range v1 {
		if v1[i].Hash != v2[i].Hash {
			return false
		}
	}
	return true
}

// IsSuperset reports whether s contains every item of o; with proper
// set, s must also be strictly larger.
func (s *Set[K]) IsSuperset(o *Set[K], proper bool) bool {
	s.checkCompatible(o)
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	if len(v2) > len(v1) {
		return false
	}
	sortByHash(v1)
	sortByHash(v2)

	j := 0
	for i := range v2 {
		for j < len(v1) && v2[i].Hash.Gt(v1[j].Hash) {
			j++
		}
		if j == len(v1) || v1[j].Hash != v2[i].Hash {
			return false
		}
		j++
	}
	if proper && len(v1) == len(v2) {
		return false
	}
	return true
}

// IsSubset reports whether o contains every item of s; with proper set,
// o must also be strictly larger.
func (s *Set[K]) IsSubset(o *Set[K], proper bool) bool {
	return o.IsSuperset(s, proper)
}

// IsDisjoint reports whether the sets share no item.
func (s *Set[K]) IsDisjoint(o *Set[K]) bool {
	s.checkCompatible(o)
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	sortByHash(v1)
	sortByHash(v2)

	i, j := 0, 0
	for i < len(v1) && j < len(v2) {
		switch {
		case v1[i].Hash == v2[j].Hash:
			return false
		case v1[i].Hash.Gt(v2[j].Hash):
			j++
		default:
			i++
		}
	}
	return true
}

// Union returns a new set holding every item of either operand, with
// the merged global insertion order preserved.
func (s *Set[K]) Union(o *Set[K]) *Set[K] {
	s.checkCompatible(o)
	ret := s.emptyLike()
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	sortByEpoch(v1)
	sortByEpoch(v2)

	i, j := 0, 0
	for i < len(v1) && j < len(v2) {
		if v1[i].SortEpoch < v2[j].SortEpoch {
			ret.wf.Add(v1[i].Hash, v1[i].Item)
			i++
		} else {
			ret.wf.Add(v2[j].Hash, v2[j].Item)
			j++
		}
	}
	for ; i < len(v1); i++ {
		ret.wf.Add(v1[i].Hash, v1[i].Item)
	}
	for ; j < len(v2); j++ {
		ret.wf.Add(v2[j].Hash, v2[j].Item)
	}
	return ret
}

// Intersection returns a new set holding the items present in both
// operands. Insertion order is not preserved.
func (s *Set[K]) Intersection(o *Set[K]) *Set[K] {
	s.checkCompatible(o)
	ret := s.emptyLike()
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	sortByHash(v1)
	sortByHash(v2)

	i, j := 0, 0
	for i < len(v1) && j < len(v2) {
		switch {
		case v1[i].Hash == v2[j].Hash:
			ret.wf.Add(v1[i].Hash, v1[i].Item)
			i++
			j++
		case v1[i].Hash.Gt(v2[j].Hash):
			j++
		default:
			i++
		}
	}
	return ret
}

// Difference returns a new set holding the items of s not in o, with
// s's insertion order preserved for the survivors: everything from s
// goes in, in epoch order, then o's items come back out.
func (s *Set[K]) Difference(o *Set[K]) *Set[K] {
	s.checkCompatible(o)
	ret := s.emptyLike()
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	sortByEpoch(v1)
	for i := range v1 {
		ret.wf.Put(v1[i].Hash, v1[i].Item)
	}
	for j := range v2 {
		ret.wf.Remove(v2[j].Hash)
	}
	return ret
}

// SymmetricDifference returns a new set holding the items present in
// exactly one operand. Insertion order is not preserved.
func (s *Set[K]) SymmetricDifference(o *Set[K]) *Set[K] {
	s.checkCompatible(o)
	ret := s.emptyLike()
	g, v1, v2 := s.viewsAt(o)
	defer g.end()

	sortByHash(v1)
	sortByHash(v2)

	i, j := 0, 0
	for i < len(v1) && j < len(v2) {
		switch {
		case v1[i].Hash == v2[j].Hash:
			i++
			j++
		case v1[i].Hash.Gt(v2[j].Hash):
			ret.wf.Add(v2[j].Hash, v2[j].Item)
			j++
		default:
			ret.wf.Add(v1[i].Hash, v1[i].Item)
			i++
		}
	}
	for ; i < len(v1); i++ {
		ret.wf.Add(v1[i].Hash, v1[i].Item)
	}
	for ; j < len(v2); j++ {
		ret.wf.Add(v2[j].Hash, v2[j].Item)
	}
	return ret
}

package hatrack

// config carries the engine construction knobs.
type config struct {
	dom     *Domain
	minSize uint64
}

// Option configures a table or container at construction.
type Option func(*config)

// WithPresize sets the initial bucket-array capacity, rounded up to a
// power of two. The table never shrinks below it. Zero or negative
// values are ignored.
func WithPresize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.minSize = uint64(nextPowOf2(n))
		}
	}
}

// WithDomain attaches the table to a reclamation context other than
// DefaultDomain. Containers compared or combined by the set algebra
// must share a Domain.
func WithDomain(d *Domain) Option {
	return func(c *config) {
		if d != nil {
			c.dom = d
		}
	}
}

func resolveConfig(opts []Option) config {
	cfg := config{dom: DefaultDomain, minSize: minStoreSize}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// entryOf is the owned payload a Map stores per key.
type entryOf[K comparable, V any] struct {
	key   K
	value V
}

// MapItem is one key/value pair returned by Items.
type MapItem[K comparable, V any] struct {
	Key   K
	Value V
}

// Map is a concurrent, wait-free dictionary from K to V. It normalizes
// keys to 128-bit hash values and drives the wait-free table engine;
// the engine guarantees (linearizable operations, cooperative resize)
// carry over. Keys, Values, Items and Range read a plain view: each
// entry is read atomically, but the walk as a whole is not a linearized
// snapshot of the map.
//
// A Map must not be copied after first use. SetKeyHasher and
// SetFreeHandler are construction-time calls and are not thread-safe.
type Map[K comparable, V any] struct {
	wf     *WFMap
	hash   Hasher[K]
	hashID uintptr
	freeFn func(K, V)
}

// NewMap builds a dictionary. Keys hash through maphash over process
// seeds unless the key type implements Hashable; a HashCacher key type
// additionally caches its hash in the slot it exposes.
func NewMap[K comparable, V any](opts ...Option) *Map[K, V] {
	return &Map[K, V]{
		wf:   NewWFMap(opts...),
		hash: defaultHasher[K](),
	}
}

// SetKeyHasher replaces the built-in key hasher. Call before use.
func (m *Map[K, V]) SetKeyHasher(fn func(K) Hash) {
	if fn == nil {
		panic("hatrack: nil key hasher")
	}
	m.hash = func(k K) Hash { return nonEmpty(fn(k)) }
	m.hashID = hasherID(fn)
}

// SetFreeHandler registers fn to run for every key/value pair the map
// releases: overwritten, removed, or still live at Delete. It runs at
// physical reclamation, on whichever thread performs it, so it must be
// thread-safe with respect to anything else it touches. Call before use.
func (m *Map[K, V]) SetFreeHandler(fn func(K, V)) {
	m.freeFn = fn
	m.wf.SetCleanup(func(item any) {
		e := item.(*entryOf[K, V])
		fn(e.key, e.value)
	})
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	item, ok := m.wf.Get(m.hash(key))
	if !ok {
		var zero V
		return zero, false
	}
	return item.(*entryOf[K, V]).value, true
}

// Put stores value under key, inserting or overwriting.
func (m *Map[K, V]) Put(key K, value V) {
	m.wf.Put(m.hash(key), &entryOf[K, V]{key: key, value: value})
}

// Replace stores value under key only if the key is present.
func (m *Map[K, V]) Replace(key K, value V) bool {
	_, found := m.wf.Replace(m.hash(key), &entryOf[K, V]{key: key, value: value})
	return found
}

// Add stores value under key only if the key is absent.
func (m *Map[K, V]) Add(key K, value V) bool {
	return m.wf.Add(m.hash(key), &entryOf[K, V]{key: key, value: value})
}

// Remove deletes key, reporting whether it was present.
func (m *Map[K, V]) Remove(key K) bool {
	_, found := m.wf.Remove(m.hash(key))
	return found
}

// Len returns the published item count, eventually consistent against
// concurrent mutators.
func (m *Map[K, V]) Len() uint64 {
	return m.wf.Len()
}

// Keys returns the keys, in insertion order when sorted is set.
func (m *Map[K, V]) Keys(sorted bool) []K {
	view := m.wf.View(sorted)
	keys := make([]K, len(view))
	for i := range view {
		keys[i] = view[i].Item.(*entryOf[K, V]).key
	}
	return keys
}

// Values returns the values, in insertion order when sorted is set.
func (m *Map[K, V]) Values(sorted bool) []V {
	view := m.wf.View(sorted)
	values := make([]V, len(view))
	for i := range view {
		values[i] = view[i].Item.(*entryOf[K, V]).value
	}
	return values
}

// Items returns the key/value pairs, in insertion order when sorted is
// set.
func (m *Map[K, V]) Items(sorted bool) []MapItem[K, V] {
	view := m.wf.View(sorted)
	items := make([]MapItem[K, V], len(view))
	for i := range view {
		e := view[i].Item.(*entryOf[K, V])
		items[i] = MapItem[K, V]{Key: e.key, Value: e.value}
	}
	return items
}

// Range calls fn for each key/value pair of a snapshot view until fn
// returns false. Mutations made while ranging are not reflected.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, ve := range m.wf.View(false) {
		e := ve.Item.(*entryOf[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Delete tears the map down: the free handler runs for every live pair,
// then the store is retired. Callers must have quiesced.
func (m *Map[K, V]) Delete() {
	if m.freeFn != nil {
		for _, ve := range m.wf.View(false) {
			e := ve.Item.(*entryOf[K, V])
			m.freeFn(e.key, e.value)
		}
	}
	m.wf.Delete()
}

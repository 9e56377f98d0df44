package hatrack

import (
	"hash/maphash"
	"math"
	"reflect"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Hash is a 128-bit hash value. The zero value is reserved: an all-zero
// Hash means "no hash" and can never be produced by the hashers in this
// package. Hash values are opaque to the table engines, which only need
// equality, a strict total order, and the empty test.
type Hash struct {
	Hi uint64
	Lo uint64
}

// IsEmpty reports whether h is the reserved all-zero encoding.
func (h Hash) IsEmpty() bool {
	return h.Hi == 0 && h.Lo == 0
}

// Gt reports whether h orders strictly after o. Together with equality
// this yields a total order over hash values, used by the set algebra
// merge scans.
func (h Hash) Gt(o Hash) bool {
	return h.Hi > o.Hi || (h.Hi == o.Hi && h.Lo > o.Lo)
}

// hashPrime is the 64-bit Golden Ratio mixing constant.
const hashPrime = 0x9E3779B185EBCA87

// Hashing is seeded per process, not per map: two containers in the same
// process must produce identical hash values for equal keys, or the set
// algebra merge scans could not compare their views by hash.
var (
	hashSeedLo = maphash.MakeSeed()
	hashSeedHi = maphash.MakeSeed()
)

// mix64 is the 64-bit finalizer from splitmix64.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

// nonEmpty nudges a hash off the reserved empty encoding.
func nonEmpty(h Hash) Hash {
	if h.IsEmpty() {
		h.Lo = 1
	}
	return h
}

// HashInt hashes an integer key of any width.
func HashInt[T constraints.Integer](v T) Hash {
	return nonEmpty(Hash{
		Hi: mix64(uint64(v) ^ hashPrime),
		Lo: mix64(uint64(v) * hashPrime),
	})
}

// HashFloat hashes a floating point key by its float64 bit pattern.
func HashFloat[T constraints.Float](v T) Hash {
	return HashInt(math.Float64bits(float64(v)))
}

// HashString hashes a string key.
func HashString(s string) Hash {
	return nonEmpty(Hash{
		Hi: maphash.String(hashSeedHi, s),
		Lo: maphash.String(hashSeedLo, s),
	})
}

// HashPointer hashes a pointer key by identity.
func HashPointer[T any](p *T) Hash {
	return HashInt(uintptr(unsafe.Pointer(p)))
}

// Hasher computes the 128-bit hash value for a key.
type Hasher[K comparable] func(K) Hash

// Hashable is implemented by key types that compute their own hash value.
// When the key type of a Map or Set implements it, the container uses
// HashValue instead of the built-in hasher.
type Hashable interface {
	HashValue() Hash
}

// HashCacher is implemented by key types that carry a hash cache slot,
// typically a field of a pointed-to object. The container consults the
// slot before hashing and writes the computed value back into it.
// Concurrent writers may race on the slot; they store the same value,
// so the last write is as good as the first.
type HashCacher interface {
	CachedHash() *Hash
}

// defaultHasher builds the hasher for a container keyed by K. Keys that
// implement Hashable supply their own hash; everything else goes through
// maphash over the process seeds. A HashCacher key wraps either base
// with the cache-slot check.
func defaultHasher[K comparable]() Hasher[K] {
	var zero K
	var base Hasher[K]

	if _, ok := any(zero).(Hashable); ok {
		base = func(k K) Hash {
			return nonEmpty(any(k).(Hashable).HashValue())
		}
	} else {
		base = func(k K) Hash {
			return nonEmpty(Hash{
				Hi: maphash.Comparable(hashSeedHi, k),
				Lo: maphash.Comparable(hashSeedLo, k),
			})
		}
	}

	if _, ok := any(zero).(HashCacher); ok {
		inner := base
		return func(k K) Hash {
			slot := any(k).(HashCacher).CachedHash()
			if slot == nil {
				return inner(k)
			}
			if !slot.IsEmpty() {
				return *slot
			}
			hv := inner(k)
			*slot = hv
			return hv
		}
	}

	return base
}

// hasherID identifies a hasher so that two containers can verify they
// hash compatibly before comparing views. The built-in hasher is 0.
func hasherID(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

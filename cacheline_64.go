//go:build hatrack_opt_cachelinesize_64

package hatrack

// CacheLineSize forced to 64 bytes via the hatrack_opt_cachelinesize_64 tag.
const CacheLineSize = 64

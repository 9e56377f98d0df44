//go:build hatrack_opt_cachelinesize_128

package hatrack

// CacheLineSize forced to 128 bytes via the hatrack_opt_cachelinesize_128 tag.
const CacheLineSize = 128

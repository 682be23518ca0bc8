package vm

// ---------------------------------------------------------------------------
// MethodCache: bounded (selector, class) -> method lookup cache
// ---------------------------------------------------------------------------

// MethodCacheSize is the number of cache slots. Power of two, so the probe
// can mask instead of dividing.
const MethodCacheSize = 4096

type methodCacheEntry struct {
	selector Value
	class    Value
	method   Value
}

// MethodCache memoizes method lookups. It is a cache, not a dictionary:
// one open-addressed slot per probe value, overwrite on collision, no
// chains. Keys are raw references to moving objects, so the whole table is
// flushed whenever a collection moves pointers or the program mutates class
// structure.
type MethodCache struct {
	entries [MethodCacheSize]methodCacheEntry
	hits    uint64
	misses  uint64
}

// NewMethodCache creates an empty cache.
func NewMethodCache() *MethodCache {
	return &MethodCache{}
}

func cacheSlot(selector, class Value) uint32 {
	return (uint32(selector) ^ uint32(class)) & (MethodCacheSize - 1)
}

// Lookup returns the cached method for (selector, class), or InvalidValue
// on a miss.
func (c *MethodCache) Lookup(selector, class Value) Value {
	e := &c.entries[cacheSlot(selector, class)]
	if e.selector == selector && e.class == class && e.method != InvalidValue {
		c.hits++
		return e.method
	}
	c.misses++
	return InvalidValue
}

// Insert records a lookup result, overwriting whatever occupied the slot.
func (c *MethodCache) Insert(selector, class, method Value) {
	c.entries[cacheSlot(selector, class)] = methodCacheEntry{
		selector: selector,
		class:    class,
		method:   method,
	}
}

// Flush zeros every entry. Called after each collection and on structural
// image mutation.
func (c *MethodCache) Flush() {
	for i := range c.entries {
		c.entries[i] = methodCacheEntry{}
	}
}

// Hits returns the number of cache hits since creation.
func (c *MethodCache) Hits() uint64 {
	return c.hits
}

// Misses returns the number of cache misses since creation.
func (c *MethodCache) Misses() uint64 {
	return c.misses
}

package blockmapper

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// LookupFunc resolves a function's offset-within-object to its name,
// typically by consulting the object's symbol table.
type LookupFunc func(funcOffset uint64) (string, error)

// CachedSymbolizer is the default Symbolizer: a bounded LRU cache in front
// of a LookupFunc, avoiding a symbol-table walk for every block of a hot
// trace.
type CachedSymbolizer struct {
	lookup LookupFunc
	cache  *lru.Cache[uint64, string]
}

// NewCachedSymbolizer returns a Symbolizer caching up to size resolved
// names before evicting the least recently used.
func NewCachedSymbolizer(size int, lookup LookupFunc) (*CachedSymbolizer, error) {
	cache, err := lru.New[uint64, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedSymbolizer{lookup: lookup, cache: cache}, nil
}

// FuncName implements Symbolizer.
func (s *CachedSymbolizer) FuncName(funcOffset uint64) (string, error) {
	if name, ok := s.cache.Get(funcOffset); ok {
		return name, nil
	}
	name, err := s.lookup(funcOffset)
	if err != nil {
		return "", err
	}
	s.cache.Add(funcOffset, name)
	return name, nil
}

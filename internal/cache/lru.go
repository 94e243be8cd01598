package cache

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRUPolicy evicts the least recently inserted-or-touched key once the
// capacity is exceeded.
type LRUPolicy[K comparable] struct {
	lru        *simplelru.LRU[K, struct{}]
	evicted    K
	hasEvicted bool
}

// NewLRUPolicy creates an LRU policy with the given capacity.
func NewLRUPolicy[K comparable](capacity int) (*LRUPolicy[K], error) {
	p := &LRUPolicy[K]{}
	lru, err := simplelru.NewLRU(capacity, func(key K, _ struct{}) {
		p.evicted = key
		p.hasEvicted = true
	})
	if err != nil {
		return nil, err
	}
	p.lru = lru
	return p, nil
}

func (p *LRUPolicy[K]) Touch(key K) {
	p.lru.Get(key)
}

func (p *LRUPolicy[K]) Insert(key K) (K, bool) {
	p.hasEvicted = false
	p.lru.Add(key, struct{}{})
	return p.evicted, p.hasEvicted
}

func (p *LRUPolicy[K]) Remove(key K) {
	p.lru.Remove(key)
}

// NoEviction is a policy that never evicts. Useful in tests where the cache
// must hold everything.
type NoEviction[K comparable] struct{}

func (NoEviction[K]) Touch(K) {}

func (NoEviction[K]) Insert(k K) (K, bool) {
	var zero K
	return zero, false
}

func (NoEviction[K]) Remove(K) {}

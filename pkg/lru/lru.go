package lru

import (
	"fmt"

	"github.com/pmkol/cacheproxy/pkg/list"
)

// LRU is a weight bounded least recently used store. It is not safe for
// concurrent use.
type LRU[K comparable, V any] struct {
	maxWeight int64
	weight    int64
	weigh     func(key K, v V) int64
	onEvict   func(key K, v V)

	l *list.List[KV[K, V]]
	m map[K]*list.Elem[KV[K, V]]
}

type KV[K comparable, V any] struct {
	key K
	v   V
	w   int64
}

func (kv KV[K, V]) Key() K        { return kv.key }
func (kv KV[K, V]) Value() V      { return kv.v }
func (kv KV[K, V]) Weight() int64 { return kv.w }

// NewLRU returns a LRU that holds at most maxWeight. A nil weigh counts
// every entry as 1. onEvict, if not nil, is called for every entry removed
// because the budget was exceeded.
func NewLRU[K comparable, V any](maxWeight int64, weigh func(key K, v V) int64, onEvict func(key K, v V)) *LRU[K, V] {
	if maxWeight <= 0 {
		panic(fmt.Sprintf("LRU: invalid max weight: %d", maxWeight))
	}
	if weigh == nil {
		weigh = func(K, V) int64 { return 1 }
	}

	return &LRU[K, V]{
		maxWeight: maxWeight,
		weigh:     weigh,
		onEvict:   onEvict,
		l:         list.New[KV[K, V]](),
		m:         make(map[K]*list.Elem[KV[K, V]]),
	}
}

// Add inserts or replaces key and marks it as the most recently used one.
// Oldest entries are evicted until the total weight fits the budget again.
// It returns the number of evicted entries.
func (q *LRU[K, V]) Add(key K, v V) (evicted int) {
	w := q.weigh(key, v)

	if e, ok := q.m[key]; ok {
		q.weight += w - e.Value.w
		e.Value.v = v
		e.Value.w = w
		q.l.MoveToBack(e)
	} else {
		e := list.NewElem(KV[K, V]{key: key, v: v, w: w})
		q.m[key] = e
		q.l.PushBack(e)
		q.weight += w
	}

	for q.weight > q.maxWeight {
		key, v, ok := q.PopOldest()
		if !ok {
			break
		}
		evicted++
		if q.onEvict != nil {
			q.onEvict(key, v)
		}
	}
	return evicted
}

// Get returns the value of key and marks it as the most recently used one.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

// Peek is like Get but does not touch the access order.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.delElem(e)
}

// PopOldest removes the least recently used entry. onEvict is not called.
func (q *LRU[K, V]) PopOldest() (key K, v V, ok bool) {
	e := q.l.Front()
	if e == nil {
		return
	}
	q.delElem(e)
	return e.Value.key, e.Value.v, true
}

// Clean removes every entry for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.Front()
	for e != nil {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

// Range calls f from the oldest entry to the newest one until f returns false.
func (q *LRU[K, V]) Range(f func(kv KV[K, V]) bool) {
	for e := q.l.Front(); e != nil; e = e.Next() {
		if !f(e.Value) {
			return
		}
	}
}

// Purge removes all entries.
func (q *LRU[K, V]) Purge() {
	q.l = list.New[KV[K, V]]()
	q.m = make(map[K]*list.Elem[KV[K, V]])
	q.weight = 0
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) Weight() int64 {
	return q.weight
}

func (q *LRU[K, V]) MaxWeight() int64 {
	return q.maxWeight
}

func (q *LRU[K, V]) delElem(e *list.Elem[KV[K, V]]) {
	q.l.PopElem(e)
	delete(q.m, e.Value.key)
	q.weight -= e.Value.w
}

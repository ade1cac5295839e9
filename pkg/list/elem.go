package list

type Elem[V any] struct {
	Value V

	prev, next *Elem[V]
	list       *List[V]
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the next (newer) element, or nil.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

// Prev returns the previous (older) element, or nil.
func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

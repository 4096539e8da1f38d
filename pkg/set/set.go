package set

import (
	"cmp"
	"slices"
)

// Set is a thread-unsafe set of comparable items.
type Set[T comparable] struct {
	items map[T]struct{}
}

func New[T comparable](elems ...T) Set[T] {
	s := Set[T]{
		items: make(map[T]struct{}, len(elems)),
	}
	s.Append(elems...)
	return s
}

// Append inserts elements into the set
func (s Set[T]) Append(elems ...T) {
	for _, elem := range elems {
		s.items[elem] = struct{}{}
	}
}

// Add inserts elem and reports whether it was absent.
func (s Set[T]) Add(elem T) bool {
	if _, ok := s.items[elem]; ok {
		return false
	}
	s.items[elem] = struct{}{}
	return true
}

func (s Set[T]) Contains(elem T) bool {
	_, ok := s.items[elem]
	return ok
}

func (s Set[T]) Len() int {
	return len(s.items)
}

// Values returns all elements in the set as an unsorted slice
func (s Set[T]) Values() []T {
	v := make([]T, 0, len(s.items))
	for elem := range s.items {
		v = append(v, elem)
	}
	return v
}

// Sorted returns the elements of an ordered set in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	v := s.Values()
	slices.Sort(v)
	return v
}

package queue

import "sync"

// ConsecutiveList tracks in-flight items in arrival order. Items may complete in any order, but completion only
// ever releases the longest run of completed items at the head of the list. This is what makes a checkpoint safe:
// nothing is released while an earlier item is still pending.
type ConsecutiveList[T any] struct {
	mu    sync.Mutex
	items []*ConsecutiveItem[T]
}

// ConsecutiveItem is the handle for one value pushed onto a ConsecutiveList.
type ConsecutiveItem[T any] struct {
	Value    T
	list     *ConsecutiveList[T]
	complete bool
}

func NewConsecutiveList[T any]() *ConsecutiveList[T] {
	return &ConsecutiveList[T]{}
}

// Push appends value to the tail of the list as a pending item.
func (l *ConsecutiveList[T]) Push(value T) *ConsecutiveItem[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := &ConsecutiveItem[T]{Value: value, list: l}
	l.items = append(l.items, item)
	return item
}

// Len returns the number of items not yet released.
func (l *ConsecutiveList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Complete marks the item as done and returns the values of the maximal completed prefix of the list, removing
// them. The result is empty if an earlier item is still pending. Completing an item twice is a no-op.
func (i *ConsecutiveItem[T]) Complete() []T {
	l := i.list
	l.mu.Lock()
	defer l.mu.Unlock()
	i.complete = true
	n := 0
	for n < len(l.items) && l.items[n].complete {
		n++
	}
	if n == 0 {
		return nil
	}
	released := make([]T, n)
	for j := 0; j < n; j++ {
		released[j] = l.items[j].Value
		l.items[j] = nil
	}
	l.items = l.items[n:]
	return released
}

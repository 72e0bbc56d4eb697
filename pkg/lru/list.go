package lru

import "errors"

// ErrEmpty is returned by PopFront on an empty list.
var ErrEmpty = errors.New("lru: list is empty")

// Handle identifies a list slot for O(1) unlink/move.
type Handle int32

const nilHandle Handle = -1

type slot[K comparable] struct {
	key  K
	prev Handle
	next Handle
	live bool
}

// RecencyList is a doubly linked list of keys stored in an arena of slots.
// Head is the least recently used key, tail the most recently used one.
// Links are slot indices, so the list holds no pointer cycles; freed slots
// are recycled through a free list.
//
// RecencyList is not safe for concurrent use; Cache guards it with its lock.
type RecencyList[K comparable] struct {
	slots []slot[K]
	head  Handle
	tail  Handle
	free  Handle // singly linked through slot.next
	n     int
}

// NewRecencyList returns an empty list with room for hint keys.
func NewRecencyList[K comparable](hint int) *RecencyList[K] {
	if hint < 0 {
		hint = 0
	}
	return &RecencyList[K]{
		slots: make([]slot[K], 0, hint),
		head:  nilHandle,
		tail:  nilHandle,
		free:  nilHandle,
	}
}

// Len returns the number of linked keys.
func (l *RecencyList[K]) Len() int { return l.n }

// Append inserts key at the tail and returns its handle.
func (l *RecencyList[K]) Append(key K) Handle {
	h := l.alloc(key)
	l.linkBack(h)
	l.n++
	return h
}

// Unlink removes h from the list and frees its slot.
// The handle must not be used afterwards.
func (l *RecencyList[K]) Unlink(h Handle) {
	l.mustLive(h)
	l.detach(h)
	l.release(h)
	l.n--
}

// MoveToBack marks h as most recently used.
func (l *RecencyList[K]) MoveToBack(h Handle) {
	l.mustLive(h)
	if h == l.tail {
		return
	}
	l.detach(h)
	l.linkBack(h)
}

// PopFront unlinks and returns the least recently used key.
func (l *RecencyList[K]) PopFront() (K, error) {
	if l.head == nilHandle {
		var zero K
		return zero, ErrEmpty
	}
	h := l.head
	key := l.slots[h].key
	l.Unlink(h)
	return key, nil
}

// Front returns the least recently used key and its handle without unlinking it.
func (l *RecencyList[K]) Front() (K, Handle, bool) {
	if l.head == nilHandle {
		var zero K
		return zero, nilHandle, false
	}
	return l.slots[l.head].key, l.head, true
}

// Keys returns the keys from head (oldest) to tail (newest).
func (l *RecencyList[K]) Keys() []K {
	out := make([]K, 0, l.n)
	for h := l.head; h != nilHandle; h = l.slots[h].next {
		out = append(out, l.slots[h].key)
	}
	return out
}

// Reset drops every key and the arena with it.
func (l *RecencyList[K]) Reset() {
	l.slots = l.slots[:0]
	l.head, l.tail, l.free = nilHandle, nilHandle, nilHandle
	l.n = 0
}

// -------------------- internals --------------------

func (l *RecencyList[K]) alloc(key K) Handle {
	if l.free != nilHandle {
		h := l.free
		l.free = l.slots[h].next
		l.slots[h] = slot[K]{key: key, prev: nilHandle, next: nilHandle, live: true}
		return h
	}
	l.slots = append(l.slots, slot[K]{key: key, prev: nilHandle, next: nilHandle, live: true})
	return Handle(len(l.slots) - 1)
}

func (l *RecencyList[K]) release(h Handle) {
	var zero K
	l.slots[h] = slot[K]{key: zero, prev: nilHandle, next: l.free}
	l.free = h
}

func (l *RecencyList[K]) linkBack(h Handle) {
	s := &l.slots[h]
	s.prev = l.tail
	s.next = nilHandle
	if l.tail != nilHandle {
		l.slots[l.tail].next = h
	} else {
		l.head = h
	}
	l.tail = h
}

func (l *RecencyList[K]) detach(h Handle) {
	s := &l.slots[h]
	if s.prev != nilHandle {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nilHandle {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nilHandle, nilHandle
}

func (l *RecencyList[K]) mustLive(h Handle) {
	if h < 0 || int(h) >= len(l.slots) || !l.slots[h].live {
		panic("lru: use of unlinked list handle")
	}
}

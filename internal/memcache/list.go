package memcache

// node is an element of the recency list. Front is the most recently used.
type node[K comparable, V any] struct {
	key   K
	value V
	size  int64

	prev *node[K, V]
	next *node[K, V]
}

// recencyList is an intrusive doubly-linked list with O(1) push-front,
// remove, move-to-front and remove-back.
type recencyList[K comparable, V any] struct {
	head *node[K, V]
	tail *node[K, V]
	len  int
}

func (l *recencyList[K, V]) Len() int {
	return l.len
}

func (l *recencyList[K, V]) PushFront(n *node[K, V]) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.len++
}

// Remove unlinks n. The caller must ensure n belongs to this list.
func (l *recencyList[K, V]) Remove(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.len--
}

func (l *recencyList[K, V]) MoveToFront(n *node[K, V]) {
	if l.head == n {
		return
	}
	l.Remove(n)
	l.PushFront(n)
}

func (l *recencyList[K, V]) Front() *node[K, V] {
	return l.head
}

func (l *recencyList[K, V]) Back() *node[K, V] {
	return l.tail
}

func (l *recencyList[K, V]) Clear() {
	l.head = nil
	l.tail = nil
	l.len = 0
}

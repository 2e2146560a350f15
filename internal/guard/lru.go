package guard

import (
	glist "github.com/bahlo/generic-list-go"
)

// lruMap is a capacity-bounded map with eviction of the least-recently-used
// entry, mirroring the OrderedDict.move_to_end / popitem(last=False)
// pattern the original guard uses for its loop-counter and solicited-send
// tables. It reuses the generic doubly linked list already pulled in by
// this module's MCP dependency rather than introducing container/list
// duplication.
type lruMap[K comparable, V any] struct {
	order *glist.List[K]
	elems map[K]*glist.Element[K]
	data  map[K]V
	cap   int
}

func newLRUMap[K comparable, V any](capacity int) *lruMap[K, V] {
	return &lruMap[K, V]{
		order: glist.New[K](),
		elems: make(map[K]*glist.Element[K]),
		data:  make(map[K]V),
		cap:   capacity,
	}
}

func (m *lruMap[K, V]) get(k K) (V, bool) {
	v, ok := m.data[k]
	return v, ok
}

// set inserts or updates a key and marks it most-recently-used, evicting
// the least-recently-used entry if the map is now over capacity.
func (m *lruMap[K, V]) set(k K, v V) {
	m.data[k] = v
	if e, ok := m.elems[k]; ok {
		m.order.MoveToBack(e)
	} else {
		m.elems[k] = m.order.PushBack(k)
	}
	for len(m.data) > m.cap {
		front := m.order.Front()
		if front == nil {
			break
		}
		oldest := front.Value
		m.order.Remove(front)
		delete(m.elems, oldest)
		delete(m.data, oldest)
	}
}

func (m *lruMap[K, V]) delete(k K) {
	if e, ok := m.elems[k]; ok {
		m.order.Remove(e)
		delete(m.elems, k)
	}
	delete(m.data, k)
}

func (m *lruMap[K, V]) len() int { return len(m.data) }

// keys returns every key, oldest first.
func (m *lruMap[K, V]) keys() []K {
	out := make([]K, 0, len(m.data))
	for e := m.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

package ratelimit

import "container/list"

// lruTable is a tiny ordered map with LRU semantics. Callers hold their own
// lock; the table itself is not safe for concurrent use.
type lruTable struct {
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type lruEntry struct {
	key   string
	value any
}

func newLRUTable() *lruTable {
	return &lruTable{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (t *lruTable) get(key string) (any, bool) {
	el, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	t.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (t *lruTable) put(key string, value any) {
	if el, ok := t.entries[key]; ok {
		el.Value.(*lruEntry).value = value
		t.order.MoveToFront(el)
		return
	}
	t.entries[key] = t.order.PushFront(&lruEntry{key: key, value: value})
}

func (t *lruTable) len() int { return t.order.Len() }

// shrink evicts least-recently-used entries until the table is at most
// softCap entries, skipping entries reported active by keepAlive.
func (t *lruTable) shrink(softCap int, keepAlive func(value any) bool) {
	el := t.order.Back()
	for el != nil && t.order.Len() > softCap {
		prev := el.Prev()
		entry := el.Value.(*lruEntry)
		if keepAlive == nil || !keepAlive(entry.value) {
			t.order.Remove(el)
			delete(t.entries, entry.key)
		}
		el = prev
	}
}

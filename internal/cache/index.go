package cache

import (
	"container/list"
	"time"
)

// index is the in-memory view of the persistent tiles table, without payloads.
// It keeps entries in last-used order: front is most recent, back is the next
// eviction victim. It is not safe for concurrent use; Store guards it.
type index struct {
	entries map[string]*list.Element
	order   *list.List
	bytes   int64
}

func newIndex() *index {
	return &index{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (idx *index) get(key string) (*Entry, bool) {
	elem, ok := idx.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// put adds or replaces an entry and makes it the most recently used
func (idx *index) put(e *Entry) {
	if elem, ok := idx.entries[e.Key]; ok {
		idx.bytes -= elem.Value.(*Entry).Size
		elem.Value = e
		idx.order.MoveToFront(elem)
	} else {
		idx.entries[e.Key] = idx.order.PushFront(e)
	}
	idx.bytes += e.Size
}

// touch applies a use time. It is a no-op for unknown keys and for times
// not newer than the recorded one.
func (idx *index) touch(key string, t time.Time) bool {
	elem, ok := idx.entries[key]
	if !ok {
		return false
	}
	if !elem.Value.(*Entry).touch(t) {
		return false
	}
	idx.order.MoveToFront(elem)
	return true
}

func (idx *index) remove(keys ...string) (int, int64) {
	var n int
	var freed int64
	for _, key := range keys {
		elem, ok := idx.entries[key]
		if !ok {
			continue
		}
		size := elem.Value.(*Entry).Size
		idx.order.Remove(elem)
		delete(idx.entries, key)
		idx.bytes -= size
		freed += size
		n++
	}
	return n, freed
}

// removeIf removes key only while it still maps to e
func (idx *index) removeIf(key string, e *Entry) bool {
	elem, ok := idx.entries[key]
	if !ok || elem.Value.(*Entry) != e {
		return false
	}
	idx.remove(key)
	return true
}

// victims walks from the least recently used end and returns the keys that
// must go for the total to drop to budget or below.
func (idx *index) victims(budget int64) ([]string, int64) {
	var keys []string
	var freed int64
	total := idx.bytes
	for elem := idx.order.Back(); elem != nil && total > budget; elem = elem.Prev() {
		e := elem.Value.(*Entry)
		keys = append(keys, e.Key)
		total -= e.Size
		freed += e.Size
	}
	return keys, freed
}

func (idx *index) clear() int {
	n := len(idx.entries)
	idx.entries = make(map[string]*list.Element)
	idx.order = list.New()
	idx.bytes = 0
	return n
}

func (idx *index) len() int {
	return len(idx.entries)
}

// keys returns keys from least to most recently used
func (idx *index) keys() []string {
	keys := make([]string, 0, len(idx.entries))
	for elem := idx.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*Entry).Key)
	}
	return keys
}

// Package memtable holds the ordered in-memory index behind the fast tier.
package memtable

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

type node[V any] struct {
	key     string
	value   V
	forward []*node[V]
}

// SkipList is an ordered map from string keys to V. It is not safe for
// concurrent use; callers serialize access.
type SkipList[V any] struct {
	head  *node[V]
	level int
	size  int
}

// NewSkipList creates an empty skip list
func NewSkipList[V any]() *SkipList[V] {
	return &SkipList[V]{
		head: &node[V]{forward: make([]*node[V], MaxLevel)},
	}
}

func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on every level
func (sl *SkipList[V]) findPredecessors(key string, update []*node[V]) *node[V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// Put inserts or replaces the value stored under key
func (sl *SkipList[V]) Put(key string, value V) {
	update := make([]*node[V], MaxLevel)
	if n := sl.findPredecessors(key, update); n != nil && n.key == key {
		n.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node[V]{key: key, value: value, forward: make([]*node[V], newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

// Get returns the value stored under key
func (sl *SkipList[V]) Get(key string) (V, bool) {
	if n := sl.findPredecessors(key, nil); n != nil && n.key == key {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*node[V], MaxLevel)
	n := sl.findPredecessors(key, update)
	if n == nil || n.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != n {
			break
		}
		update[i].forward[i] = n.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// Len returns the number of keys
func (sl *SkipList[V]) Len() int {
	return sl.size
}

// Ascend calls fn for every key >= from in ascending order until fn returns false
func (sl *SkipList[V]) Ascend(from string, fn func(key string, value V) bool) {
	for n := sl.findPredecessors(from, nil); n != nil; n = n.forward[0] {
		if !fn(n.key, n.value) {
			return
		}
	}
}

// Keys returns all keys in ascending order
func (sl *SkipList[V]) Keys() []string {
	out := make([]string, 0, sl.size)
	sl.Ascend("", func(key string, _ V) bool {
		out = append(out, key)
		return true
	})
	return out
}

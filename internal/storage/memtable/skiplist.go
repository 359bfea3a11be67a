package memtable

import (
	"bytes"
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode struct {
	Key     []byte
	Value   []byte
	Forward []*SkipListNode
}

// SkipList is an ordered map from byte keys to byte values. Keys are ordered
// by bytes.Compare. It is not safe for concurrent use.
type SkipList struct {
	Head  *SkipListNode
	Level int
	Size  int
	Bytes int
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	head := &SkipListNode{
		Forward: make([]*SkipListNode, MaxLevel),
	}
	return &SkipList{
		Head:  head,
		Level: 0,
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findGreaterOrEqual returns the first node with key >= key and fills
// update with the rightmost node before it on every level
func (sl *SkipList) findGreaterOrEqual(key []byte, update []*SkipListNode) *SkipListNode {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && bytes.Compare(current.Forward[i].Key, key) < 0 {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.Forward[0]
}

// Insert adds or replaces a key. Key and value are copied.
func (sl *SkipList) Insert(key, value []byte) {
	update := make([]*SkipListNode, MaxLevel)
	next := sl.findGreaterOrEqual(key, update)

	if next != nil && bytes.Equal(next.Key, key) {
		sl.Bytes += len(value) - len(next.Value)
		next.Value = clone(value)
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	newNode := &SkipListNode{
		Key:     clone(key),
		Value:   clone(value),
		Forward: make([]*SkipListNode, newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		newNode.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = newNode
	}

	sl.Size++
	sl.Bytes += len(key) + len(value)
}

// Search finds a value by key
func (sl *SkipList) Search(key []byte) ([]byte, bool) {
	node := sl.findGreaterOrEqual(key, nil)
	if node != nil && bytes.Equal(node.Key, key) {
		return node.Value, true
	}
	return nil, false
}

// Delete removes a key from the skip list
func (sl *SkipList) Delete(key []byte) bool {
	update := make([]*SkipListNode, MaxLevel)
	current := sl.findGreaterOrEqual(key, update)
	if current == nil || !bytes.Equal(current.Key, key) {
		return false
	}

	for i := 0; i <= sl.Level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}

	for sl.Level > 0 && sl.Head.Forward[sl.Level] == nil {
		sl.Level--
	}

	sl.Size--
	sl.Bytes -= len(current.Key) + len(current.Value)
	return true
}

// Len returns the number of elements in the skip list
func (sl *SkipList) Len() int {
	return sl.Size
}

// Iterator returns an iterator positioned before the first element
func (sl *SkipList) Iterator() *SkipListIterator {
	return &SkipListIterator{
		current: sl.Head,
	}
}

// Seek returns an iterator positioned before the first key >= key, so the
// first call to Next lands on it
func (sl *SkipList) Seek(key []byte) *SkipListIterator {
	update := make([]*SkipListNode, MaxLevel)
	sl.findGreaterOrEqual(key, update)
	return &SkipListIterator{current: update[0]}
}

// SkipListIterator iterates over skip list entries in key order
type SkipListIterator struct {
	current *SkipListNode
}

// Next moves to the next element
func (it *SkipListIterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *SkipListIterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Key
}

// Value returns the current value
func (it *SkipListIterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Value
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Package registry implements a key-addressable doubly linked list used to
// enumerate sale rounds and reward distributions in creation order. Nodes
// live in an arena map addressed by stable 32-byte keys, so insert, remove
// and traversal are O(1) without pointer aliasing.
package registry

import (
	"errors"

	"github.com/aurumx/goldsale/internal/models"
)

var (
	// ErrKeyAlreadyExists is returned by Add for a key already in the list.
	ErrKeyAlreadyExists = errors.New("registry: key already exists")
	// ErrKeyDoesNotExist is returned by Remove for a key not in the list.
	ErrKeyDoesNotExist = errors.New("registry: key does not exist")
	// ErrZeroKey is returned when the reserved sentinel key is used as an entry.
	ErrZeroKey = errors.New("registry: zero key is reserved")
)

// Op describes a structural change for change notifications.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

type node struct {
	prev models.Key
	next models.Key
}

// Registry preserves insertion order over a set of unique keys.
// It is not safe for concurrent use; the owning store serializes access.
type Registry struct {
	nodes  map[models.Key]node
	head   models.Key
	tail   models.Key
	length int

	// OnChange, if set, fires after every successful structural change.
	OnChange func(op Op, key models.Key)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[models.Key]node)}
}

// Add appends key at the tail.
func (r *Registry) Add(key models.Key) error {
	if key.IsZero() {
		return ErrZeroKey
	}
	if _, ok := r.nodes[key]; ok {
		return ErrKeyAlreadyExists
	}
	n := node{prev: r.tail}
	if r.tail.IsZero() {
		r.head = key
	} else {
		tail := r.nodes[r.tail]
		tail.next = key
		r.nodes[r.tail] = tail
	}
	r.tail = key
	r.nodes[key] = n
	r.length++
	if r.OnChange != nil {
		r.OnChange(OpAdd, key)
	}
	return nil
}

// Remove unlinks key, re-linking its neighbors.
func (r *Registry) Remove(key models.Key) error {
	if key.IsZero() {
		return ErrZeroKey
	}
	n, ok := r.nodes[key]
	if !ok {
		return ErrKeyDoesNotExist
	}
	if n.prev.IsZero() {
		r.head = n.next
	} else {
		prev := r.nodes[n.prev]
		prev.next = n.next
		r.nodes[n.prev] = prev
	}
	if n.next.IsZero() {
		r.tail = n.prev
	} else {
		next := r.nodes[n.next]
		next.prev = n.prev
		r.nodes[n.next] = next
	}
	delete(r.nodes, key)
	r.length--
	if r.OnChange != nil {
		r.OnChange(OpRemove, key)
	}
	return nil
}

// Exists reports whether key is in the list.
func (r *Registry) Exists(key models.Key) bool {
	_, ok := r.nodes[key]
	return ok
}

// Next returns the key after key, or the zero key if undefined.
func (r *Registry) Next(key models.Key) models.Key {
	return r.nodes[key].next
}

// Prev returns the key before key, or the zero key if undefined.
func (r *Registry) Prev(key models.Key) models.Key {
	return r.nodes[key].prev
}

// Head returns the first key, or the zero key if empty.
func (r *Registry) Head() models.Key { return r.head }

// Tail returns the last key, or the zero key if empty.
func (r *Registry) Tail() models.Key { return r.tail }

// Length returns the number of keys in the list.
func (r *Registry) Length() int { return r.length }

// Keys walks the chain head to tail and returns the keys in insertion order.
func (r *Registry) Keys() []models.Key {
	keys := make([]models.Key, 0, r.length)
	for k := r.head; !k.IsZero(); k = r.nodes[k].next {
		keys = append(keys, k)
	}
	return keys
}

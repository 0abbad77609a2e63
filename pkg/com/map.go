package com

import "sync"

// Map is a map guarded by a mutex, for the registries of handlers and sessions.
type Map[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func NewMap[K comparable, V any]() *Map[K, V] { return &Map[K, V]{m: make(map[K]V)} }

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok
}

func (m *Map[K, V]) Put(key K, v V) {
	m.mu.Lock()
	m.m[key] = v
	m.mu.Unlock()
}

func (m *Map[K, _]) Delete(key K) {
	m.mu.Lock()
	delete(m.m, key)
	m.mu.Unlock()
}

// Swap stores v and returns the value it replaced.
func (m *Map[K, V]) Swap(key K, v V) (prev V, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok = m.m[key]
	m.m[key] = v
	return
}

// DeleteIf removes the value when match accepts it.
func (m *Map[K, V]) DeleteIf(key K, match func(V) bool) (v V, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = m.m[key]; ok && match(v) {
		delete(m.m, key)
		return v, true
	}
	var zero V
	return zero, false
}

func (m *Map[_, _]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Values is a snapshot in no particular order.
func (m *Map[_, V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]V, 0, len(m.m))
	for _, v := range m.m {
		out = append(out, v)
	}
	return out
}

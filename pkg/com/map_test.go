package com

import (
	"sync"
	"testing"
)

type testSession struct {
	id    string
	state int
}

func TestSwap(t *testing.T) {
	m := NewMap[string, *testSession]()
	first := &testSession{id: "s1"}
	if _, ok := m.Swap("p1", first); ok {
		t.Error("swap into an empty map")
	}
	prev, ok := m.Swap("p1", &testSession{id: "s2"})
	if !ok || prev != first {
		t.Errorf("replaced %v %v", prev, ok)
	}
	if s, _ := m.Get("p1"); s.id != "s2" {
		t.Errorf("stored %v", s.id)
	}
}

func TestDeleteIf(t *testing.T) {
	m := NewMap[string, *testSession]()
	m.Put("p1", &testSession{id: "s2"})

	stale := func(s *testSession) bool { return s.id == "s1" }
	if _, ok := m.DeleteIf("p1", stale); ok {
		t.Error("deleted a newer session")
	}
	if _, ok := m.DeleteIf("p1", func(s *testSession) bool { return s.id == "s2" }); !ok {
		t.Error("not deleted")
	}
	if m.Len() != 0 {
		t.Errorf("len %v", m.Len())
	}
}

func TestPointerValues(t *testing.T) {
	m := NewMap[string, *testSession]()
	s := &testSession{id: "u1"}
	m.Put(s.id, s)
	s.state = 100
	if got, _ := m.Get("u1"); got.state != 100 {
		t.Errorf("state %v", got.state)
	}
	if vs := m.Values(); len(vs) != 1 || vs[0] != s {
		t.Errorf("values %v", vs)
	}
}

func TestConcurrentPut(t *testing.T) {
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put(i%10, i)
			m.Get(i % 10)
		}(i)
	}
	wg.Wait()
	if m.Len() != 10 {
		t.Errorf("len %v", m.Len())
	}
}

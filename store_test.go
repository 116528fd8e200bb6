package evoagent

import "testing"

func TestInMemorySessionStore_KV(t *testing.T) {
	s := NewInMemorySessionStore()

	if v, _ := s.Get("ns", "missing"); v != "" {
		t.Errorf("missing key = %q, want empty", v)
	}
	if err := s.Set("ns", "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("ns", "k"); v != "v1" {
		t.Errorf("Get = %q, want v1", v)
	}
	if v, _ := s.Get("other", "k"); v != "" {
		t.Error("namespaces must not leak into each other")
	}
	if err := s.Delete("ns", "k"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("ns", "k"); v != "" {
		t.Errorf("deleted key = %q, want empty", v)
	}
}

func TestInMemorySessionStore_Lists(t *testing.T) {
	s := NewInMemorySessionStore()

	for _, v := range []string{"a", "b", "c", "d"} {
		if err := s.Append("ns", "list", v); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ListLength("ns", "list")
	if err != nil || n != 4 {
		t.Fatalf("ListLength = %d, %v", n, err)
	}

	items, _ := s.GetList("ns", "list", 0, 0)
	if len(items) != 4 || items[0] != "a" {
		t.Fatalf("GetList all = %v", items)
	}

	items, _ = s.GetList("ns", "list", 2, 1)
	if len(items) != 2 || items[0] != "b" || items[1] != "c" {
		t.Errorf("GetList limit/offset = %v, want [b c]", items)
	}

	items, _ = s.GetList("ns", "list", 10, 99)
	if len(items) != 0 {
		t.Errorf("offset past end = %v, want empty", items)
	}

	if err := s.TrimList("ns", "list", 2); err != nil {
		t.Fatal(err)
	}
	items, _ = s.GetList("ns", "list", 0, 0)
	if len(items) != 2 || items[0] != "c" || items[1] != "d" {
		t.Errorf("after trim = %v, want the newest two", items)
	}
}

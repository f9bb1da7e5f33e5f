package models

import "testing"

func TestHeadersCaseInsensitive(t *testing.T) {
	var h Headers
	h.Set("Reply-To", "a@example.com")

	if v, ok := h.Get("reply-to"); !ok || v != "a@example.com" {
		t.Fatalf("expected case-insensitive lookup, got %q, %v", v, ok)
	}

	h.Set("REPLY-TO", "b@example.com")
	if v, _ := h.Get("Reply-To"); v != "b@example.com" {
		t.Fatalf("expected overwrite regardless of casing, got %q", v)
	}
	if h.Len() != 1 {
		t.Fatalf("expected single entry, got %d", h.Len())
	}

	all := h.All()
	if _, ok := all["Reply-To"]; !ok {
		t.Fatalf("expected original casing preserved, got %v", all)
	}
}

func TestHeadersDel(t *testing.T) {
	h := NewHeaders(map[string]string{"X-Test": "1"})
	h.Del("x-test")
	if _, ok := h.Get("X-Test"); ok {
		t.Fatalf("expected header removed")
	}
	if h.All() != nil {
		t.Fatalf("expected nil All for empty headers")
	}
}

func TestHeadersClone(t *testing.T) {
	h := NewHeaders(map[string]string{"X-Test": "1"})
	clone := h.Clone()
	clone.Set("X-Test", "2")
	if v, _ := h.Get("X-Test"); v != "1" {
		t.Fatalf("clone mutated original, got %q", v)
	}
}

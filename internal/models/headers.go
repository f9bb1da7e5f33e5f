package models

import "strings"

// Headers is a case-insensitive header map. Lookups fold the key to lower
// case; the casing supplied on first Set is preserved for display.
type Headers struct {
	casing map[string]string
	values map[string]string
}

// NewHeaders builds a Headers from a plain map.
func NewHeaders(src map[string]string) Headers {
	var h Headers
	for key, value := range src {
		h.Set(key, value)
	}
	return h
}

// Set stores value under key. An existing entry with different casing is
// replaced but keeps its original display casing.
func (h *Headers) Set(key, value string) {
	if h.casing == nil {
		h.casing = make(map[string]string)
		h.values = make(map[string]string)
	}
	folded := strings.ToLower(strings.TrimSpace(key))
	if folded == "" {
		return
	}
	if _, exists := h.casing[folded]; !exists {
		h.casing[folded] = strings.TrimSpace(key)
	}
	h.values[folded] = value
}

// Get returns the value for key regardless of casing.
func (h Headers) Get(key string) (string, bool) {
	value, ok := h.values[strings.ToLower(strings.TrimSpace(key))]
	return value, ok
}

// Del removes key regardless of casing.
func (h *Headers) Del(key string) {
	folded := strings.ToLower(strings.TrimSpace(key))
	delete(h.casing, folded)
	delete(h.values, folded)
}

// Len reports the number of stored headers.
func (h Headers) Len() int { return len(h.values) }

// All returns the headers keyed by their original display casing.
func (h Headers) All() map[string]string {
	if len(h.values) == 0 {
		return nil
	}
	out := make(map[string]string, len(h.values))
	for folded, value := range h.values {
		out[h.casing[folded]] = value
	}
	return out
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	var out Headers
	for folded, value := range h.values {
		out.Set(h.casing[folded], value)
	}
	return out
}

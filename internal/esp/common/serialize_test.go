package common

import (
	"errors"
	"testing"

	"github.com/example/esp-gateway/internal/models"
)

func TestCheckSerializable(t *testing.T) {
	msg := &models.Message{
		Metadata:        map[string]any{"order": "123", "count": 2, "flag": true, "none": nil},
		MergeGlobalData: map[string]any{"plan": "pro"},
		MergeData:       map[string]map[string]any{"a@example.com": {"score": 1.5}},
	}
	if err := CheckSerializable(msg); err != nil {
		t.Fatalf("unexpected error for scalar values: %v", err)
	}
}

func TestCheckSerializableRejectsNonScalars(t *testing.T) {
	msg := &models.Message{Metadata: map[string]any{"nested": map[string]string{"k": "v"}}}
	err := CheckSerializable(msg)
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	var serr *SerializationError
	if !errors.As(err, &serr) || serr.Field != "metadata" || serr.Key != "nested" {
		t.Fatalf("unexpected error detail: %v", err)
	}

	msg = &models.Message{MergeData: map[string]map[string]any{
		"a@example.com": {"items": []string{"x"}},
	}}
	if err := CheckSerializable(msg); !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization for merge_data slice, got %v", err)
	}
}

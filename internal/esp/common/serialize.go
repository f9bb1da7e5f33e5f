package common

import (
	"encoding/json"

	"github.com/example/esp-gateway/internal/models"
)

// scalarOK reports whether value is a JSON scalar: string, number, boolean,
// or null.
func scalarOK(value any) bool {
	switch value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	default:
		return false
	}
}

func checkScalarMap(field string, m map[string]any) error {
	for key, value := range m {
		if !scalarOK(value) {
			return &SerializationError{Field: field, Key: key, Value: value}
		}
	}
	return nil
}

func checkNestedScalarMap(field string, m map[string]map[string]any) error {
	for _, inner := range m {
		if err := checkScalarMap(field, inner); err != nil {
			return err
		}
	}
	return nil
}

// CheckSerializable fails fast on metadata or merge-data values that could
// not be serialized for any provider, before a request is built.
func CheckSerializable(msg *models.Message) error {
	if err := checkScalarMap("metadata", msg.Metadata); err != nil {
		return err
	}
	if err := checkScalarMap("merge_global_data", msg.MergeGlobalData); err != nil {
		return err
	}
	if err := checkNestedScalarMap("merge_data", msg.MergeData); err != nil {
		return err
	}
	return checkNestedScalarMap("merge_metadata", msg.MergeMetadata)
}

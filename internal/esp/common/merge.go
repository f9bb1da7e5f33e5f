package common

import (
	"fmt"
	"net/url"

	"dario.cat/mergo"
)

// MergeESPExtra deep-merges extra over payload and returns the result.
// On key conflict extra wins, including inside nested maps. Called as the
// very last build step, after feature enforcement, so a caller routing
// around capability checks via esp_extra is doing so deliberately.
func MergeESPExtra(payload map[string]any, extra map[string]any) (map[string]any, error) {
	if len(extra) == 0 {
		return payload, nil
	}
	merged := make(map[string]any, len(payload))
	for key, value := range payload {
		merged[key] = value
	}
	if err := mergo.Merge(&merged, extra, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("esp_extra merge: %w", err)
	}
	return merged, nil
}

// ApplyExtraToForm overlays esp_extra onto a form-encoded payload. Values
// replace any computed field of the same name; slices become repeated fields.
func ApplyExtraToForm(form url.Values, extra map[string]any) {
	for key, value := range extra {
		switch v := value.(type) {
		case []string:
			form.Del(key)
			for _, item := range v {
				form.Add(key, item)
			}
		case []any:
			form.Del(key)
			for _, item := range v {
				form.Add(key, fmt.Sprint(item))
			}
		default:
			form.Set(key, fmt.Sprint(v))
		}
	}
}

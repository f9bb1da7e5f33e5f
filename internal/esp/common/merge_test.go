package common

import (
	"net/url"
	"reflect"
	"testing"
)

func TestMergeESPExtra(t *testing.T) {
	payload := map[string]any{
		"Subject": "computed",
		"Options": map[string]any{"TrackOpens": true, "Tag": "a"},
	}
	extra := map[string]any{
		"Subject": "overridden",
		"Options": map[string]any{"Tag": "b"},
		"New":     1,
	}

	merged, err := MergeESPExtra(payload, extra)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged["Subject"] != "overridden" || merged["New"] != 1 {
		t.Fatalf("expected extra to win on conflict, got %v", merged)
	}
	options, ok := merged["Options"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", merged["Options"])
	}
	if options["Tag"] != "b" || options["TrackOpens"] != true {
		t.Fatalf("expected deep merge inside nested map, got %v", options)
	}
	// The input payload must not be mutated.
	if payload["Subject"] != "computed" {
		t.Fatalf("MergeESPExtra mutated the input payload")
	}
}

func TestMergeESPExtraEmpty(t *testing.T) {
	payload := map[string]any{"k": "v"}
	merged, err := MergeESPExtra(payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(merged, payload) {
		t.Fatalf("expected identity with empty extra, got %v", merged)
	}
}

func TestApplyExtraToForm(t *testing.T) {
	form := url.Values{}
	form.Set("o:tag", "computed")
	form.Set("subject", "computed")

	ApplyExtraToForm(form, map[string]any{
		"o:tag":   []string{"a", "b"},
		"subject": "overridden",
		"o:dkim":  true,
	})

	if got := form["o:tag"]; !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected slice to replace as repeated fields, got %v", got)
	}
	if form.Get("subject") != "overridden" {
		t.Fatalf("expected scalar override, got %q", form.Get("subject"))
	}
	if form.Get("o:dkim") != "true" {
		t.Fatalf("expected stringified scalar, got %q", form.Get("o:dkim"))
	}
}

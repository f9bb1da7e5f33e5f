package mandrill

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

const webhookURL = "https://gateway.example.com/webhooks/mandrill/tracking"

func signRequest(key string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var signed strings.Builder
	signed.WriteString(webhookURL)
	for _, k := range keys {
		for _, v := range form[k] {
			signed.WriteString(k)
			signed.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(signed.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	r := NewReceiver("signing-key", webhookURL)
	form := url.Values{}
	form.Set("mandrill_events", `[]`)

	header := http.Header{}
	header.Set("X-Mandrill-Signature", signRequest("signing-key", form))
	if err := r.VerifySignature(&webhooks.Request{Header: header, Form: form}); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	header.Set("X-Mandrill-Signature", signRequest("wrong-key", form))
	if err := r.VerifySignature(&webhooks.Request{Header: header, Form: form}); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	if err := r.VerifySignature(&webhooks.Request{Header: http.Header{}, Form: form}); err == nil {
		t.Fatalf("expected error for missing signature header")
	}
}

func TestParseTrackingEventsBatch(t *testing.T) {
	r := NewReceiver("", "")
	form := url.Values{}
	form.Set("mandrill_events", `[
		{"event":"send","ts":1748779200,"_id":"ev-1","msg":{"_id":"m-1","email":"Alice@Example.com","tags":["welcome"],"metadata":{"order":"123"}}},
		{"event":"hard_bounce","ts":1748779260,"_id":"ev-2","msg":{"_id":"m-2","email":"bob@example.com","bounce_description":"bad_mailbox","diag":"smtp;550 5.1.1 user unknown"}},
		{"event":"click","ts":1748779320,"_id":"ev-3","url":"https://example.com/offer","user_agent":"Mozilla/5.0","msg":{"_id":"m-3","email":"carol@example.com"}}
	]`)

	events, err := r.ParseTrackingEvents(&webhooks.Request{Form: form})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected one event per array element, got %d", len(events))
	}

	send := events[0]
	if send.Type != models.EventSent || send.Recipient != "alice@example.com" {
		t.Fatalf("unexpected send event %+v", send)
	}
	if send.MessageID != "m-1" || send.EventID != "ev-1" || send.Tags[0] != "welcome" {
		t.Fatalf("unexpected send detail %+v", send)
	}

	bounce := events[1]
	if bounce.Type != models.EventBounced || bounce.RejectReason != models.RejectInvalid {
		t.Fatalf("unexpected bounce mapping %+v", bounce)
	}
	if bounce.MTAResponse != "smtp;550 5.1.1 user unknown" {
		t.Fatalf("unexpected mta response %q", bounce.MTAResponse)
	}

	click := events[2]
	if click.Type != models.EventClicked || click.ClickURL != "https://example.com/offer" {
		t.Fatalf("unexpected click event %+v", click)
	}
}

func TestParseTrackingEventsReject(t *testing.T) {
	r := NewReceiver("", "")
	form := url.Values{}
	form.Set("mandrill_events", `[{"event":"reject","ts":1748779200,"_id":"ev-9","msg":{"_id":"m-9","email":"to@example.com"}}]`)

	events, err := r.ParseTrackingEvents(&webhooks.Request{Form: form})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Type != models.EventRejected || events[0].RejectReason != models.RejectRejected {
		t.Fatalf("unexpected reject mapping %+v", events[0])
	}
}

func TestParseTrackingEventsCreationProbe(t *testing.T) {
	r := NewReceiver("", "")
	// Mandrill probes a new webhook URL with no mandrill_events field at all.
	events, err := r.ParseTrackingEvents(&webhooks.Request{Form: url.Values{}})
	if err != nil || events != nil {
		t.Fatalf("creation probe must answer empty, got %v, %v", events, err)
	}
}

func TestParseTrackingEventsMalformed(t *testing.T) {
	r := NewReceiver("", "")
	form := url.Values{}
	form.Set("mandrill_events", "not json")
	if _, err := r.ParseTrackingEvents(&webhooks.Request{Form: form}); err == nil {
		t.Fatalf("expected error for malformed events json")
	}
}

func TestParseTrackingEventsUnknownType(t *testing.T) {
	r := NewReceiver("", "")
	form := url.Values{}
	form.Set("mandrill_events", `[{"event":"whitelist","_id":"ev-5","msg":{"email":"to@example.com"}}]`)

	events, err := r.ParseTrackingEvents(&webhooks.Request{Form: form})
	if err != nil {
		t.Fatalf("unknown event types must not error: %v", err)
	}
	if events[0].Type != models.EventUnknown {
		t.Fatalf("expected unknown type, got %q", events[0].Type)
	}
}

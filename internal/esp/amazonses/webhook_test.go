package amazonses

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

func snsBody(t *testing.T, snsType, snsMessageID string, message any) []byte {
	t.Helper()
	inner, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("marshal inner message: %v", err)
	}
	outer, err := json.Marshal(map[string]any{
		"Type":      snsType,
		"MessageId": snsMessageID,
		"TopicArn":  "arn:aws:sns:us-east-1:123456789012:ses-events",
		"Message":   string(inner),
		"Timestamp": "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return outer
}

func TestParseTrackingEventsDeliveryFanout(t *testing.T) {
	r := NewReceiver(zerolog.Nop())
	body := snsBody(t, "Notification", "sns-1", map[string]any{
		"eventType": "Delivery",
		"mail": map[string]any{
			"messageId": "ses-msg-1",
			"timestamp": "2025-06-01T11:59:00Z",
			"tags": map[string][]string{
				"ses:configuration-set": {"tracking-set"},
				"tag":                   {"welcome"},
				"order":                 {"123"},
			},
		},
		"delivery": map[string]any{
			"timestamp":    "2025-06-01T12:00:00Z",
			"recipients":   []string{"Alice@Example.com", "bob@example.com"},
			"smtpResponse": "250 OK",
		},
	})

	events, err := r.ParseTrackingEvents(&webhooks.Request{Body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected one event per recipient, got %d", len(events))
	}
	for i, recipient := range []string{"alice@example.com", "bob@example.com"} {
		ev := events[i]
		if ev.Type != models.EventDelivered || ev.Recipient != recipient {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.MessageID != "ses-msg-1" || ev.MTAResponse != "250 OK" {
			t.Fatalf("unexpected detail %+v", ev)
		}
		// Every fanned-out event shares the SNS MessageId.
		if ev.EventID != "sns-1" {
			t.Fatalf("unexpected event id %q", ev.EventID)
		}
		if !ev.Timestamp.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected timestamp %v", ev.Timestamp)
		}
		if ev.Tags[0] != "welcome" || ev.Metadata["order"] != "123" {
			t.Fatalf("message tags must split into tags and metadata: %+v", ev)
		}
		if _, found := ev.Metadata["ses:configuration-set"]; found {
			t.Fatalf("ses-internal tags must be dropped: %+v", ev.Metadata)
		}
	}
}

func TestParseTrackingEventsBounce(t *testing.T) {
	r := NewReceiver(zerolog.Nop())
	body := snsBody(t, "Notification", "sns-2", map[string]any{
		"eventType": "Bounce",
		"mail":      map[string]any{"messageId": "ses-msg-2", "timestamp": "2025-06-01T11:59:00Z"},
		"bounce": map[string]any{
			"bounceType": "Permanent",
			"timestamp":  "2025-06-01T12:00:00Z",
			"bouncedRecipients": []map[string]string{
				{"emailAddress": "bad@example.com", "diagnosticCode": "smtp; 550 5.1.1 user unknown"},
				{"emailAddress": "gone@example.com", "diagnosticCode": "smtp; 550 5.1.10 no such user"},
			},
		},
	})

	events, err := r.ParseTrackingEvents(&webhooks.Request{Body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two bounce events, got %d", len(events))
	}
	if events[0].Type != models.EventBounced || events[0].RejectReason != models.RejectBounced {
		t.Fatalf("unexpected bounce mapping %+v", events[0])
	}
	if events[0].MTAResponse != "smtp; 550 5.1.1 user unknown" || events[1].MTAResponse != "smtp; 550 5.1.10 no such user" {
		t.Fatalf("diagnostic code must be carried per recipient")
	}
}

func TestParseTrackingEventsTransientBounce(t *testing.T) {
	r := NewReceiver(zerolog.Nop())
	body := snsBody(t, "Notification", "sns-3", map[string]any{
		"eventType": "Bounce",
		"mail":      map[string]any{"messageId": "ses-msg-3"},
		"bounce": map[string]any{
			"bounceType":        "Transient",
			"bouncedRecipients": []map[string]string{{"emailAddress": "full@example.com", "diagnosticCode": "smtp; 452 mailbox full"}},
		},
	})

	events, err := r.ParseTrackingEvents(&webhooks.Request{Body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Type != models.EventDeferred || events[0].RejectReason != "" {
		t.Fatalf("transient bounces defer, got %+v", events[0])
	}
}

func TestParseTrackingEventsComplaintAndReject(t *testing.T) {
	r := NewReceiver(zerolog.Nop())

	complaint := snsBody(t, "Notification", "sns-4", map[string]any{
		"eventType": "Complaint",
		"mail":      map[string]any{"messageId": "ses-msg-4"},
		"complaint": map[string]any{
			"complainedRecipients": []map[string]string{{"emailAddress": "angry@example.com"}},
		},
	})
	events, err := r.ParseTrackingEvents(&webhooks.Request{Body: complaint})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Type != models.EventComplained || events[0].RejectReason != models.RejectSpam {
		t.Fatalf("unexpected complaint mapping %+v", events[0])
	}

	reject := snsBody(t, "Notification", "sns-5", map[string]any{
		"eventType": "Reject",
		"mail":      map[string]any{"messageId": "ses-msg-5"},
		"reject":    map[string]any{"reason": "Bad content"},
	})
	events, err = r.ParseTrackingEvents(&webhooks.Request{Body: reject})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Type != models.EventRejected || events[0].MTAResponse != "Bad content" {
		t.Fatalf("unexpected reject mapping %+v", events[0])
	}
}

func TestParseTrackingEventsUnknownType(t *testing.T) {
	r := NewReceiver(zerolog.Nop())
	body := snsBody(t, "Notification", "sns-6", map[string]any{
		"eventType": "FutureThing",
		"mail":      map[string]any{"messageId": "ses-msg-6"},
	})
	events, err := r.ParseTrackingEvents(&webhooks.Request{Body: body})
	if err != nil {
		t.Fatalf("unknown event types must not error: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventUnknown {
		t.Fatalf("expected unknown event, got %+v", events)
	}
}

func TestParseTrackingEventsRejectsNonNotification(t *testing.T) {
	r := NewReceiver(zerolog.Nop())
	body := snsBody(t, "SubscriptionConfirmation", "sns-7", map[string]any{})
	_, err := r.ParseTrackingEvents(&webhooks.Request{Body: body})
	if !errors.Is(err, webhooks.ErrWebhookValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHandleConfirmation(t *testing.T) {
	r := NewReceiver(zerolog.Nop())

	// SubscribeURL must be https on an amazonaws.com host.
	body := []byte(`{"Type":"SubscriptionConfirmation","SubscribeURL":"http://evil.example.com/confirm"}`)
	handled, err := r.HandleConfirmation(context.Background(), &webhooks.Request{Body: body})
	if handled || !errors.Is(err, webhooks.ErrWebhookValidation) {
		t.Fatalf("expected rejection of non-amazon subscribe url, got %v, %v", handled, err)
	}

	body = []byte(`{"Type":"UnsubscribeConfirmation","TopicArn":"arn:aws:sns:us-east-1:1:t"}`)
	handled, err = r.HandleConfirmation(context.Background(), &webhooks.Request{Body: body})
	if !handled || err != nil {
		t.Fatalf("unsubscribe confirmations are handled in place, got %v, %v", handled, err)
	}

	// Plain notifications pass through to event parsing.
	handled, err = r.HandleConfirmation(context.Background(), &webhooks.Request{Body: []byte(`{"Type":"Notification"}`)})
	if handled || err != nil {
		t.Fatalf("notifications must not be consumed, got %v, %v", handled, err)
	}
}

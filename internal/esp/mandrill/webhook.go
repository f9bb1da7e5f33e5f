package mandrill

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

// Receiver normalizes Mandrill webhook calls. Mandrill posts a form with one
// mandrill_events field holding a JSON array, so a single call regularly
// carries a batch. The signature covers the webhook URL plus every posted
// field, so the receiver must be configured with the exact externally visible
// URL Mandrill calls.
type Receiver struct {
	signingKey string
	webhookURL string
}

// NewReceiver constructs a Receiver. An empty signing key leaves the
// signature gate open.
func NewReceiver(signingKey, webhookURL string) *Receiver {
	return &Receiver{signingKey: signingKey, webhookURL: webhookURL}
}

// ESPName identifies this receiver.
func (r *Receiver) ESPName() string { return espName }

// VerifySignature checks X-Mandrill-Signature: base64 HMAC-SHA1 over the
// webhook URL concatenated with every form field, key then value, sorted by
// key.
func (r *Receiver) VerifySignature(req *webhooks.Request) error {
	if r.signingKey == "" {
		return nil
	}
	provided := req.Header.Get("X-Mandrill-Signature")
	if provided == "" {
		return &webhooks.ValidationError{ESPName: espName, Reason: "missing signature header", StatusCode: 400}
	}

	keys := make([]string, 0, len(req.Form))
	for key := range req.Form {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var signed strings.Builder
	signed.WriteString(r.webhookURL)
	for _, key := range keys {
		for _, value := range req.Form[key] {
			signed.WriteString(key)
			signed.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(r.signingKey))
	mac.Write([]byte(signed.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return &webhooks.ValidationError{ESPName: espName, Reason: "signature mismatch", StatusCode: 400}
	}
	return nil
}

type rawEvent struct {
	Event     string  `json:"event"`
	TS        float64 `json:"ts"`
	ID        string  `json:"_id"`
	URL       string  `json:"url"`
	UserAgent string  `json:"user_agent"`
	Msg       struct {
		ID                string         `json:"_id"`
		Email             string         `json:"email"`
		Tags              []string       `json:"tags"`
		Metadata          map[string]any `json:"metadata"`
		BounceDescription string         `json:"bounce_description"`
		Diag              string         `json:"diag"`
	} `json:"msg"`
}

var eventTypes = map[string]string{
	"send":        models.EventSent,
	"deferral":    models.EventDeferred,
	"hard_bounce": models.EventBounced,
	"soft_bounce": models.EventBounced,
	"open":        models.EventOpened,
	"click":       models.EventClicked,
	"spam":        models.EventComplained,
	"unsub":       models.EventUnsubscribed,
	"reject":      models.EventRejected,
}

var bounceReasons = map[string]string{
	"bad_mailbox":             models.RejectInvalid,
	"invalid_domain":          models.RejectInvalid,
	"destination_unreachable": models.RejectOther,
	"general":                 models.RejectOther,
	"spam":                    models.RejectSpam,
	"unsub":                   models.RejectUnsubscribed,
	"timeout":                 models.RejectTimedOut,
}

// ParseTrackingEvents normalizes one webhook call into one event per array
// element. Mandrill's webhook-creation probe posts an empty mandrill_events
// array and expects 200.
func (r *Receiver) ParseTrackingEvents(req *webhooks.Request) ([]models.TrackingEvent, error) {
	raw := req.FormValue("mandrill_events")
	if raw == "" {
		return nil, nil
	}
	var rawEvents []rawEvent
	if err := json.Unmarshal([]byte(raw), &rawEvents); err != nil {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid mandrill_events json", StatusCode: 400}
	}

	events := make([]models.TrackingEvent, 0, len(rawEvents))
	for _, re := range rawEvents {
		eventType, ok := eventTypes[re.Event]
		if !ok {
			eventType = models.EventUnknown
		}

		event := models.TrackingEvent{
			Type:        eventType,
			Timestamp:   time.Unix(int64(re.TS), 0).UTC(),
			Recipient:   strings.ToLower(re.Msg.Email),
			MessageID:   re.Msg.ID,
			EventID:     re.ID,
			MTAResponse: re.Msg.Diag,
			Tags:        re.Msg.Tags,
			Metadata:    re.Msg.Metadata,
			ClickURL:    re.URL,
			UserAgent:   re.UserAgent,
			ESPName:     espName,
			Raw:         re,
		}
		if event.EventID == "" {
			event.EventID = re.Msg.ID
		}
		switch eventType {
		case models.EventBounced, models.EventFailed:
			if reason, ok := bounceReasons[re.Msg.BounceDescription]; ok {
				event.RejectReason = reason
			} else if re.Msg.BounceDescription != "" {
				event.RejectReason = models.RejectOther
			}
		case models.EventRejected:
			event.RejectReason = models.RejectRejected
		}
		events = append(events, event)
	}
	return events, nil
}

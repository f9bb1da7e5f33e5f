// Package mailjet normalizes Mailjet tracking webhook calls. This build has
// no Mailjet send backend; the provider is receive-only.
package mailjet

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

const espName = "mailjet"

// Receiver normalizes Mailjet webhook calls. Mailjet signs nothing; the
// shared-secret basic auth gate is the only authentication. Configured for
// grouped delivery, one call carries a JSON array of events.
type Receiver struct{}

// NewReceiver constructs a Receiver.
func NewReceiver() *Receiver { return &Receiver{} }

// ESPName identifies this receiver.
func (r *Receiver) ESPName() string { return espName }

var eventTypes = map[string]string{
	// Mailjet's "sent" fires on acceptance by the receiving MTA.
	"sent":    models.EventDelivered,
	"open":    models.EventOpened,
	"click":   models.EventClicked,
	"bounce":  models.EventBounced,
	"blocked": models.EventRejected,
	"spam":    models.EventComplained,
	"unsub":   models.EventUnsubscribed,
}

var rejectReasons = map[string]string{
	// error_related_to: recipient
	"user unknown":     models.RejectBounced,
	"mailbox inactive": models.RejectBounced,
	"quota exceeded":   models.RejectBounced,
	"blacklisted":      models.RejectBlocked,
	"spam reporter":    models.RejectSpam,
	// error_related_to: domain
	"invalid domain":      models.RejectBounced,
	"no mail host":        models.RejectBounced,
	"relay/access denied": models.RejectBounced,
	"greylisted":          models.RejectOther,
	"typofix":             models.RejectInvalid,
	// error_related_to: content policy
	"sender blocked":  models.RejectBlocked,
	"content blocked": models.RejectBlocked,
	"policy issue":    models.RejectBlocked,
	// error_related_to: mailjet
	"preblocked":            models.RejectBlocked,
	"duplicate in campaign": models.RejectOther,
}

type rawEvent struct {
	Event          string          `json:"event"`
	Time           int64           `json:"time"`
	Email          string          `json:"email"`
	MessageID      json.Number     `json:"MessageID"`
	Error          string          `json:"error"`
	HardBounce     bool            `json:"hard_bounce"`
	SMTPReply      string          `json:"smtp_reply"`
	CustomCampaign string          `json:"customcampaign"`
	Payload        string          `json:"Payload"`
	URL            string          `json:"url"`
	Agent          string          `json:"agent"`
	CustomID       string          `json:"CustomID"`
	Raw            json.RawMessage `json:"-"`
}

// ParseTrackingEvents normalizes one webhook call. A single-event
// configuration posts one object; grouped configuration posts an array.
func (r *Receiver) ParseTrackingEvents(req *webhooks.Request) ([]models.TrackingEvent, error) {
	var rawEvents []rawEvent
	if err := json.Unmarshal(req.Body, &rawEvents); err != nil {
		var single rawEvent
		if err := json.Unmarshal(req.Body, &single); err != nil {
			return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid json payload", StatusCode: 400}
		}
		rawEvents = []rawEvent{single}
	}

	events := make([]models.TrackingEvent, 0, len(rawEvents))
	for _, re := range rawEvents {
		eventType, ok := eventTypes[re.Event]
		if !ok {
			eventType = models.EventUnknown
		}
		// Greylisting is a temporary refusal; delivery will be retried.
		if re.Error == "greylisted" && !re.HardBounce {
			eventType = models.EventDeferred
		}

		event := models.TrackingEvent{
			Type:        eventType,
			Recipient:   strings.ToLower(re.Email),
			MessageID:   re.MessageID.String(),
			MTAResponse: re.SMTPReply,
			ClickURL:    re.URL,
			UserAgent:   re.Agent,
			ESPName:     espName,
			Raw:         re,
		}
		if re.Time != 0 {
			event.Timestamp = time.Unix(re.Time, 0).UTC()
		}
		if re.Error != "" {
			reason, ok := rejectReasons[re.Error]
			if !ok {
				reason = models.RejectOther
			}
			event.RejectReason = reason
		}
		if re.CustomCampaign != "" {
			event.Tags = []string{re.CustomCampaign}
		}
		if re.Payload != "" {
			var metadata map[string]any
			if err := json.Unmarshal([]byte(re.Payload), &metadata); err == nil {
				event.Metadata = metadata
			}
		}
		// Mailjet has no per-event id; compose a stable one.
		event.EventID = re.MessageID.String() + ":" + re.Event + ":" + strconv.FormatInt(re.Time, 10)
		events = append(events, event)
	}
	return events, nil
}

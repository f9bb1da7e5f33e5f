package postmark

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

// Receiver normalizes Postmark webhook calls. Postmark signs nothing; the
// shared-secret basic auth gate is the only authentication.
type Receiver struct{}

// NewReceiver constructs a Receiver.
func NewReceiver() *Receiver { return &Receiver{} }

// ESPName identifies this receiver.
func (r *Receiver) ESPName() string { return espName }

type webhookPayload struct {
	RecordType      string         `json:"RecordType"`
	MessageID       string         `json:"MessageID"`
	Recipient       string         `json:"Recipient"`
	Email           string         `json:"Email"`
	Type            string         `json:"Type"`
	Description     string         `json:"Description"`
	Details         string         `json:"Details"`
	Tag             string         `json:"Tag"`
	Metadata        map[string]any `json:"Metadata"`
	OriginalLink    string         `json:"OriginalLink"`
	UserAgent       string         `json:"UserAgent"`
	DeliveredAt     string         `json:"DeliveredAt"`
	BouncedAt       string         `json:"BouncedAt"`
	ReceivedAt      string         `json:"ReceivedAt"`
	ChangedAt       string         `json:"ChangedAt"`
	SuppressSending bool           `json:"SuppressSending"`
}

// bounceEvents maps Postmark bounce Type values onto normalized event types
// and reject reasons.
var bounceEvents = map[string]struct {
	eventType    string
	rejectReason string
}{
	"HardBounce":              {models.EventBounced, models.RejectBounced},
	"SoftBounce":              {models.EventBounced, models.RejectBounced},
	"Transient":               {models.EventDeferred, ""},
	"DnsError":                {models.EventDeferred, ""},
	"Unsubscribe":             {models.EventUnsubscribed, models.RejectUnsubscribed},
	"Subscribe":               {models.EventSubscribed, ""},
	"AutoResponder":           {models.EventAutoresponded, ""},
	"ChallengeVerification":   {models.EventAutoresponded, ""},
	"SpamNotification":        {models.EventComplained, models.RejectSpam},
	"SpamComplaint":           {models.EventComplained, models.RejectSpam},
	"BadEmailAddress":         {models.EventFailed, models.RejectInvalid},
	"ManuallyDeactivated":     {models.EventRejected, models.RejectBlocked},
	"Blocked":                 {models.EventRejected, models.RejectBlocked},
	"DMARCPolicy":             {models.EventRejected, models.RejectBlocked},
	"SMTPApiError":            {models.EventFailed, ""},
	"TemplateRenderingFailed": {models.EventFailed, ""},
}

// ParseTrackingEvents normalizes one tracking call. Postmark delivers one
// event per call.
func (r *Receiver) ParseTrackingEvents(req *webhooks.Request) ([]models.TrackingEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid json payload", StatusCode: 400}
	}
	if payload.RecordType == "" {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "missing RecordType", StatusCode: 400}
	}

	event := models.TrackingEvent{
		Type:      models.EventUnknown,
		MessageID: payload.MessageID,
		Recipient: strings.ToLower(firstNonEmpty(payload.Recipient, payload.Email)),
		Tags:      nil,
		Metadata:  payload.Metadata,
		ESPName:   espName,
		Raw:       json.RawMessage(req.Body),
	}
	if payload.Tag != "" {
		event.Tags = []string{payload.Tag}
	}

	switch payload.RecordType {
	case "Delivery":
		event.Type = models.EventDelivered
		event.Timestamp = parseTime(payload.DeliveredAt)
		event.MTAResponse = payload.Details
	case "Bounce":
		event.Type = models.EventBounced
		event.Timestamp = parseTime(payload.BouncedAt)
		event.MTAResponse = payload.Details
		if mapped, ok := bounceEvents[payload.Type]; ok {
			event.Type = mapped.eventType
			event.RejectReason = mapped.rejectReason
		}
	case "SpamComplaint":
		event.Type = models.EventComplained
		event.Timestamp = parseTime(payload.BouncedAt)
		event.RejectReason = models.RejectSpam
	case "Open":
		event.Type = models.EventOpened
		event.Timestamp = parseTime(payload.ReceivedAt)
		event.UserAgent = payload.UserAgent
	case "Click":
		event.Type = models.EventClicked
		event.Timestamp = parseTime(payload.ReceivedAt)
		event.UserAgent = payload.UserAgent
		event.ClickURL = payload.OriginalLink
	case "SubscriptionChange":
		if payload.SuppressSending {
			event.Type = models.EventUnsubscribed
		} else {
			event.Type = models.EventSubscribed
		}
		event.Timestamp = parseTime(payload.ChangedAt)
	}

	// Postmark has no per-event id; compose a stable one from fields that
	// repeat identically on redelivery.
	event.EventID = fmt.Sprintf("%s:%s:%d", payload.MessageID, payload.RecordType, event.Timestamp.Unix())
	return []models.TrackingEvent{event}, nil
}

type inboundPayload struct {
	FromFull          inboundAddress   `json:"FromFull"`
	ToFull            []inboundAddress `json:"ToFull"`
	CcFull            []inboundAddress `json:"CcFull"`
	ReplyTo           string           `json:"ReplyTo"`
	OriginalRecipient string           `json:"OriginalRecipient"`
	Subject           string           `json:"Subject"`
	MessageID         string           `json:"MessageID"`
	Date              string           `json:"Date"`
	TextBody          string           `json:"TextBody"`
	HtmlBody          string           `json:"HtmlBody"`
	StrippedTextReply string           `json:"StrippedTextReply"`
	Headers           []struct {
		Name  string `json:"Name"`
		Value string `json:"Value"`
	} `json:"Headers"`
	Attachments []struct {
		Name        string `json:"Name"`
		Content     string `json:"Content"`
		ContentType string `json:"ContentType"`
		ContentID   string `json:"ContentID"`
	} `json:"Attachments"`
}

type inboundAddress struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

// ParseInbound normalizes one structured inbound call. Postmark delivers
// fully parsed JSON; there is no raw MIME alternative.
func (r *Receiver) ParseInbound(req *webhooks.Request) (*models.InboundEvent, error) {
	var payload inboundPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid json payload", StatusCode: 400}
	}

	msg := &models.InboundMessage{
		EnvelopeRecipient: payload.OriginalRecipient,
		From:              models.EmailAddress{Name: payload.FromFull.Name, Addr: payload.FromFull.Email},
		Subject:           payload.Subject,
		MessageID:         strings.Trim(payload.MessageID, "<>"),
		Text:              payload.TextBody,
		HTML:              payload.HtmlBody,
		StrippedText:      payload.StrippedTextReply,
	}
	for _, addr := range payload.ToFull {
		msg.To = append(msg.To, models.EmailAddress{Name: addr.Name, Addr: addr.Email})
	}
	for _, addr := range payload.CcFull {
		msg.CC = append(msg.CC, models.EmailAddress{Name: addr.Name, Addr: addr.Email})
	}
	if replyTo, err := models.ParseAddressList(payload.ReplyTo); err == nil {
		msg.ReplyTo = replyTo
	}
	msg.Date = parseTime(payload.Date)

	for _, header := range payload.Headers {
		msg.Headers.Set(header.Name, header.Value)
	}
	if status, ok := msg.Headers.Get("X-Spam-Status"); ok {
		detected := strings.EqualFold(strings.TrimSpace(status), "yes")
		msg.SpamDetected = &detected
	}
	if score, ok := msg.Headers.Get("X-Spam-Score"); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(score), 64); err == nil {
			msg.SpamScore = parsed
		}
	}

	for _, att := range payload.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, &webhooks.ValidationError{ESPName: espName, Reason: "undecodable attachment " + att.Name, StatusCode: 400}
		}
		cid := strings.TrimPrefix(att.ContentID, "cid:")
		msg.Attachments = append(msg.Attachments, models.InboundAttachment{
			Filename:    att.Name,
			ContentType: att.ContentType,
			Content:     content,
			Inline:      cid != "",
			ContentID:   cid,
		})
	}

	return &models.InboundEvent{
		Timestamp: msg.Date,
		EventID:   msg.MessageID,
		ESPName:   espName,
		Message:   msg,
		Raw:       json.RawMessage(req.Body),
	}, nil
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.RFC1123Z, time.RFC1123} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

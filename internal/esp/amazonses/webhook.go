package amazonses

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

// Receiver normalizes SES event notifications delivered over SNS. A new SNS
// subscription first posts a SubscriptionConfirmation that must be answered
// by fetching its SubscribeURL before event notifications flow.
type Receiver struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewReceiver constructs a Receiver.
func NewReceiver(base zerolog.Logger) *Receiver {
	return &Receiver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Component(base, "ses-webhook"),
	}
}

// ESPName identifies this receiver.
func (r *Receiver) ESPName() string { return espName }

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	Timestamp    string `json:"Timestamp"`
}

// HandleConfirmation answers SNS subscription handshakes by fetching the
// SubscribeURL. Duplicates succeed: SNS returns the current subscription
// state either way.
func (r *Receiver) HandleConfirmation(ctx context.Context, req *webhooks.Request) (bool, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return false, nil
	}
	switch envelope.Type {
	case "SubscriptionConfirmation":
	case "UnsubscribeConfirmation":
		r.logger.Info().Str("topic_arn", envelope.TopicArn).Msg("sns unsubscribe confirmation received")
		return true, nil
	default:
		return false, nil
	}

	subscribeURL, err := url.Parse(envelope.SubscribeURL)
	if err != nil || subscribeURL.Scheme != "https" || !strings.HasSuffix(subscribeURL.Hostname(), ".amazonaws.com") {
		return false, &webhooks.ValidationError{ESPName: espName, Reason: "invalid SubscribeURL", StatusCode: 400}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL.String(), nil)
	if err != nil {
		return false, &webhooks.ValidationError{ESPName: espName, Reason: "confirmation request failed", StatusCode: 400}
	}
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return false, &webhooks.ValidationError{ESPName: espName, Reason: "confirmation request failed", StatusCode: 400}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &webhooks.ValidationError{ESPName: espName,
			Reason: fmt.Sprintf("confirmation rejected with status %d", resp.StatusCode), StatusCode: 400}
	}

	r.logger.Info().Str("topic_arn", envelope.TopicArn).Msg("sns subscription confirmed")
	return true, nil
}

type sesEvent struct {
	EventType string `json:"eventType"`
	Mail      struct {
		MessageID string              `json:"messageId"`
		Timestamp string              `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce struct {
		BounceType        string `json:"bounceType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint struct {
		Timestamp            string `json:"timestamp"`
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Delivery struct {
		Timestamp    string   `json:"timestamp"`
		Recipients   []string `json:"recipients"`
		SMTPResponse string   `json:"smtpResponse"`
	} `json:"delivery"`
	Reject struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Open struct {
		Timestamp string `json:"timestamp"`
		UserAgent string `json:"userAgent"`
	} `json:"open"`
	Click struct {
		Timestamp string `json:"timestamp"`
		UserAgent string `json:"userAgent"`
		Link      string `json:"link"`
	} `json:"click"`
	Failure struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure"`
	DeliveryDelay struct {
		Timestamp         string `json:"timestamp"`
		DelayedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"delayedRecipients"`
	} `json:"deliveryDelay"`
}

// ParseTrackingEvents unwraps the SNS envelope and fans recipient-scoped
// notifications (bounce, complaint, delivery) out into one event per
// recipient. event_id is the SNS MessageId, so a redelivered notification
// reproduces the same ids.
func (r *Receiver) ParseTrackingEvents(req *webhooks.Request) ([]models.TrackingEvent, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid sns envelope", StatusCode: 400}
	}
	if envelope.Type != "Notification" {
		return nil, &webhooks.ValidationError{ESPName: espName,
			Reason: fmt.Sprintf("unexpected sns type %q", envelope.Type), StatusCode: 400}
	}

	var event sesEvent
	if err := json.Unmarshal([]byte(envelope.Message), &event); err != nil {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid ses event json", StatusCode: 400}
	}

	base := models.TrackingEvent{
		Type:      models.EventUnknown,
		Timestamp: parseTimestamp(event.Mail.Timestamp, envelope.Timestamp),
		MessageID: event.Mail.MessageID,
		EventID:   envelope.MessageID,
		ESPName:   espName,
		Raw:       json.RawMessage(envelope.Message),
	}
	if metadata, tags := splitMessageTags(event.Mail.Tags); len(metadata) > 0 || len(tags) > 0 {
		base.Metadata = metadata
		base.Tags = tags
	}

	var events []models.TrackingEvent
	emit := func(ev models.TrackingEvent) { events = append(events, ev) }

	switch event.EventType {
	case "Send":
		base.Type = models.EventSent
		emit(base)
	case "Delivery":
		base.Type = models.EventDelivered
		base.Timestamp = parseTimestamp(event.Delivery.Timestamp, event.Mail.Timestamp)
		base.MTAResponse = event.Delivery.SMTPResponse
		for _, recipient := range event.Delivery.Recipients {
			ev := base
			ev.Recipient = strings.ToLower(recipient)
			emit(ev)
		}
	case "Bounce":
		base.Type = models.EventBounced
		base.RejectReason = models.RejectBounced
		if event.Bounce.BounceType == "Transient" {
			base.Type = models.EventDeferred
			base.RejectReason = ""
		}
		base.Timestamp = parseTimestamp(event.Bounce.Timestamp, event.Mail.Timestamp)
		for _, recipient := range event.Bounce.BouncedRecipients {
			ev := base
			ev.Recipient = strings.ToLower(recipient.EmailAddress)
			ev.MTAResponse = recipient.DiagnosticCode
			emit(ev)
		}
	case "Complaint":
		base.Type = models.EventComplained
		base.RejectReason = models.RejectSpam
		base.Timestamp = parseTimestamp(event.Complaint.Timestamp, event.Mail.Timestamp)
		for _, recipient := range event.Complaint.ComplainedRecipients {
			ev := base
			ev.Recipient = strings.ToLower(recipient.EmailAddress)
			emit(ev)
		}
	case "Reject":
		base.Type = models.EventRejected
		base.RejectReason = models.RejectBlocked
		base.MTAResponse = event.Reject.Reason
		emit(base)
	case "Open":
		base.Type = models.EventOpened
		base.Timestamp = parseTimestamp(event.Open.Timestamp, event.Mail.Timestamp)
		base.UserAgent = event.Open.UserAgent
		emit(base)
	case "Click":
		base.Type = models.EventClicked
		base.Timestamp = parseTimestamp(event.Click.Timestamp, event.Mail.Timestamp)
		base.UserAgent = event.Click.UserAgent
		base.ClickURL = event.Click.Link
		emit(base)
	case "Rendering Failure":
		base.Type = models.EventFailed
		base.MTAResponse = event.Failure.ErrorMessage
		emit(base)
	case "DeliveryDelay":
		base.Type = models.EventDeferred
		base.Timestamp = parseTimestamp(event.DeliveryDelay.Timestamp, event.Mail.Timestamp)
		for _, recipient := range event.DeliveryDelay.DelayedRecipients {
			ev := base
			ev.Recipient = strings.ToLower(recipient.EmailAddress)
			ev.MTAResponse = recipient.DiagnosticCode
			emit(ev)
		}
	default:
		emit(base)
	}
	return events, nil
}

// splitMessageTags separates SES message tags back into metadata and the
// normalized tag list. SES adds its own ses: prefixed tags, which are
// dropped.
func splitMessageTags(tags map[string][]string) (map[string]any, []string) {
	var metadata map[string]any
	var tagList []string
	for name, values := range tags {
		if strings.HasPrefix(name, "ses:") || len(values) == 0 {
			continue
		}
		if name == "tag" {
			tagList = append(tagList, values...)
			continue
		}
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata[name] = values[0]
	}
	return metadata, tagList
}

func parseTimestamp(values ...string) time.Time {
	for _, value := range values {
		if value == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, value); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

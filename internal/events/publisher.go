package events

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/models"
)

// SyncProducer captures the subset of producer behaviour the publisher
// needs.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// Publisher forwards normalized events to Kafka topics, keyed by message id
// so all events for one message land on one partition. Register its
// subscriber functions on the dispatcher.
type Publisher struct {
	producer      SyncProducer
	trackingTopic string
	inboundTopic  string
	logger        zerolog.Logger
}

// NewPublisher constructs a Publisher instance.
func NewPublisher(prod SyncProducer, trackingTopic, inboundTopic string, base zerolog.Logger) *Publisher {
	if prod == nil {
		return nil
	}
	return &Publisher{
		producer:      prod,
		trackingTopic: trackingTopic,
		inboundTopic:  inboundTopic,
		logger:        logger.Component(base, "events-publisher"),
	}
}

// PublishTracking is a dispatcher subscriber forwarding tracking events.
// Publish failures are logged, not raised: the dispatcher contract isolates
// subscriber failures and the provider will redeliver on a 5xx anyway.
func (p *Publisher) PublishTracking(_ context.Context, event models.TrackingEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", event.EventID).Msg("marshal tracking event failed")
		return
	}
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"esp":          []byte(event.ESPName),
	}
	if err := p.producer.PublishSync(p.trackingTopic, []byte(event.MessageID), headers, payload); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.EventID).Msg("publish tracking event failed")
	}
}

// PublishInbound is a dispatcher subscriber forwarding inbound events.
func (p *Publisher) PublishInbound(_ context.Context, event models.InboundEvent) {
	if p.inboundTopic == "" {
		return
	}
	payload, err := json.Marshal(inboundRecord(event))
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", event.EventID).Msg("marshal inbound event failed")
		return
	}
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"esp":          []byte(event.ESPName),
	}
	if err := p.producer.PublishSync(p.inboundTopic, []byte(event.Message.MessageID), headers, payload); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.EventID).Msg("publish inbound event failed")
	}
}

// inboundRecord flattens an inbound event for the wire: attachment bodies are
// dropped, only names and sizes travel.
func inboundRecord(event models.InboundEvent) map[string]any {
	msg := event.Message
	attachments := make([]map[string]any, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, map[string]any{
			"filename":     att.Filename,
			"content_type": att.ContentType,
			"size":         len(att.Content),
			"inline":       att.Inline,
		})
	}
	return map[string]any{
		"esp_name":           event.ESPName,
		"event_id":           event.EventID,
		"timestamp":          event.Timestamp,
		"message_id":         msg.MessageID,
		"from":               msg.From.String(),
		"envelope_sender":    msg.EnvelopeSender,
		"envelope_recipient": msg.EnvelopeRecipient,
		"subject":            msg.Subject,
		"text":               msg.Text,
		"html":               msg.HTML,
		"spam_score":         msg.SpamScore,
		"attachments":        attachments,
	}
}

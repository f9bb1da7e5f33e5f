package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/models"
)

type producerStub struct {
	topic   string
	key     []byte
	headers map[string][]byte
	payload []byte
	calls   int
	err     error
}

func (p *producerStub) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	p.calls++
	p.topic = topic
	p.key = key
	p.headers = headers
	p.payload = payload
	return p.err
}

func TestNewPublisherNilProducer(t *testing.T) {
	if p := NewPublisher(nil, "tracking", "", zerolog.Nop()); p != nil {
		t.Fatalf("expected nil publisher without a producer")
	}
}

func TestPublishTracking(t *testing.T) {
	stub := &producerStub{}
	p := NewPublisher(stub, "email.tracking", "", zerolog.Nop())

	p.PublishTracking(context.Background(), models.TrackingEvent{
		Type:      models.EventDelivered,
		EventID:   "ev-1",
		MessageID: "msg-1",
		ESPName:   "mailgun",
		Recipient: "to@example.com",
	})

	if stub.topic != "email.tracking" || string(stub.key) != "msg-1" {
		t.Fatalf("unexpected routing topic=%q key=%q", stub.topic, stub.key)
	}
	if string(stub.headers["esp"]) != "mailgun" || string(stub.headers["content-type"]) != "application/json" {
		t.Fatalf("unexpected headers %v", stub.headers)
	}

	var decoded models.TrackingEvent
	if err := json.Unmarshal(stub.payload, &decoded); err != nil {
		t.Fatalf("unparseable payload: %v", err)
	}
	if decoded.EventID != "ev-1" || decoded.Recipient != "to@example.com" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestPublishTrackingErrorSwallowed(t *testing.T) {
	stub := &producerStub{err: errors.New("broker down")}
	p := NewPublisher(stub, "email.tracking", "", zerolog.Nop())

	// Publish failures log and return; the webhook response must stay 200.
	p.PublishTracking(context.Background(), models.TrackingEvent{EventID: "ev-1"})
	if stub.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", stub.calls)
	}
}

func TestPublishInbound(t *testing.T) {
	stub := &producerStub{}
	p := NewPublisher(stub, "email.tracking", "email.inbound", zerolog.Nop())

	p.PublishInbound(context.Background(), models.InboundEvent{
		EventID: "in-1",
		ESPName: "mailgun",
		Message: &models.InboundMessage{
			MessageID: "msg-in-1",
			From:      models.EmailAddress{Addr: "alice@example.org"},
			Subject:   "Question",
			Text:      "body",
			Attachments: []models.InboundAttachment{
				{Filename: "doc.txt", ContentType: "text/plain", Content: []byte("hello")},
			},
		},
	})

	if stub.topic != "email.inbound" || string(stub.key) != "msg-in-1" {
		t.Fatalf("unexpected routing topic=%q key=%q", stub.topic, stub.key)
	}

	var record map[string]any
	if err := json.Unmarshal(stub.payload, &record); err != nil {
		t.Fatalf("unparseable payload: %v", err)
	}
	if record["from"] != "alice@example.org" || record["subject"] != "Question" {
		t.Fatalf("unexpected record %v", record)
	}
	attachments, _ := record["attachments"].([]any)
	if len(attachments) != 1 {
		t.Fatalf("unexpected attachments %v", record["attachments"])
	}
	att, _ := attachments[0].(map[string]any)
	if att["filename"] != "doc.txt" || att["size"] != float64(5) {
		t.Fatalf("unexpected attachment summary %v", att)
	}
	if _, found := att["content"]; found {
		t.Fatalf("attachment bodies must not travel: %v", att)
	}
}

func TestPublishInboundSkippedWithoutTopic(t *testing.T) {
	stub := &producerStub{}
	p := NewPublisher(stub, "email.tracking", "", zerolog.Nop())

	p.PublishInbound(context.Background(), models.InboundEvent{EventID: "in-1"})
	if stub.calls != 0 {
		t.Fatalf("inbound publishing must be off without a topic, got %d calls", stub.calls)
	}
}

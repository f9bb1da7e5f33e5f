package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/dispatch"
	"github.com/example/esp-gateway/internal/models"
)

type fakeReceiver struct {
	name       string
	events     []models.TrackingEvent
	parseErr   error
	parseCalls int

	signatureErr error
	verifyCalls  int

	inboundEvent *models.InboundEvent
	inboundErr   error

	confirmHandled bool
	confirmErr     error
	confirmCalls   int
}

func (f *fakeReceiver) ESPName() string { return f.name }

func (f *fakeReceiver) ParseTrackingEvents(req *Request) ([]models.TrackingEvent, error) {
	f.parseCalls++
	return f.events, f.parseErr
}

type signedReceiver struct{ fakeReceiver }

func (f *signedReceiver) VerifySignature(req *Request) error {
	f.verifyCalls++
	return f.signatureErr
}

type inboundCapableReceiver struct{ fakeReceiver }

func (f *inboundCapableReceiver) ParseInbound(req *Request) (*models.InboundEvent, error) {
	return f.inboundEvent, f.inboundErr
}

type confirmingReceiver struct{ fakeReceiver }

func (f *confirmingReceiver) HandleConfirmation(ctx context.Context, req *Request) (bool, error) {
	f.confirmCalls++
	return f.confirmHandled, f.confirmErr
}

func postTracking(t *testing.T, h *Handler, esp, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/"+esp+"/tracking", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func newTestHandler(t *testing.T, receivers map[string]Receiver, basicAuth *BasicAuthenticator, dispatcher *dispatch.Dispatcher) *Handler {
	t.Helper()
	if dispatcher == nil {
		dispatcher = dispatch.New(zerolog.Nop())
	}
	h, err := NewHandler(receivers, basicAuth, dispatcher, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return h
}

func TestHandlerRequiresDispatcher(t *testing.T) {
	if _, err := NewHandler(nil, nil, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for nil dispatcher")
	}
}

func TestHandlerUnknownESP(t *testing.T) {
	h := newTestHandler(t, map[string]Receiver{}, nil, nil)
	rec := postTracking(t, h, "sparkpost", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlerDispatchesEvents(t *testing.T) {
	receiver := &fakeReceiver{name: "mailgun", events: []models.TrackingEvent{
		{Type: models.EventDelivered, EventID: "ev-1", ESPName: "mailgun"},
		{Type: models.EventOpened, EventID: "ev-2", ESPName: "mailgun"},
	}}
	dispatcher := dispatch.New(zerolog.Nop())
	var got []models.TrackingEvent
	dispatcher.SubscribeTracking(func(ctx context.Context, event models.TrackingEvent) {
		got = append(got, event)
	})

	h := newTestHandler(t, map[string]Receiver{"mailgun": receiver}, nil, dispatcher)
	rec := postTracking(t, h, "mailgun", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(got) != 2 || got[0].EventID != "ev-1" || got[1].EventID != "ev-2" {
		t.Fatalf("expected both events dispatched in order, got %+v", got)
	}
}

func TestHandlerAcceptsWithNoSubscribers(t *testing.T) {
	receiver := &fakeReceiver{name: "mailgun", events: []models.TrackingEvent{{Type: models.EventDelivered}}}
	h := newTestHandler(t, map[string]Receiver{"mailgun": receiver}, nil, nil)
	rec := postTracking(t, h, "mailgun", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with zero subscribers, got %d", rec.Code)
	}
}

func TestHandlerBasicAuthGate(t *testing.T) {
	receiver := &fakeReceiver{name: "mailgun"}
	auth := NewBasicAuthenticator([]string{"hooks:s3cret"})
	h := newTestHandler(t, map[string]Receiver{"mailgun": receiver}, auth, nil)

	rec := postTracking(t, h, "mailgun", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected auth challenge header")
	}
	if receiver.parseCalls != 0 {
		t.Fatalf("rejected requests must not be parsed")
	}

	rec = postTracking(t, h, "mailgun", `{}`, func(r *http.Request) {
		r.SetBasicAuth("hooks", "s3cret")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rec.Code)
	}
}

func TestHandlerSignatureGate(t *testing.T) {
	receiver := &signedReceiver{}
	receiver.name = "mailgun"
	receiver.signatureErr = &ValidationError{ESPName: "mailgun", Reason: "bad signature", StatusCode: 400}

	h := newTestHandler(t, map[string]Receiver{"mailgun": receiver}, nil, nil)
	rec := postTracking(t, h, "mailgun", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if receiver.verifyCalls != 1 {
		t.Fatalf("expected signature check, got %d calls", receiver.verifyCalls)
	}
	if receiver.parseCalls != 0 {
		t.Fatalf("failed signature must stop before parsing")
	}
}

func TestHandlerConfirmationShortCircuits(t *testing.T) {
	receiver := &confirmingReceiver{}
	receiver.name = "amazon-ses"
	receiver.confirmHandled = true

	dispatcher := dispatch.New(zerolog.Nop())
	dispatched := 0
	dispatcher.SubscribeTracking(func(ctx context.Context, event models.TrackingEvent) { dispatched++ })

	h := newTestHandler(t, map[string]Receiver{"amazon-ses": receiver}, nil, dispatcher)
	rec := postTracking(t, h, "amazon-ses", `{"Type":"SubscriptionConfirmation"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for handled confirmation, got %d", rec.Code)
	}
	if receiver.confirmCalls != 1 || receiver.parseCalls != 0 || dispatched != 0 {
		t.Fatalf("handled confirmation must skip parsing and dispatch")
	}
}

func TestHandlerInbound(t *testing.T) {
	receiver := &inboundCapableReceiver{}
	receiver.name = "mailgun"
	receiver.inboundEvent = &models.InboundEvent{
		EventID: "in-1",
		ESPName: "mailgun",
		Message: &models.InboundMessage{MessageID: "msg-1"},
	}

	dispatcher := dispatch.New(zerolog.Nop())
	var got []models.InboundEvent
	dispatcher.SubscribeInbound(func(ctx context.Context, event models.InboundEvent) {
		got = append(got, event)
	})

	h := newTestHandler(t, map[string]Receiver{"mailgun": receiver}, nil, dispatcher)
	req := httptest.NewRequest(http.MethodPost, "/mailgun/inbound", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(got) != 1 || got[0].Message.MessageID != "msg-1" {
		t.Fatalf("expected inbound event dispatched, got %+v", got)
	}
}

func TestHandlerInboundUnsupported(t *testing.T) {
	receiver := &fakeReceiver{name: "mailjet"}
	h := newTestHandler(t, map[string]Receiver{"mailjet": receiver}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/mailjet/inbound", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("tracking-only receivers must 404 inbound, got %d", rec.Code)
	}
}

package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/esp-gateway/internal/models"
)

// ErrWebhookValidation marks an inbound webhook call that failed
// authentication or arrived malformed. The payload is never parsed or
// dispatched after a validation failure.
var ErrWebhookValidation = errors.New("webhook validation failed")

// ValidationError reports why a webhook call was rejected and which HTTP
// status the endpoint should answer with.
type ValidationError struct {
	ESPName    string
	Reason     string
	StatusCode int // 400 generic, 401 auth challenge
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s webhook rejected: %s", e.ESPName, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrWebhookValidation }

// Receiver normalizes one provider's tracking webhook calls. A call may
// carry a batch; ParseTrackingEvents returns one element per logical event.
// Unknown provider event types normalize to models.EventUnknown, never an
// error.
type Receiver interface {
	ESPName() string
	ParseTrackingEvents(req *Request) ([]models.TrackingEvent, error)
}

// InboundReceiver is implemented by providers that also deliver received
// mail over a webhook.
type InboundReceiver interface {
	Receiver
	ParseInbound(req *Request) (*models.InboundEvent, error)
}

// SignatureVerifier is implemented by receivers whose provider signs webhook
// calls. A verification failure must return a *ValidationError.
type SignatureVerifier interface {
	VerifySignature(req *Request) error
}

// ConfirmationResponder is implemented by receivers whose provider requires
// a subscription-confirmation handshake before real events flow. Handle
// reports whether the request was such a handshake (in which case no events
// are parsed). Handshakes are idempotent: duplicates succeed.
type ConfirmationResponder interface {
	HandleConfirmation(ctx context.Context, req *Request) (handled bool, err error)
}

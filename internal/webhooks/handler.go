package webhooks

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/dispatch"
	"github.com/example/esp-gateway/internal/logger"
)

// Handler serves the per-provider webhook endpoints:
//
//	POST /webhooks/{esp}/tracking
//	POST /webhooks/{esp}/inbound
//
// Each call runs the gates in order: shared-secret basic auth, then the
// provider's subscription-confirmation handshake (when the provider has
// one), then the provider signature. Any rejection answers 4xx without the
// payload ever being parsed or dispatched.
type Handler struct {
	receivers  map[string]Receiver
	basicAuth  *BasicAuthenticator
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

// NewHandler constructs a Handler. Receivers are keyed by the esp name used
// in the URL.
func NewHandler(receivers map[string]Receiver, basicAuth *BasicAuthenticator, dispatcher *dispatch.Dispatcher, base zerolog.Logger) (*Handler, error) {
	if dispatcher == nil {
		return nil, errors.New("webhooks: dispatcher is required")
	}
	if basicAuth == nil {
		basicAuth = NewBasicAuthenticator(nil)
	}
	return &Handler{
		receivers:  receivers,
		basicAuth:  basicAuth,
		dispatcher: dispatcher,
		logger:     logger.Component(base, "webhooks"),
	}, nil
}

// Routes mounts the webhook endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{esp}/tracking", h.handleTracking)
	r.Post("/{esp}/inbound", h.handleInbound)
	return r
}

func (h *Handler) handleTracking(w http.ResponseWriter, r *http.Request) {
	espName := strings.ToLower(chi.URLParam(r, "esp"))
	logger := h.requestLogger(espName)

	receiver, ok := h.receivers[espName]
	if !ok {
		http.NotFound(w, r)
		return
	}

	req, err := ParseRequest(r)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed webhook request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if handled := h.authenticate(w, logger, espName, receiver, req, r); handled {
		return
	}

	// Subscription-confirmation handshakes are answered before event
	// parsing, gated by the shared secret above.
	if responder, ok := receiver.(ConfirmationResponder); ok {
		confirmed, err := responder.HandleConfirmation(r.Context(), req)
		if err != nil {
			logger.Warn().Err(err).Msg("subscription confirmation failed")
			h.reject(w, logger, err)
			return
		}
		if confirmed {
			logger.Info().Msg("subscription confirmed")
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	if handled := h.verifySignature(w, logger, receiver, req); handled {
		return
	}

	events, err := receiver.ParseTrackingEvents(req)
	if err != nil {
		logger.Warn().Err(err).Msg("webhook payload rejected")
		h.reject(w, logger, err)
		return
	}

	for _, event := range events {
		h.dispatcher.DispatchTracking(r.Context(), event)
	}
	logger.Debug().Int("events", len(events)).Msg("tracking events dispatched")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	espName := strings.ToLower(chi.URLParam(r, "esp"))
	logger := h.requestLogger(espName)

	receiver, ok := h.receivers[espName]
	if !ok {
		http.NotFound(w, r)
		return
	}
	inboundReceiver, ok := receiver.(InboundReceiver)
	if !ok {
		http.NotFound(w, r)
		return
	}

	req, err := ParseRequest(r)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed webhook request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if handled := h.authenticate(w, logger, espName, receiver, req, r); handled {
		return
	}
	if handled := h.verifySignature(w, logger, receiver, req); handled {
		return
	}

	event, err := inboundReceiver.ParseInbound(req)
	if err != nil {
		logger.Warn().Err(err).Msg("inbound payload rejected")
		h.reject(w, logger, err)
		return
	}

	h.dispatcher.DispatchInbound(r.Context(), *event)
	logger.Debug().Str("message_id", event.Message.MessageID).Msg("inbound message dispatched")
	w.WriteHeader(http.StatusOK)
}

// authenticate runs the shared-secret gate. It reports true when it already
// wrote a response.
func (h *Handler) authenticate(w http.ResponseWriter, logger zerolog.Logger, espName string, _ Receiver, req *Request, _ *http.Request) bool {
	if err := h.basicAuth.Authenticate(espName, req); err != nil {
		// Repeated failures here mean a misconfigured secret or an attack;
		// keep them visible.
		logger.Warn().Err(err).Msg("webhook authentication failed")
		w.Header().Set("WWW-Authenticate", `Basic realm="webhooks"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return true
	}
	return false
}

// verifySignature runs the provider-signature gate. It reports true when it
// already wrote a response.
func (h *Handler) verifySignature(w http.ResponseWriter, logger zerolog.Logger, receiver Receiver, req *Request) bool {
	verifier, ok := receiver.(SignatureVerifier)
	if !ok {
		return false
	}
	if err := verifier.VerifySignature(req); err != nil {
		logger.Warn().Err(err).Msg("webhook signature verification failed")
		h.reject(w, logger, err)
		return true
	}
	return false
}

func (h *Handler) reject(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.StatusCode != 0 {
		if verr.StatusCode == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="webhooks"`)
		}
		http.Error(w, verr.Reason, verr.StatusCode)
		return
	}
	http.Error(w, "bad request", http.StatusBadRequest)
}

func (h *Handler) requestLogger(espName string) zerolog.Logger {
	return h.logger.With().
		Str("esp", espName).
		Str("request_id", uuid.NewString()).
		Logger()
}

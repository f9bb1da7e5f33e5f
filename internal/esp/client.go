// Package esp exposes the provider-agnostic send pipeline: one canonical
// Message in, one normalized SendStatus or a typed error out. Per-provider
// behaviour lives behind the Backend interface, selected by provider name at
// configuration time.
package esp

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/capability"
	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/models"
)

// Backend sends one already-enforced canonical message through a specific
// provider and normalizes its response. Implementations must be safe for
// concurrent use.
type Backend interface {
	ESPName() string
	Send(ctx context.Context, msg *models.Message) (*models.SendStatus, error)
}

// Option customises a Client.
type Option func(*Client)

// WithLenient enables lenient feature enforcement: unsupported features are
// dropped and limited ones truncated instead of failing the send.
func WithLenient(lenient bool) Option {
	return func(c *Client) { c.lenient = lenient }
}

// WithIgnoreRecipientStatus suppresses RecipientsRefusedError; the call is
// treated as a successful send with per-recipient status still inspectable.
func WithIgnoreRecipientStatus(ignore bool) Option {
	return func(c *Client) { c.ignoreRecipientStatus = ignore }
}

// WithSendDefaults installs global default message options merged into every
// outgoing message before the capability check runs.
func WithSendDefaults(defaults *models.SendDefaults) Option {
	return func(c *Client) { c.defaults = defaults }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client runs the full outbound pipeline for one provider:
// defaults -> address validation -> serialization check -> capability
// enforcement -> backend send -> refused-recipients check.
type Client struct {
	backend               Backend
	registry              *capability.Registry
	defaults              *models.SendDefaults
	lenient               bool
	ignoreRecipientStatus bool
	logger                zerolog.Logger
}

// NewClient constructs a Client for the given backend.
func NewClient(backend Backend, registry *capability.Registry, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("esp client: backend is required")
	}
	if registry == nil {
		return nil, errors.New("esp client: capability registry is required")
	}

	c := &Client{backend: backend, registry: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = logger.Component(c.logger, "esp-client").With().Str("esp", backend.ESPName()).Logger()
	return c, nil
}

// ESPName returns the backend's provider name.
func (c *Client) ESPName() string { return c.backend.ESPName() }

// Send runs the pipeline for one message. Feature, address, and
// serialization problems are raised before any network I/O.
func (c *Client) Send(ctx context.Context, msg *models.Message) (*models.SendStatus, error) {
	if msg == nil {
		return nil, errors.New("esp client: message is required")
	}
	if len(msg.Recipients()) == 0 {
		return nil, errors.New("esp client: at least one recipient is required")
	}

	msg = models.ApplyDefaults(msg, c.defaults)

	if err := common.ValidateAddresses(msg); err != nil {
		return nil, err
	}
	if err := common.CheckSerializable(msg); err != nil {
		return nil, err
	}

	enforced, err := common.Enforce(msg, c.backend.ESPName(), c.registry, c.lenient)
	if err != nil {
		return nil, err
	}

	status, err := c.backend.Send(ctx, enforced)
	if err != nil {
		c.logger.Info().Err(err).Msg("send failed")
		return nil, err
	}

	if status.AllRefused() && !c.ignoreRecipientStatus {
		c.logger.Info().
			Strs("message_ids", status.MessageIDs()).
			Msg("provider refused all recipients")
		return nil, &common.RecipientsRefusedError{Status: status}
	}

	c.logger.Debug().
		Strs("message_ids", status.MessageIDs()).
		Int("recipients", len(status.Recipients)).
		Msg("send completed")
	return status, nil
}

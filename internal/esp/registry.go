package esp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/capability"
	"github.com/example/esp-gateway/internal/config"
	"github.com/example/esp-gateway/internal/esp/amazonses"
	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/esp/mailgun"
	"github.com/example/esp-gateway/internal/esp/mailjet"
	"github.com/example/esp-gateway/internal/esp/mandrill"
	"github.com/example/esp-gateway/internal/esp/postmark"
	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

// BuildClients constructs a send client for every provider with credentials
// configured, keyed by esp name. The returned closer releases pooled
// connections for all of them.
func BuildClients(ctx context.Context, cfg *config.Config, registry *capability.Registry, logger zerolog.Logger) (map[string]*Client, func(), error) {
	clients := make(map[string]*Client)
	var closers []func()
	closeAll := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}

	timeout := common.WithTimeout(time.Duration(cfg.Send.TimeoutSeconds) * time.Second)
	pipelineOpts := []Option{
		WithLenient(cfg.Send.IgnoreUnsupportedFeatures),
		WithIgnoreRecipientStatus(cfg.Send.IgnoreRecipientStatus),
		WithLogger(logger),
	}
	if len(cfg.Send.DefaultTags) > 0 {
		pipelineOpts = append(pipelineOpts, WithSendDefaults(&models.SendDefaults{Tags: cfg.Send.DefaultTags}))
	}

	register := func(backend Backend, err error) error {
		if err != nil {
			closeAll()
			return err
		}
		client, err := NewClient(backend, registry, pipelineOpts...)
		if err != nil {
			closeAll()
			return err
		}
		clients[backend.ESPName()] = client
		if closer, ok := backend.(interface{ Close() }); ok {
			closers = append(closers, closer.Close)
		}
		return nil
	}

	if mg := cfg.Providers.Mailgun; mg.APIKey != "" {
		opts := []mailgun.Option{mailgun.WithTransportOptions(timeout)}
		if mg.SenderDomain != "" {
			opts = append(opts, mailgun.WithSenderDomain(mg.SenderDomain))
		}
		if mg.APIBaseURL != "" {
			opts = append(opts, mailgun.WithAPIBaseURL(mg.APIBaseURL))
		}
		backend, err := mailgun.New(mg.APIKey, logger, opts...)
		if err := register(backend, err); err != nil {
			return nil, nil, err
		}
	}

	if pm := cfg.Providers.Postmark; pm.ServerToken != "" {
		opts := []postmark.Option{postmark.WithTransportOptions(timeout)}
		if pm.APIBaseURL != "" {
			opts = append(opts, postmark.WithAPIBaseURL(pm.APIBaseURL))
		}
		backend, err := postmark.New(pm.ServerToken, logger, opts...)
		if err := register(backend, err); err != nil {
			return nil, nil, err
		}
	}

	if md := cfg.Providers.Mandrill; md.APIKey != "" {
		opts := []mandrill.Option{mandrill.WithTransportOptions(timeout)}
		if md.APIBaseURL != "" {
			opts = append(opts, mandrill.WithAPIBaseURL(md.APIBaseURL))
		}
		backend, err := mandrill.New(md.APIKey, logger, opts...)
		if err := register(backend, err); err != nil {
			return nil, nil, err
		}
	}

	if ses := cfg.Providers.AmazonSES; ses.Region != "" {
		backend, err := amazonses.New(ctx, amazonses.Config{
			Region:           ses.Region,
			AccessKeyID:      ses.AccessKeyID,
			SecretAccessKey:  ses.SecretAccessKey,
			ConfigurationSet: ses.ConfigurationSet,
		}, logger)
		if err := register(backend, err); err != nil {
			return nil, nil, err
		}
	}

	return clients, closeAll, nil
}

// SelectClient returns the client for the named provider.
func SelectClient(clients map[string]*Client, espName string) (*Client, error) {
	client, ok := clients[espName]
	if !ok {
		return nil, fmt.Errorf("esp: provider %q is not configured", espName)
	}
	return client, nil
}

// BuildReceivers constructs the webhook receiver for every provider, keyed
// by esp name. Receivers without credentials still run; their signature
// gates stay open and the shared-secret gate covers them.
func BuildReceivers(cfg *config.Config, logger zerolog.Logger) map[string]webhooks.Receiver {
	return map[string]webhooks.Receiver{
		"mailgun":    mailgun.NewReceiver(cfg.Providers.Mailgun.WebhookSigningKey),
		"postmark":   postmark.NewReceiver(),
		"mandrill":   mandrill.NewReceiver(cfg.Providers.Mandrill.WebhookSigningKey, cfg.Providers.Mandrill.WebhookURL),
		"mailjet":    mailjet.NewReceiver(),
		"amazon-ses": amazonses.NewReceiver(logger),
	}
}

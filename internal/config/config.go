// Package config loads the gateway's runtime configuration from the
// environment. One immutable Config is built at startup and passed by
// reference; no component re-reads ambient state mid-operation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the email gateway.
type Config struct {
	App       AppConfig
	Send      SendConfig
	Webhooks  WebhookConfig
	Providers ProviderConfig
	Kafka     KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// SendConfig controls the outbound pipeline.
type SendConfig struct {
	// IgnoreUnsupportedFeatures switches feature enforcement from strict to
	// lenient: unsupported features are dropped, limited ones truncated.
	IgnoreUnsupportedFeatures bool
	// IgnoreRecipientStatus suppresses the all-recipients-refused error.
	IgnoreRecipientStatus bool
	TimeoutSeconds        int
	// DefaultTags are merged ahead of each message's own tags on every send.
	DefaultTags []string
}

// WebhookConfig holds the shared-secret gate settings.
type WebhookConfig struct {
	// BasicAuthCredentials lists accepted "user:password" pairs. Empty means
	// the basic auth gate is open.
	BasicAuthCredentials []string
}

// MailgunConfig stores Mailgun API and webhook settings.
type MailgunConfig struct {
	APIKey            string
	SenderDomain      string
	APIBaseURL        string
	WebhookSigningKey string
}

// PostmarkConfig stores Postmark API settings.
type PostmarkConfig struct {
	ServerToken string
	APIBaseURL  string
}

// MandrillConfig stores Mandrill API and webhook settings. WebhookURL must be
// the externally visible URL Mandrill calls; it is part of the signed data.
type MandrillConfig struct {
	APIKey            string
	APIBaseURL        string
	WebhookSigningKey string
	WebhookURL        string
}

// AmazonSESConfig stores AWS connection settings for the SES backend.
// Credentials are optional; the default AWS chain applies when absent.
type AmazonSESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// ProviderConfig wraps per-provider settings. A provider with no credentials
// configured is simply not registered.
type ProviderConfig struct {
	Mailgun   MailgunConfig
	Postmark  PostmarkConfig
	Mandrill  MandrillConfig
	AmazonSES AmazonSESConfig
}

// KafkaConfig defines the optional event-forwarding sink. With no brokers
// configured, normalized events are dispatched to in-process subscribers
// only.
type KafkaConfig struct {
	Brokers       []string
	TrackingTopic string
	InboundTopic  string
}

// Enabled reports whether event forwarding to Kafka is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Send.IgnoreUnsupportedFeatures = ldr.getBool("SEND_IGNORE_UNSUPPORTED_FEATURES", false, false)
	cfg.Send.IgnoreRecipientStatus = ldr.getBool("SEND_IGNORE_RECIPIENT_STATUS", false, false)
	cfg.Send.TimeoutSeconds = ldr.getInt("SEND_TIMEOUT_SECONDS", 30, false)
	cfg.Send.DefaultTags = ldr.getStringSlice("SEND_DEFAULT_TAGS", false)

	cfg.Webhooks.BasicAuthCredentials = ldr.getStringSlice("WEBHOOK_BASIC_AUTH", false)

	cfg.Providers.Mailgun.APIKey = ldr.getString("MAILGUN_API_KEY", "", false)
	cfg.Providers.Mailgun.SenderDomain = ldr.getString("MAILGUN_SENDER_DOMAIN", "", false)
	cfg.Providers.Mailgun.APIBaseURL = ldr.getString("MAILGUN_API_URL", "", false)
	cfg.Providers.Mailgun.WebhookSigningKey = ldr.getString("MAILGUN_WEBHOOK_SIGNING_KEY", "", false)

	cfg.Providers.Postmark.ServerToken = ldr.getString("POSTMARK_SERVER_TOKEN", "", false)
	cfg.Providers.Postmark.APIBaseURL = ldr.getString("POSTMARK_API_URL", "", false)

	cfg.Providers.Mandrill.APIKey = ldr.getString("MANDRILL_API_KEY", "", false)
	cfg.Providers.Mandrill.APIBaseURL = ldr.getString("MANDRILL_API_URL", "", false)
	cfg.Providers.Mandrill.WebhookSigningKey = ldr.getString("MANDRILL_WEBHOOK_SIGNING_KEY", "", false)
	cfg.Providers.Mandrill.WebhookURL = ldr.getString("MANDRILL_WEBHOOK_URL", "", false)

	cfg.Providers.AmazonSES.Region = ldr.getString("AWS_REGION", "", false)
	cfg.Providers.AmazonSES.AccessKeyID = ldr.getString("AWS_ACCESS_KEY_ID", "", false)
	cfg.Providers.AmazonSES.SecretAccessKey = ldr.getString("AWS_SECRET_ACCESS_KEY", "", false)
	cfg.Providers.AmazonSES.ConfigurationSet = ldr.getString("SES_CONFIGURATION_SET", "", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.TrackingTopic = ldr.getString("KAFKA_TRACKING_TOPIC", "", false)
	cfg.Kafka.InboundTopic = ldr.getString("KAFKA_INBOUND_TOPIC", "", false)

	if cfg.Kafka.Enabled() && cfg.Kafka.TrackingTopic == "" {
		ldr.addError("KAFKA_TRACKING_TOPIC is required when KAFKA_BROKERS is set")
	}
	if cfg.Providers.Mandrill.WebhookSigningKey != "" && cfg.Providers.Mandrill.WebhookURL == "" {
		ldr.addError("MANDRILL_WEBHOOK_URL is required when MANDRILL_WEBHOOK_SIGNING_KEY is set")
	}
	if cfg.Send.TimeoutSeconds <= 0 {
		ldr.addError("SEND_TIMEOUT_SECONDS must be positive")
	}
	for _, cred := range cfg.Webhooks.BasicAuthCredentials {
		if !strings.Contains(cred, ":") {
			ldr.addError(fmt.Sprintf("WEBHOOK_BASIC_AUTH entry %q must be user:password", cred))
		}
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}

// Package amazonses sends through the Amazon SES v2 API and normalizes
// SES event notifications delivered over SNS.
package amazonses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/models"
)

const espName = "amazon-ses"

// SendEmailAPI is the one SES v2 operation the backend uses. Tests swap in a
// fake.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Config holds the AWS connection settings. Static credentials are optional;
// the default AWS credential chain applies when they are absent.
type Config struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// Backend sends messages through SES. Simple content when the message is
// plain; raw MIME when attachments or extra headers demand it. SES assigns
// one message id per call and reports no per-recipient detail; rejections
// arrive over SNS.
type Backend struct {
	client           SendEmailAPI
	configurationSet string
	logger           zerolog.Logger
}

// New constructs a SES backend from AWS configuration.
func New(ctx context.Context, cfg Config, base zerolog.Logger) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: load aws config: %w", espName, err)
	}
	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet, base), nil
}

// NewWithClient constructs a Backend around an existing client, used for
// tests.
func NewWithClient(client SendEmailAPI, configurationSet string, base zerolog.Logger) *Backend {
	return &Backend{
		client:           client,
		configurationSet: configurationSet,
		logger:           logger.Component(base, "ses-backend"),
	}
}

// ESPName identifies this backend.
func (b *Backend) ESPName() string { return espName }

// Send delivers one message through the SES v2 SendEmail operation. No
// retries: transient-failure policy belongs to the caller.
func (b *Backend) Send(ctx context.Context, msg *models.Message) (*models.SendStatus, error) {
	input, err := b.buildInput(msg)
	if err != nil {
		return nil, err
	}

	out, err := b.client.SendEmail(ctx, input)
	if err != nil {
		b.logger.Warn().Err(err).Msg("ses send failed")
		return nil, &common.APIError{ESPName: espName, Reason: err.Error()}
	}

	status := models.NewSendStatus(espName)
	for _, addr := range msg.Recipients() {
		status.SetRecipient(addr.AddrSpec(), models.RecipientStatus{
			Address:   addr.AddrSpec(),
			Status:    models.StatusQueued,
			MessageID: aws.ToString(out.MessageId),
		})
	}
	return status, nil
}

func (b *Backend) buildInput(msg *models.Message) (*sesv2.SendEmailInput, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination: &types.Destination{
			ToAddresses:  addressStrings(msg.To),
			CcAddresses:  addressStrings(msg.CC),
			BccAddresses: addressStrings(msg.BCC),
		},
	}
	if len(msg.ReplyTo) > 0 {
		input.ReplyToAddresses = addressStrings(msg.ReplyTo)
	}
	if msg.EnvelopeSender != "" {
		input.FeedbackForwardingEmailAddress = aws.String(msg.EnvelopeSender)
	}

	// The sesv2 input is fully typed; there is no free-form payload to merge
	// arbitrary esp_extra into, so anything beyond the configuration-set
	// override fails loudly instead of being dropped.
	configurationSet := b.configurationSet
	for key, value := range msg.ESPExtra {
		if key != "ConfigurationSetName" {
			return nil, common.Unsupported(espName, "esp_extra",
				fmt.Sprintf("unknown key %q; only ConfigurationSetName is supported", key))
		}
		override, ok := value.(string)
		if !ok {
			return nil, common.Unsupported(espName, "esp_extra", "ConfigurationSetName must be a string")
		}
		configurationSet = override
	}
	if configurationSet != "" {
		input.ConfigurationSetName = aws.String(configurationSet)
	}

	// Metadata and the single allowed tag ride on SES message tags, which
	// come back in event notifications.
	var tags []types.MessageTag
	for _, key := range sortedKeys(msg.Metadata) {
		tags = append(tags, types.MessageTag{
			Name:  aws.String(key),
			Value: aws.String(fmt.Sprint(msg.Metadata[key])),
		})
	}
	if len(msg.Tags) > 0 {
		tags = append(tags, types.MessageTag{Name: aws.String("tag"), Value: aws.String(msg.Tags[0])})
	}
	input.EmailTags = tags

	if len(msg.Attachments) > 0 || msg.ExtraHeaders.Len() > 0 {
		raw, err := buildRawMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%s: build raw message: %w", espName, err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
		return input, nil
	}

	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	input.Content = &types.EmailContent{
		Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	return input, nil
}

// buildRawMessage renders the message as multipart MIME: an alternative part
// for the bodies, then attachment parts, inline ones carrying a Content-ID.
func buildRawMessage(msg *models.Message) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From.String())
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", models.FormatAddressList(msg.To))
	}
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", models.FormatAddressList(msg.CC))
	}
	if len(msg.ReplyTo) > 0 {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", models.FormatAddressList(msg.ReplyTo))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	for name, value := range msg.ExtraHeaders.All() {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	mixed := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	if msg.TextBody != "" || msg.HTMLBody != "" {
		altHeader := textproto.MIMEHeader{}
		var altBuf bytes.Buffer
		alt := multipart.NewWriter(&altBuf)
		altHeader.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary()))
		altPart, err := mixed.CreatePart(altHeader)
		if err != nil {
			return nil, err
		}
		if msg.TextBody != "" {
			if err := writeBodyPart(alt, "text/plain", msg.TextBody); err != nil {
				return nil, err
			}
		}
		if msg.HTMLBody != "" {
			if err := writeBodyPart(alt, "text/html", msg.HTMLBody); err != nil {
				return nil, err
			}
		}
		if err := alt.Close(); err != nil {
			return nil, err
		}
		if _, err := altPart.Write(altBuf.Bytes()); err != nil {
			return nil, err
		}
	}

	for _, att := range msg.Attachments {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", att.MIMEType())
		header.Set("Content-Transfer-Encoding", "base64")
		if att.Inline {
			header.Set("Content-Disposition", "inline")
			header.Set("Content-Id", "<"+att.ContentID+">")
		} else {
			header.Set("Content-Disposition",
				fmt.Sprintf("attachment; filename=%q", mime.QEncoding.Encode("UTF-8", att.Filename)))
		}
		part, err := mixed.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(wrapBase64(att.Content))); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBodyPart(w *multipart.Writer, contentType, body string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType+"; charset=UTF-8")
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write([]byte(body))
	return err
}

// wrapBase64 encodes with 76-character lines per RFC 2045.
func wrapBase64(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		out.WriteString(encoded[i:end])
		out.WriteString("\r\n")
	}
	return out.String()
}

func addressStrings(addrs []models.EmailAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Package mailgun sends through the Mailgun messages API and normalizes
// Mailgun webhook calls.
package mailgun

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/models"
)

const espName = "mailgun"

// DefaultAPIBaseURL is the Mailgun v3 API root.
const DefaultAPIBaseURL = "https://api.mailgun.net/v3"

// Option customises a Backend.
type Option func(*Backend)

// WithSenderDomain fixes the sending domain instead of intuiting it from the
// From address.
func WithSenderDomain(domain string) Option {
	return func(b *Backend) { b.senderDomain = domain }
}

// WithAPIBaseURL overrides the API root, mainly for the EU region and tests.
func WithAPIBaseURL(baseURL string) Option {
	return func(b *Backend) { b.apiBaseURL = strings.TrimRight(baseURL, "/") }
}

// WithTransportOptions passes options through to the HTTP transport.
func WithTransportOptions(opts ...common.TransportOption) Option {
	return func(b *Backend) { b.transportOpts = append(b.transportOpts, opts...) }
}

// Backend sends messages through Mailgun. The API accepts form-encoded
// payloads, multipart when attachments ride along, and answers with a single
// queued message id for the whole call; per-recipient outcomes arrive later
// over webhooks.
type Backend struct {
	apiKey        string
	apiBaseURL    string
	senderDomain  string
	transport     *common.HTTPTransport
	transportOpts []common.TransportOption
}

// New constructs a Mailgun backend.
func New(apiKey string, logger zerolog.Logger, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", espName)
	}
	b := &Backend{apiKey: apiKey, apiBaseURL: DefaultAPIBaseURL}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.transport = common.NewHTTPTransport(logger, b.transportOpts...)
	return b, nil
}

// ESPName identifies this backend.
func (b *Backend) ESPName() string { return espName }

// Send posts one message to Mailgun.
func (b *Backend) Send(ctx context.Context, msg *models.Message) (*models.SendStatus, error) {
	return b.transport.Do(ctx, b, msg)
}

// Close releases pooled connections.
func (b *Backend) Close() { b.transport.Close() }

// BuildRequest assembles the form payload. Emulated features are synthesized
// here: merge_global_data and merge_metadata have no native Mailgun fields
// and are folded into recipient-variables.
func (b *Backend) BuildRequest(msg *models.Message) (*common.Request, error) {
	senderDomain, extra := b.resolveSenderDomain(msg)
	if senderDomain == "" {
		return nil, fmt.Errorf("%s: unknown sender domain; provide a from address with a domain or set esp_extra[\"sender_domain\"]", espName)
	}
	// A '/' in the domain silently redirects the call to a different API
	// endpoint, which answers 200 without sending anything.
	if strings.Contains(senderDomain, "/") || strings.Contains(strings.ToLower(senderDomain), "%2f") {
		return nil, fmt.Errorf("%s: invalid %q in sender domain", espName, "/")
	}

	form := url.Values{}
	form.Set("from", msg.From.String())
	for _, addr := range msg.To {
		form.Add("to", addr.String())
	}
	for _, addr := range msg.CC {
		form.Add("cc", addr.String())
	}
	for _, addr := range msg.BCC {
		form.Add("bcc", addr.String())
	}
	if msg.Subject != "" {
		form.Set("subject", msg.Subject)
	}
	if msg.TextBody != "" {
		form.Set("text", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		form.Set("html", msg.HTMLBody)
	}
	if msg.AMPHTML != "" {
		form.Set("amp-html", msg.AMPHTML)
	}
	if len(msg.ReplyTo) > 0 {
		form.Set("h:Reply-To", models.FormatAddressList(msg.ReplyTo))
	}
	for key, value := range msg.ExtraHeaders.All() {
		form.Set("h:"+key, value)
	}
	for key, value := range msg.Metadata {
		form.Set("v:"+key, scalarString(value))
	}
	for _, tag := range msg.Tags {
		form.Add("o:tag", tag)
	}
	if msg.SendAt != nil {
		form.Set("o:deliverytime", msg.SendAt.UTC().Format(time.RFC1123Z))
	}
	if msg.TrackOpens != nil {
		form.Set("o:tracking-opens", yesNo(*msg.TrackOpens))
	}
	if msg.TrackClicks != nil {
		form.Set("o:tracking-clicks", yesNo(*msg.TrackClicks))
	}

	if msg.IsBatch() || len(msg.MergeGlobalData) > 0 || len(msg.MergeMetadata) > 0 {
		if err := populateRecipientVariables(msg, form); err != nil {
			return nil, err
		}
	}

	common.ApplyExtraToForm(form, extra)

	req := &common.Request{
		URL:        b.apiBaseURL + "/" + url.PathEscape(senderDomain) + "/messages",
		Header:     http.Header{},
		Recipients: msg.Recipients(),
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("api:"+b.apiKey)))

	if len(msg.Attachments) == 0 {
		req.Body = []byte(form.Encode())
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	body, contentType, err := multipartBody(form, msg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("%s: build multipart: %w", espName, err)
	}
	req.Body = body
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// ParseResponse normalizes the single-id acknowledgment. Mailgun's only
// success shape is {"id": ..., "message": "Queued. Thank you."}; every
// recipient is queued under that one id. Rejections arrive over webhooks.
func (b *Backend) ParseResponse(req *common.Request, resp *common.Response) (*models.SendStatus, error) {
	var parsed struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.ID == "" {
		return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
			Reason: "invalid response format"}
	}
	if !strings.HasPrefix(parsed.Message, "Queued") {
		return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
			Reason: fmt.Sprintf("unrecognized response message %q", parsed.Message)}
	}

	status := models.NewSendStatus(espName)
	for _, addr := range req.Recipients {
		status.SetRecipient(addr.AddrSpec(), models.RecipientStatus{
			Address:   addr.AddrSpec(),
			Status:    models.StatusQueued,
			MessageID: parsed.ID,
		})
	}
	return status, nil
}

// resolveSenderDomain picks the sending domain: esp_extra["sender_domain"]
// wins over the configured domain, which wins over the From address domain.
// The esp_extra key is consumed so it never reaches the form payload.
func (b *Backend) resolveSenderDomain(msg *models.Message) (string, map[string]any) {
	extra := msg.ESPExtra
	if override, ok := extra["sender_domain"].(string); ok {
		trimmed := make(map[string]any, len(extra)-1)
		for key, value := range extra {
			if key != "sender_domain" {
				trimmed[key] = value
			}
		}
		return override, trimmed
	}
	if b.senderDomain != "" {
		return b.senderDomain, extra
	}
	if msg.EnvelopeSender != "" {
		env := models.EmailAddress{Addr: msg.EnvelopeSender}
		if env.Domain() != "" {
			return env.Domain(), extra
		}
	}
	return msg.From.Domain(), extra
}

// populateRecipientVariables folds merge data into Mailgun's batch mechanism.
// Each to-recipient's variable map is layered: metadata defaults for any key
// that appears in merge_metadata, then that recipient's merge_metadata (keys
// prefixed "v:"), then merge_global_data, then the recipient's merge_data.
func populateRecipientVariables(msg *models.Message, form url.Values) error {
	metadataVars := map[string]string{}
	for _, recipientMeta := range msg.MergeMetadata {
		for key := range recipientMeta {
			metadataVars[key] = "v:" + key
		}
	}
	// Per-recipient metadata rides on custom vars that substitute per
	// recipient. Keys without a per-recipient value need a default, or the
	// literal placeholder string would be delivered.
	base := make(map[string]any, len(metadataVars))
	for key, varName := range metadataVars {
		form.Set(varName, "%recipient."+varName+"%")
		if value, ok := msg.Metadata[key]; ok {
			base[varName] = value
		} else {
			base[varName] = ""
		}
	}

	recipientVars := make(map[string]map[string]any, len(msg.To))
	for _, addr := range msg.To {
		spec := addr.AddrSpec()
		data := make(map[string]any, len(base))
		for key, value := range base {
			data[key] = value
		}
		for key, value := range msg.MergeMetadata[spec] {
			data["v:"+key] = value
		}
		for key, value := range msg.MergeGlobalData {
			data[key] = value
		}
		for key, value := range msg.MergeData[spec] {
			data[key] = value
		}
		if len(data) > 0 {
			recipientVars[spec] = data
		}
	}

	encoded, err := json.Marshal(recipientVars)
	if err != nil {
		return fmt.Errorf("%s: encode recipient-variables: %w", espName, err)
	}
	form.Set("recipient-variables", string(encoded))
	return nil
}

func multipartBody(form url.Values, attachments []models.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for key, values := range form {
		for _, value := range values {
			if err := writer.WriteField(key, value); err != nil {
				return nil, "", err
			}
		}
	}

	for _, att := range attachments {
		field, name := "attachment", att.Filename
		if att.Inline {
			field, name = "inline", att.ContentID
			if name == "" {
				return nil, "", fmt.Errorf("inline attachment without content id")
			}
		} else if name == "" {
			return nil, "", fmt.Errorf("attachment without filename")
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		header.Set("Content-Type", att.MIMEType())
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(att.Content); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func scalarString(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

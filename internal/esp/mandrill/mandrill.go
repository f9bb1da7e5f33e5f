// Package mandrill sends through the Mandrill messages API and normalizes
// Mandrill webhook calls.
package mandrill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/models"
)

const espName = "mandrill"

// DefaultAPIBaseURL is the Mandrill API root.
const DefaultAPIBaseURL = "https://mandrillapp.com/api/1.0"

// envelopeKeys are esp_extra keys that belong beside "message" in the API
// envelope rather than inside it.
var envelopeKeys = map[string]bool{
	"async":            true,
	"ip_pool":          true,
	"send_at":          true,
	"template_name":    true,
	"template_content": true,
}

// Option customises a Backend.
type Option func(*Backend)

// WithAPIBaseURL overrides the API root, mainly for tests.
func WithAPIBaseURL(baseURL string) Option {
	return func(b *Backend) { b.apiBaseURL = strings.TrimRight(baseURL, "/") }
}

// WithTransportOptions passes options through to the HTTP transport.
func WithTransportOptions(opts ...common.TransportOption) Option {
	return func(b *Backend) { b.transportOpts = append(b.transportOpts, opts...) }
}

// Backend sends messages through Mandrill. Mandrill answers with one status
// per recipient, so the response normalizer has real per-recipient detail to
// work with.
type Backend struct {
	apiKey        string
	apiBaseURL    string
	transport     *common.HTTPTransport
	transportOpts []common.TransportOption
}

// New constructs a Mandrill backend.
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

// Send posts one message to Mandrill.
func (b *Backend) Send(ctx context.Context, msg *models.Message) (*models.SendStatus, error) {
	return b.transport.Do(ctx, b, msg)
}

// Close releases pooled connections.
func (b *Backend) Close() { b.transport.Close() }

// BuildRequest assembles the JSON envelope. Map-valued merge fields become
// Mandrill's name/content arrays, sorted by key so identical input always
// produces identical wire bytes.
func (b *Backend) BuildRequest(msg *models.Message) (*common.Request, error) {
	message := map[string]any{
		"from_email": msg.From.Addr,
	}
	if msg.From.Name != "" {
		message["from_name"] = msg.From.Name
	}

	var to []map[string]string
	appendRecipients := func(addrs []models.EmailAddress, kind string) {
		for _, addr := range addrs {
			to = append(to, map[string]string{"email": addr.Addr, "name": addr.Name, "type": kind})
		}
	}
	appendRecipients(msg.To, "to")
	appendRecipients(msg.CC, "cc")
	appendRecipients(msg.BCC, "bcc")
	message["to"] = to

	if msg.Subject != "" {
		message["subject"] = msg.Subject
	}
	headers := map[string]string{}
	if len(msg.ReplyTo) > 0 {
		headers["Reply-To"] = models.FormatAddressList(msg.ReplyTo)
	}
	for name, value := range msg.ExtraHeaders.All() {
		headers[name] = value
	}
	if len(headers) > 0 {
		message["headers"] = headers
	}
	if msg.TextBody != "" {
		message["text"] = msg.TextBody
	}
	if msg.HTMLBody != "" {
		message["html"] = msg.HTMLBody
	}

	var attachments, images []map[string]string
	for _, att := range msg.Attachments {
		entry := map[string]string{
			"type":    att.MIMEType(),
			"name":    att.Filename,
			"content": base64.StdEncoding.EncodeToString(att.Content),
		}
		if att.Inline {
			entry["name"] = att.ContentID
			images = append(images, entry)
		} else {
			attachments = append(attachments, entry)
		}
	}
	if len(attachments) > 0 {
		message["attachments"] = attachments
	}
	if len(images) > 0 {
		message["images"] = images
	}

	if len(msg.Metadata) > 0 {
		message["metadata"] = msg.Metadata
	}
	if len(msg.Tags) > 0 {
		message["tags"] = msg.Tags
	}
	if msg.TrackOpens != nil {
		message["track_opens"] = *msg.TrackOpens
	}
	if msg.TrackClicks != nil {
		message["track_clicks"] = *msg.TrackClicks
	}

	if len(msg.MergeGlobalData) > 0 {
		message["global_merge_vars"] = expandMergeVars(msg.MergeGlobalData)
	}
	if msg.MergeData != nil {
		mergeVars := make([]map[string]any, 0, len(msg.MergeData))
		for _, rcpt := range sortedKeys(msg.MergeData) {
			mergeVars = append(mergeVars, map[string]any{
				"rcpt": rcpt,
				"vars": expandMergeVars(msg.MergeData[rcpt]),
			})
		}
		message["merge_vars"] = mergeVars
		// Batch shape: each recipient sees only itself.
		message["preserve_recipients"] = false
	}
	if msg.MergeMetadata != nil {
		recipientMeta := make([]map[string]any, 0, len(msg.MergeMetadata))
		for _, rcpt := range sortedKeys(msg.MergeMetadata) {
			recipientMeta = append(recipientMeta, map[string]any{
				"rcpt":   rcpt,
				"values": msg.MergeMetadata[rcpt],
			})
		}
		message["recipient_metadata"] = recipientMeta
	}

	envelope := map[string]any{"key": b.apiKey}
	if msg.SendAt != nil {
		envelope["send_at"] = msg.SendAt.UTC().Format("2006-01-02 15:04:05")
	}
	if msg.TemplateID != "" {
		envelope["template_name"] = msg.TemplateID
		envelope["template_content"] = []any{}
	}

	messageExtra := make(map[string]any, len(msg.ESPExtra))
	for key, value := range msg.ESPExtra {
		if envelopeKeys[key] {
			envelope[key] = value
		} else {
			messageExtra[key] = value
		}
	}
	message, err := common.MergeESPExtra(message, messageExtra)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", espName, err)
	}
	envelope["message"] = message

	endpoint := "/messages/send.json"
	if _, ok := envelope["template_name"]; ok {
		endpoint = "/messages/send-template.json"
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", espName, err)
	}

	req := &common.Request{
		URL:        b.apiBaseURL + endpoint,
		Header:     http.Header{},
		Body:       encoded,
		Recipients: msg.Recipients(),
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// recipientStatuses maps Mandrill per-recipient status strings onto the
// canonical enum.
var recipientStatuses = map[string]string{
	"sent":      models.StatusSent,
	"queued":    models.StatusQueued,
	"scheduled": models.StatusQueued,
	"invalid":   models.StatusInvalid,
	"rejected":  models.StatusRejected,
}

// ParseResponse normalizes Mandrill's per-recipient result array.
func (b *Backend) ParseResponse(req *common.Request, resp *common.Response) (*models.SendStatus, error) {
	var results []struct {
		Email  string `json:"email"`
		Status string `json:"status"`
		ID     string `json:"_id"`
	}
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
			Reason: "invalid response format"}
	}

	status := models.NewSendStatus(espName)
	for _, result := range results {
		canonical, ok := recipientStatuses[result.Status]
		if !ok {
			canonical = models.StatusUnknown
		}
		spec := strings.ToLower(result.Email)
		status.SetRecipient(spec, models.RecipientStatus{
			Address:   spec,
			Status:    canonical,
			MessageID: result.ID,
		})
	}
	return status, nil
}

// expandMergeVars converts {name: value} into Mandrill's sorted
// [{"name": ..., "content": ...}] array.
func expandMergeVars(vars map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(vars))
	for _, name := range sortedKeys(vars) {
		out = append(out, map[string]any{"name": name, "content": vars[name]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

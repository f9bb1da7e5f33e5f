// Package postmark sends through the Postmark API and normalizes Postmark
// webhook calls.
package postmark

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/models"
)

const espName = "postmark"

// DefaultAPIBaseURL is the Postmark API root.
const DefaultAPIBaseURL = "https://api.postmarkapp.com"

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

// Backend sends messages through Postmark. The endpoint varies with the
// message shape: plain, batch, templated, or batch templated. A 422 answer
// still carries parseable per-recipient detail and is not treated as an API
// failure.
type Backend struct {
	serverToken   string
	apiBaseURL    string
	transport     *common.HTTPTransport
	transportOpts []common.TransportOption
}

// New constructs a Postmark backend.
func New(serverToken string, logger zerolog.Logger, opts ...Option) (*Backend, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%s: server token is required", espName)
	}
	b := &Backend{serverToken: serverToken, apiBaseURL: DefaultAPIBaseURL}
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

// Send posts one message to Postmark.
func (b *Backend) Send(ctx context.Context, msg *models.Message) (*models.SendStatus, error) {
	return b.transport.Do(ctx, b, msg)
}

// Close releases pooled connections.
func (b *Backend) Close() { b.transport.Close() }

// AcceptsStatus lets a 422 through to ParseResponse: it carries the
// per-recipient error detail.
func (b *Backend) AcceptsStatus(code int) bool { return code == http.StatusUnprocessableEntity }

// BuildRequest assembles the JSON payload and selects the endpoint.
func (b *Backend) BuildRequest(msg *models.Message) (*common.Request, error) {
	data := map[string]any{
		"From": msg.From.String(),
	}
	if len(msg.CC) > 0 {
		data["Cc"] = models.FormatAddressList(msg.CC)
	}
	if len(msg.BCC) > 0 {
		data["Bcc"] = models.FormatAddressList(msg.BCC)
	}
	if len(msg.ReplyTo) > 0 {
		data["ReplyTo"] = models.FormatAddressList(msg.ReplyTo)
	}
	if msg.Subject != "" {
		data["Subject"] = msg.Subject
	}
	if msg.TextBody != "" {
		data["TextBody"] = msg.TextBody
	}
	if msg.HTMLBody != "" {
		data["HtmlBody"] = msg.HTMLBody
	}
	if headers := msg.ExtraHeaders.All(); len(headers) > 0 {
		list := make([]map[string]string, 0, len(headers))
		for name, value := range headers {
			list = append(list, map[string]string{"Name": name, "Value": value})
		}
		data["Headers"] = list
	}
	if len(msg.Attachments) > 0 {
		list := make([]map[string]any, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			entry := map[string]any{
				"Name":        att.Filename,
				"Content":     base64.StdEncoding.EncodeToString(att.Content),
				"ContentType": att.MIMEType(),
			}
			if att.Inline {
				entry["ContentID"] = "cid:" + att.ContentID
			}
			list = append(list, entry)
		}
		data["Attachments"] = list
	}
	if len(msg.Metadata) > 0 {
		data["Metadata"] = msg.Metadata
	}
	if len(msg.Tags) > 0 {
		data["Tag"] = msg.Tags[0]
	}
	if msg.TrackOpens != nil {
		data["TrackOpens"] = *msg.TrackOpens
	}
	if msg.TrackClicks != nil {
		if *msg.TrackClicks {
			data["TrackLinks"] = "HtmlAndText"
		} else {
			data["TrackLinks"] = "None"
		}
	}
	if msg.TemplateID != "" {
		// Numeric ids and string aliases use different fields.
		if id, err := strconv.Atoi(msg.TemplateID); err == nil {
			data["TemplateId"] = id
		} else {
			data["TemplateAlias"] = msg.TemplateID
		}
	}
	if msg.MergeGlobalData != nil {
		data["TemplateModel"] = msg.MergeGlobalData
	}

	serverToken := b.serverToken
	extra := msg.ESPExtra
	if override, ok := extra["server_token"].(string); ok {
		serverToken = override
		trimmed := make(map[string]any, len(extra)-1)
		for key, value := range extra {
			if key != "server_token" {
				trimmed[key] = value
			}
		}
		extra = trimmed
	}
	data, err := common.MergeESPExtra(data, extra)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", espName, err)
	}

	_, hasTemplateID := data["TemplateId"]
	_, hasTemplateAlias := data["TemplateAlias"]
	_, hasTemplateModel := data["TemplateModel"]
	templated := hasTemplateID || hasTemplateAlias || hasTemplateModel

	var endpoint string
	var body any
	switch {
	case templated && msg.IsBatch():
		endpoint = "/email/batchWithTemplates"
		body = map[string]any{"Messages": perRecipientPayloads(msg, data)}
	case templated:
		// The trailing slash is how Postmark documents this endpoint.
		endpoint = "/email/withTemplate/"
		data["To"] = models.FormatAddressList(msg.To)
		body = data
	case msg.IsBatch():
		endpoint = "/email/batch"
		body = perRecipientPayloads(msg, data)
	default:
		endpoint = "/email"
		data["To"] = models.FormatAddressList(msg.To)
		body = data
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", espName, err)
	}

	req := &common.Request{
		URL:        b.apiBaseURL + endpoint,
		Header:     http.Header{},
		Body:       encoded,
		Recipients: msg.To,
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", serverToken)
	return req, nil
}

// perRecipientPayloads isolates each to-recipient into its own payload,
// resolving its substitution map (global data overlaid by the recipient's
// entry). Cc and bcc are replicated into every group.
func perRecipientPayloads(msg *models.Message, data map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(msg.To))
	for _, addr := range msg.To {
		entry := make(map[string]any, len(data)+2)
		for key, value := range data {
			entry[key] = value
		}
		entry["To"] = addr.String()
		if resolved := msg.MergeDataFor(addr.AddrSpec()); len(resolved) > 0 {
			entry["TemplateModel"] = resolved
		}
		out = append(out, entry)
	}
	return out
}

type sendResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	To        string `json:"To"`
	MessageID string `json:"MessageID"`
}

var (
	inactiveAddrsRe = regexp.MustCompile(`(?m)inactive addresses:\s*(.*)\.\s*Inactive recipients`)
	invalidAddrRe   = regexp.MustCompile(`(?m)address:?\s*'(.*)'`)
)

// ParseResponse normalizes the per-recipient outcome. Postmark reports
// partial acceptance only inside human-readable error messages, so rejected
// and invalid addresses are extracted from those.
func (b *Backend) ParseResponse(req *common.Request, resp *common.Response) (*models.SendStatus, error) {
	status := models.NewSendStatus(espName)
	for _, addr := range req.Recipients {
		status.SetRecipient(addr.AddrSpec(), models.RecipientStatus{
			Address: addr.AddrSpec(),
			Status:  models.StatusUnknown,
		})
	}

	var responses []sendResponse
	if err := json.Unmarshal(resp.Body, &responses); err != nil {
		var single sendResponse
		if err := json.Unmarshal(resp.Body, &single); err != nil {
			return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
				Reason: "invalid response format"}
		}
		responses = []sendResponse{single}
	}

	for _, one := range responses {
		switch one.ErrorCode {
		case 0:
			// Accepted, possibly minus inactive recipients named in Message.
			sent, err := models.ParseAddressList(one.To)
			if err != nil {
				return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
					Reason: "unparseable To in response"}
			}
			for _, addr := range sent {
				status.SetRecipient(addr.AddrSpec(), models.RecipientStatus{
					Address:   addr.AddrSpec(),
					Status:    models.StatusSent,
					MessageID: one.MessageID,
				})
			}
			for _, spec := range addrSpecsFromError(one.Message, inactiveAddrsRe) {
				status.SetRecipient(spec, models.RecipientStatus{Address: spec, Status: models.StatusRejected})
			}
		case 300:
			// Invalid request: a bad From is a hard error, bad recipients are
			// per-recipient invalid.
			if strings.Contains(one.Message, "'From' address") {
				return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
					Reason: one.Message}
			}
			for _, spec := range addrSpecsFromError(one.Message, invalidAddrRe) {
				status.SetRecipient(spec, models.RecipientStatus{Address: spec, Status: models.StatusInvalid})
			}
		case 406:
			// Every recipient inactive; nothing was sent.
			for _, spec := range addrSpecsFromError(one.Message, inactiveAddrsRe) {
				status.SetRecipient(spec, models.RecipientStatus{Address: spec, Status: models.StatusRejected})
			}
		default:
			return nil, &common.APIError{ESPName: espName, StatusCode: resp.StatusCode, Body: resp.Body,
				Reason: fmt.Sprintf("error code %d: %s", one.ErrorCode, one.Message)}
		}
	}
	return status, nil
}

func addrSpecsFromError(message string, re *regexp.Regexp) []string {
	match := re.FindStringSubmatch(message)
	if match == nil {
		return nil
	}
	parts := strings.Split(match[1], ",")
	specs := make([]string, 0, len(parts))
	for _, part := range parts {
		if spec := strings.ToLower(strings.TrimSpace(part)); spec != "" {
			specs = append(specs, spec)
		}
	}
	return specs
}

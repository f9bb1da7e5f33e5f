package postmark

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/esp/common"
	"github.com/example/esp-gateway/internal/models"
)

func newBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	b, err := New("server-token", zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func baseMessage() *models.Message {
	return &models.Message{
		From:     models.EmailAddress{Addr: "sender@example.com"},
		To:       []models.EmailAddress{{Addr: "to@example.com"}},
		Subject:  "Hello",
		TextBody: "plain",
	}
}

func decodeObject(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		t.Fatalf("unparseable payload: %v", err)
	}
	return data
}

func TestBuildRequestPlain(t *testing.T) {
	b := newBackend(t)
	msg := baseMessage()
	msg.Tags = []string{"welcome"}
	msg.Metadata = map[string]any{"order": "123"}
	clicks := false
	msg.TrackClicks = &clicks

	req, err := b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL != DefaultAPIBaseURL+"/email" {
		t.Fatalf("unexpected endpoint %q", req.URL)
	}
	if req.Header.Get("X-Postmark-Server-Token") != "server-token" {
		t.Fatalf("unexpected token header %q", req.Header.Get("X-Postmark-Server-Token"))
	}

	data := decodeObject(t, req.Body)
	if data["From"] != "sender@example.com" || data["To"] != "to@example.com" {
		t.Fatalf("unexpected addresses %v", data)
	}
	if data["Tag"] != "welcome" {
		t.Fatalf("expected first tag only, got %v", data["Tag"])
	}
	if data["TrackLinks"] != "None" {
		t.Fatalf("unexpected TrackLinks %v", data["TrackLinks"])
	}
	meta, _ := data["Metadata"].(map[string]any)
	if meta["order"] != "123" {
		t.Fatalf("unexpected metadata %v", data["Metadata"])
	}
}

func TestBuildRequestBatch(t *testing.T) {
	b := newBackend(t)
	msg := baseMessage()
	msg.To = []models.EmailAddress{{Addr: "alice@example.com"}, {Addr: "bob@example.com"}}
	msg.MergeData = map[string]map[string]any{"alice@example.com": {"name": "Alice"}}
	msg.MergeGlobalData = map[string]any{"company": "Acme"}

	req, err := b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Merge data implies templates, so the batch goes through the templated
	// batch endpoint.
	if req.URL != DefaultAPIBaseURL+"/email/batchWithTemplates" {
		t.Fatalf("unexpected endpoint %q", req.URL)
	}
	var wrapper struct {
		Messages []map[string]any `json:"Messages"`
	}
	if err := json.Unmarshal(req.Body, &wrapper); err != nil {
		t.Fatalf("unparseable payload: %v", err)
	}
	if len(wrapper.Messages) != 2 {
		t.Fatalf("expected one payload per recipient, got %d", len(wrapper.Messages))
	}
	first := wrapper.Messages[0]
	if first["To"] != "alice@example.com" {
		t.Fatalf("unexpected first recipient %v", first["To"])
	}
	model, _ := first["TemplateModel"].(map[string]any)
	if model["name"] != "Alice" || model["company"] != "Acme" {
		t.Fatalf("unexpected merged model %v", model)
	}
}

func TestBuildRequestBatchWithoutTemplate(t *testing.T) {
	b := newBackend(t)
	msg := baseMessage()
	// Empty merge data still demands batch shape, even for one recipient.
	msg.MergeData = map[string]map[string]any{}

	req, err := b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL != DefaultAPIBaseURL+"/email/batch" {
		t.Fatalf("unexpected endpoint %q", req.URL)
	}
	var payloads []map[string]any
	if err := json.Unmarshal(req.Body, &payloads); err != nil {
		t.Fatalf("expected array payload: %v", err)
	}
	if len(payloads) != 1 || payloads[0]["To"] != "to@example.com" {
		t.Fatalf("unexpected batch payload %v", payloads)
	}
}

func TestBuildRequestTemplated(t *testing.T) {
	b := newBackend(t)
	msg := baseMessage()
	msg.TemplateID = "1234"
	msg.MergeGlobalData = map[string]any{"company": "Acme"}

	req, err := b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL != DefaultAPIBaseURL+"/email/withTemplate/" {
		t.Fatalf("unexpected endpoint %q", req.URL)
	}
	data := decodeObject(t, req.Body)
	if data["TemplateId"] != float64(1234) {
		t.Fatalf("expected numeric template id, got %v", data["TemplateId"])
	}

	msg.TemplateID = "welcome-note"
	req, err = b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data = decodeObject(t, req.Body)
	if data["TemplateAlias"] != "welcome-note" {
		t.Fatalf("expected template alias, got %v", data["TemplateAlias"])
	}
}

func TestBuildRequestAttachments(t *testing.T) {
	b := newBackend(t)
	msg := baseMessage()
	msg.Attachments = []models.Attachment{
		{Filename: "logo.png", ContentType: "image/png", Content: []byte{1, 2}, Inline: true, ContentID: "logo"},
	}

	req, err := b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := decodeObject(t, req.Body)
	attachments, _ := data["Attachments"].([]any)
	if len(attachments) != 1 {
		t.Fatalf("expected one attachment, got %v", data["Attachments"])
	}
	att, _ := attachments[0].(map[string]any)
	if att["ContentID"] != "cid:logo" {
		t.Fatalf("expected cid prefix, got %v", att["ContentID"])
	}
}

func TestBuildRequestServerTokenOverride(t *testing.T) {
	b := newBackend(t)
	msg := baseMessage()
	msg.ESPExtra = map[string]any{"server_token": "other-token", "MessageStream": "outbound"}

	req, err := b.BuildRequest(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Header.Get("X-Postmark-Server-Token") != "other-token" {
		t.Fatalf("expected token override, got %q", req.Header.Get("X-Postmark-Server-Token"))
	}
	data := decodeObject(t, req.Body)
	if data["MessageStream"] != "outbound" {
		t.Fatalf("expected extra merged into payload, got %v", data)
	}
	if _, leaked := data["server_token"]; leaked {
		t.Fatalf("server_token must not leak into the payload")
	}
}

func TestAcceptsStatus(t *testing.T) {
	b := newBackend(t)
	if !b.AcceptsStatus(422) {
		t.Fatalf("422 must be accepted for parsing")
	}
	if b.AcceptsStatus(500) {
		t.Fatalf("500 must not be accepted")
	}
}

func TestParseResponseSent(t *testing.T) {
	b := newBackend(t)
	req := &common.Request{Recipients: []models.EmailAddress{{Addr: "to@example.com"}}}
	resp := &common.Response{StatusCode: 200, Body: []byte(`{"ErrorCode":0,"Message":"OK","To":"to@example.com","MessageID":"pm-1"}`)}

	status, err := b.ParseResponse(req, resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rs := status.Recipients["to@example.com"]
	if rs.Status != models.StatusSent || rs.MessageID != "pm-1" {
		t.Fatalf("unexpected status %+v", rs)
	}
}

func TestParseResponseInactiveRecipients(t *testing.T) {
	b := newBackend(t)
	req := &common.Request{Recipients: []models.EmailAddress{
		{Addr: "good@example.com"}, {Addr: "inactive@example.com"},
	}}
	message := "Message OK, but will not deliver to these inactive addresses: inactive@example.com. Inactive recipients are ones that have generated a hard bounce or a spam complaint."
	body, _ := json.Marshal(map[string]any{
		"ErrorCode": 0, "Message": message, "To": "good@example.com", "MessageID": "pm-2",
	})

	status, err := b.ParseResponse(req, &common.Response{StatusCode: 200, Body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Recipients["good@example.com"].Status != models.StatusSent {
		t.Fatalf("unexpected good status %+v", status.Recipients["good@example.com"])
	}
	if status.Recipients["inactive@example.com"].Status != models.StatusRejected {
		t.Fatalf("unexpected inactive status %+v", status.Recipients["inactive@example.com"])
	}
}

func TestParseResponseInvalidRecipient(t *testing.T) {
	b := newBackend(t)
	req := &common.Request{Recipients: []models.EmailAddress{{Addr: "bad@example"}}}
	resp := &common.Response{StatusCode: 422,
		Body: []byte(`{"ErrorCode":300,"Message":"Error parsing 'To': Illegal email address 'bad@example'"}`)}

	status, err := b.ParseResponse(req, resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Recipients["bad@example"].Status != models.StatusInvalid {
		t.Fatalf("unexpected status %+v", status.Recipients["bad@example"])
	}
}

func TestParseResponseBadFrom(t *testing.T) {
	b := newBackend(t)
	req := &common.Request{Recipients: []models.EmailAddress{{Addr: "to@example.com"}}}
	resp := &common.Response{StatusCode: 422,
		Body: []byte(`{"ErrorCode":300,"Message":"Invalid 'From' address: 'nobody'."}`)}

	_, err := b.ParseResponse(req, resp)
	if !errors.Is(err, common.ErrAPI) {
		t.Fatalf("a bad From is a hard error, got %v", err)
	}
}

func TestParseResponseAllInactive(t *testing.T) {
	b := newBackend(t)
	req := &common.Request{Recipients: []models.EmailAddress{{Addr: "inactive@example.com"}}}
	message := "You tried to send to recipients that have been marked as inactive. Found inactive addresses: inactive@example.com. Inactive recipients are ones that have generated a hard bounce or a spam complaint."
	body, _ := json.Marshal(map[string]any{"ErrorCode": 406, "Message": message})

	status, err := b.ParseResponse(req, &common.Response{StatusCode: 422, Body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Recipients["inactive@example.com"].Status != models.StatusRejected {
		t.Fatalf("unexpected status %+v", status.Recipients["inactive@example.com"])
	}
	if !status.AllRefused() {
		t.Fatalf("expected all recipients refused")
	}
}

func TestParseResponseUnknownErrorCode(t *testing.T) {
	b := newBackend(t)
	req := &common.Request{Recipients: []models.EmailAddress{{Addr: "to@example.com"}}}
	resp := &common.Response{StatusCode: 422, Body: []byte(`{"ErrorCode":10,"Message":"bad token"}`)}

	_, err := b.ParseResponse(req, resp)
	if !errors.Is(err, common.ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Reason, "bad token") {
		t.Fatalf("unexpected error detail: %v", err)
	}
}

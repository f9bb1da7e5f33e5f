package mailgun

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/esp-gateway/internal/inbound"
	"github.com/example/esp-gateway/internal/models"
	"github.com/example/esp-gateway/internal/webhooks"
)

// Receiver normalizes Mailgun tracking and inbound webhook calls. Tracking
// calls carry a JSON envelope with a signature block; inbound route calls are
// form posts carrying the same timestamp/token/signature triple as fields.
type Receiver struct {
	signingKey string
}

// NewReceiver constructs a Receiver. An empty signing key leaves the
// signature gate open.
func NewReceiver(signingKey string) *Receiver {
	return &Receiver{signingKey: signingKey}
}

// ESPName identifies this receiver.
func (r *Receiver) ESPName() string { return espName }

// VerifySignature checks the HMAC-SHA256 over timestamp+token that Mailgun
// attaches to every call.
func (r *Receiver) VerifySignature(req *webhooks.Request) error {
	if r.signingKey == "" {
		return nil
	}

	timestamp := req.FormValue("timestamp")
	token := req.FormValue("token")
	signature := req.FormValue("signature")
	if timestamp == "" {
		var payload struct {
			Signature struct {
				Timestamp string `json:"timestamp"`
				Token     string `json:"token"`
				Signature string `json:"signature"`
			} `json:"signature"`
		}
		if err := json.Unmarshal(req.Body, &payload); err != nil {
			return &webhooks.ValidationError{ESPName: espName, Reason: "missing signature block", StatusCode: 400}
		}
		timestamp = payload.Signature.Timestamp
		token = payload.Signature.Token
		signature = payload.Signature.Signature
	}
	if timestamp == "" || token == "" || signature == "" {
		return &webhooks.ValidationError{ESPName: espName, Reason: "incomplete signature block", StatusCode: 400}
	}

	mac := hmac.New(sha256.New, []byte(r.signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &webhooks.ValidationError{ESPName: espName, Reason: "signature mismatch", StatusCode: 400}
	}
	return nil
}

type trackingPayload struct {
	EventData struct {
		Event     string  `json:"event"`
		ID        string  `json:"id"`
		Timestamp float64 `json:"timestamp"`
		Recipient string  `json:"recipient"`
		Severity  string  `json:"severity"`
		Reason    string  `json:"reason"`
		URL       string  `json:"url"`
		Tags      []string
		UserVars  map[string]any `json:"user-variables"`
		Message   struct {
			Headers map[string]string `json:"headers"`
		} `json:"message"`
		DeliveryStatus struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		} `json:"delivery-status"`
		ClientInfo struct {
			UserAgent string `json:"user-agent"`
		} `json:"client-info"`
	} `json:"event-data"`
}

var eventTypes = map[string]string{
	"accepted":     models.EventQueued,
	"rejected":     models.EventRejected,
	"delivered":    models.EventDelivered,
	"failed":       models.EventBounced,
	"opened":       models.EventOpened,
	"clicked":      models.EventClicked,
	"complained":   models.EventComplained,
	"unsubscribed": models.EventUnsubscribed,
}

var rejectReasons = map[string]string{
	"bounce":               models.RejectBounced,
	"suppress-bounce":      models.RejectBounced,
	"suppress-complaint":   models.RejectSpam,
	"suppress-unsubscribe": models.RejectUnsubscribed,
	"generic":              models.RejectOther,
}

// ParseTrackingEvents normalizes one tracking call. Mailgun delivers one
// event per call in the JSON webhook format.
func (r *Receiver) ParseTrackingEvents(req *webhooks.Request) ([]models.TrackingEvent, error) {
	var payload trackingPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "invalid json payload", StatusCode: 400}
	}
	data := payload.EventData
	if data.Event == "" {
		return nil, &webhooks.ValidationError{ESPName: espName, Reason: "missing event-data", StatusCode: 400}
	}

	eventType, ok := eventTypes[data.Event]
	if !ok {
		eventType = models.EventUnknown
	}
	// Temporary failures are deferred retries, not bounces.
	if data.Event == "failed" && data.Severity == "temporary" {
		eventType = models.EventDeferred
	}

	event := models.TrackingEvent{
		Type:        eventType,
		Timestamp:   unixFloat(data.Timestamp),
		Recipient:   strings.ToLower(data.Recipient),
		MessageID:   data.Message.Headers["message-id"],
		EventID:     data.ID,
		MTAResponse: data.DeliveryStatus.Message,
		Tags:        data.Tags,
		Metadata:    data.UserVars,
		ClickURL:    data.URL,
		UserAgent:   data.ClientInfo.UserAgent,
		ESPName:     espName,
		Raw:         json.RawMessage(req.Body),
	}
	if event.MTAResponse == "" {
		event.MTAResponse = data.DeliveryStatus.Description
	}
	if eventType == models.EventRejected || eventType == models.EventBounced || eventType == models.EventFailed {
		if reason, ok := rejectReasons[data.Reason]; ok {
			event.RejectReason = reason
		} else if data.Reason != "" {
			event.RejectReason = models.RejectOther
		}
	}
	return []models.TrackingEvent{event}, nil
}

// ParseInbound normalizes one inbound route call. The raw MIME field is
// preferred when the route forwards it; the structured fields can drop
// attachments with unusual filenames.
func (r *Receiver) ParseInbound(req *webhooks.Request) (*models.InboundEvent, error) {
	var msg *models.InboundMessage
	var err error
	if raw := req.FormValue("body-mime"); raw != "" {
		msg, err = inbound.ParseMIME([]byte(raw))
		if err != nil {
			return nil, &webhooks.ValidationError{ESPName: espName, Reason: err.Error(), StatusCode: 400}
		}
	} else {
		msg, err = r.parseStructuredInbound(req)
		if err != nil {
			return nil, err
		}
	}

	msg.EnvelopeSender = req.FormValue("sender")
	msg.EnvelopeRecipient = req.FormValue("recipient")
	applySpamHeaders(msg)

	event := &models.InboundEvent{
		EventID: req.FormValue("token"),
		ESPName: espName,
		Message: msg,
		Raw:     req.Form,
	}
	if ts, err := strconv.ParseFloat(req.FormValue("timestamp"), 64); err == nil {
		event.Timestamp = unixFloat(ts)
	}
	return event, nil
}

func (r *Receiver) parseStructuredInbound(req *webhooks.Request) (*models.InboundMessage, error) {
	msg := &models.InboundMessage{
		Subject:      req.FormValue("subject"),
		Text:         req.FormValue("body-plain"),
		HTML:         req.FormValue("body-html"),
		StrippedText: req.FormValue("stripped-text"),
		StrippedHTML: req.FormValue("stripped-html"),
	}

	if from, err := models.ParseAddress(req.FormValue("from")); err == nil {
		msg.From = from
	}
	if to, err := models.ParseAddressList(req.FormValue("To")); err == nil {
		msg.To = to
	}
	if cc, err := models.ParseAddressList(req.FormValue("Cc")); err == nil {
		msg.CC = cc
	}

	// message-headers is a JSON array of [name, value] pairs.
	var headerPairs [][2]string
	if raw := req.FormValue("message-headers"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headerPairs); err == nil {
			for _, pair := range headerPairs {
				if _, exists := msg.Headers.Get(pair[0]); !exists {
					msg.Headers.Set(pair[0], pair[1])
				}
			}
		}
	}
	msg.MessageID = strings.Trim(req.FormValue("Message-Id"), "<>")
	if msg.MessageID == "" {
		if id, ok := msg.Headers.Get("Message-Id"); ok {
			msg.MessageID = strings.Trim(id, "<>")
		}
	}
	if date, ok := msg.Headers.Get("Date"); ok {
		if parsed, err := time.Parse(time.RFC1123Z, date); err == nil {
			msg.Date = parsed
		}
	}

	// content-id-map identifies which attachment fields are inline parts.
	inlineFields := map[string]string{}
	if raw := req.FormValue("content-id-map"); raw != "" {
		var cidMap map[string]string
		if err := json.Unmarshal([]byte(raw), &cidMap); err == nil {
			for cid, field := range cidMap {
				inlineFields[field] = strings.Trim(cid, "<>")
			}
		}
	}

	count, _ := strconv.Atoi(req.FormValue("attachment-count"))
	for i := 1; i <= count; i++ {
		field := fmt.Sprintf("attachment-%d", i)
		files := req.Files[field]
		if len(files) == 0 {
			continue
		}
		content, err := req.FileContent(files[0])
		if err != nil {
			return nil, &webhooks.ValidationError{ESPName: espName, Reason: "unreadable attachment " + field, StatusCode: 400}
		}
		cid, isInline := inlineFields[field]
		msg.Attachments = append(msg.Attachments, models.InboundAttachment{
			Filename:    files[0].Filename,
			ContentType: files[0].Header.Get("Content-Type"),
			Content:     content,
			Inline:      isInline,
			ContentID:   cid,
		})
	}
	return msg, nil
}

func applySpamHeaders(msg *models.InboundMessage) {
	if flag, ok := msg.Headers.Get("X-Mailgun-Sflag"); ok {
		detected := strings.EqualFold(flag, "yes")
		msg.SpamDetected = &detected
	}
	if score, ok := msg.Headers.Get("X-Mailgun-Sscore"); ok {
		if parsed, err := strconv.ParseFloat(score, 64); err == nil {
			msg.SpamScore = parsed
		}
	}
}

func unixFloat(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

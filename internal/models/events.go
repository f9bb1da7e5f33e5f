package models

import "time"

// Normalized tracking event types. Providers deliver these out of order
// (a delivered may arrive before its queued); consumers must not assume
// temporal ordering.
const (
	EventQueued        = "queued"
	EventSent          = "sent"
	EventRejected      = "rejected"
	EventFailed        = "failed"
	EventBounced       = "bounced"
	EventDeferred      = "deferred"
	EventDelivered     = "delivered"
	EventAutoresponded = "autoresponded"
	EventOpened        = "opened"
	EventClicked       = "clicked"
	EventComplained    = "complained"
	EventUnsubscribed  = "unsubscribed"
	EventSubscribed    = "subscribed"
	EventInbound       = "inbound"
	EventUnknown       = "unknown"
)

// Normalized reject reasons attached to rejected/bounced/failed events.
const (
	RejectInvalid      = "invalid"
	RejectRejected     = "rejected"
	RejectBounced      = "bounced"
	RejectTimedOut     = "timed_out"
	RejectBlocked      = "blocked"
	RejectSpam         = "spam"
	RejectUnsubscribed = "unsubscribed"
	RejectOther        = "other"
)

// TrackingEvent is one normalized delivery or engagement event parsed from a
// provider webhook. EventID deduplicates retried webhook deliveries; it is
// provider-specific and not unique across providers.
type TrackingEvent struct {
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	Recipient    string         `json:"recipient,omitempty"`
	MessageID    string         `json:"message_id,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	RejectReason string         `json:"reject_reason,omitempty"`
	MTAResponse  string         `json:"mta_response,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ClickURL     string         `json:"click_url,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	ESPName      string         `json:"esp_name"`
	Raw          any            `json:"-"`
}

// InboundEvent wraps one received email message parsed from an inbound
// webhook. Constructed once per webhook call and discarded after dispatch.
type InboundEvent struct {
	Timestamp time.Time
	EventID   string
	ESPName   string
	Message   *InboundMessage
	Raw       any
}

package models

import "time"

// InboundAttachment is one attachment from a received message.
type InboundAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Inline      bool
	ContentID   string
}

// InboundMessage is a parsed received email: envelope information plus the
// flattened MIME tree. Stateless: built per webhook call, dropped after
// dispatch.
type InboundMessage struct {
	// Envelope addresses, when the provider reports them. These can differ
	// from the From/To headers.
	EnvelopeSender    string
	EnvelopeRecipient string

	From    EmailAddress
	To      []EmailAddress
	CC      []EmailAddress
	ReplyTo []EmailAddress

	Subject   string
	Date      time.Time
	MessageID string

	Text string
	HTML string

	// Stripped bodies with quoted replies removed, where the provider
	// supplies them.
	StrippedText string
	StrippedHTML string

	SpamDetected *bool
	SpamScore    float64

	Headers     Headers
	Attachments []InboundAttachment
}

// InlineAttachments returns the attachments referenced by Content-ID, keyed
// by cid (without angle brackets).
func (m *InboundMessage) InlineAttachments() map[string]InboundAttachment {
	out := make(map[string]InboundAttachment)
	for _, att := range m.Attachments {
		if att.Inline && att.ContentID != "" {
			out[att.ContentID] = att
		}
	}
	return out
}

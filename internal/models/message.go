package models

import (
	"mime"
	"strings"
	"time"
)

// DefaultAttachmentMIMEType is used when an attachment carries no content
// type and none can be guessed from its filename.
const DefaultAttachmentMIMEType = "application/octet-stream"

// Attachment is a normalized message attachment. Inline attachments are
// referenced from HTML bodies by their ContentID (without angle brackets).
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Inline      bool
	ContentID   string
}

// MIMEType returns the declared content type, guessing from the filename
// when absent.
func (a Attachment) MIMEType() string {
	if a.ContentType != "" {
		return a.ContentType
	}
	if dot := strings.LastIndex(a.Filename, "."); dot >= 0 {
		if guessed := mime.TypeByExtension(a.Filename[dot:]); guessed != "" {
			return guessed
		}
	}
	return DefaultAttachmentMIMEType
}

// Message is the canonical, provider-agnostic outbound email. A Message is
// treated as immutable for the duration of a send call; senders that need to
// adjust it (feature enforcement, defaults) work on a copy.
type Message struct {
	From    EmailAddress
	To      []EmailAddress
	CC      []EmailAddress
	BCC     []EmailAddress
	ReplyTo []EmailAddress

	Subject  string
	TextBody string
	HTMLBody string
	AMPHTML  string

	Attachments  []Attachment
	ExtraHeaders Headers

	// Metadata values must be JSON scalars (string, number, bool, nil).
	Metadata map[string]any
	Tags     []string

	// Tri-state tracking flags: nil means "provider default".
	TrackOpens  *bool
	TrackClicks *bool

	SendAt     *time.Time
	TemplateID string

	// MergeData is keyed by recipient addr-spec (bare address, lowercased).
	// Its presence, even empty, switches the send into batch shape.
	MergeData       map[string]map[string]any
	MergeGlobalData map[string]any
	MergeMetadata   map[string]map[string]any

	EnvelopeSender string

	// ESPExtra is deep-merged over the computed provider payload as the very
	// last build step; on key conflict ESPExtra wins.
	ESPExtra map[string]any
}

// Recipients returns to+cc+bcc in order.
func (m *Message) Recipients() []EmailAddress {
	out := make([]EmailAddress, 0, len(m.To)+len(m.CC)+len(m.BCC))
	out = append(out, m.To...)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// IsBatch reports whether the message must be sent as isolated per-recipient
// personalizations. MergeData present - even empty - demands batch shape.
func (m *Message) IsBatch() bool {
	return m.MergeData != nil
}

// MergeDataFor resolves the substitution map for one recipient: global data
// overlaid by the recipient's own entry (recipient keys win).
func (m *Message) MergeDataFor(addrSpec string) map[string]any {
	if len(m.MergeGlobalData) == 0 && m.MergeData == nil {
		return nil
	}
	out := make(map[string]any, len(m.MergeGlobalData))
	for key, value := range m.MergeGlobalData {
		out[key] = value
	}
	for key, value := range m.MergeData[strings.ToLower(addrSpec)] {
		out[key] = value
	}
	return out
}

// Clone returns a copy sharing no mutable state with the original, used by
// the enforcement layer so the caller's Message stays untouched.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.To = append([]EmailAddress(nil), m.To...)
	clone.CC = append([]EmailAddress(nil), m.CC...)
	clone.BCC = append([]EmailAddress(nil), m.BCC...)
	clone.ReplyTo = append([]EmailAddress(nil), m.ReplyTo...)
	clone.Attachments = append([]Attachment(nil), m.Attachments...)
	clone.Tags = append([]string(nil), m.Tags...)
	clone.ExtraHeaders = m.ExtraHeaders.Clone()
	clone.Metadata = cloneAnyMap(m.Metadata)
	clone.MergeGlobalData = cloneAnyMap(m.MergeGlobalData)
	clone.MergeData = cloneNestedMap(m.MergeData)
	clone.MergeMetadata = cloneNestedMap(m.MergeMetadata)
	clone.ESPExtra = cloneAnyMap(m.ESPExtra)
	if m.TrackOpens != nil {
		v := *m.TrackOpens
		clone.TrackOpens = &v
	}
	if m.TrackClicks != nil {
		v := *m.TrackClicks
		clone.TrackClicks = &v
	}
	if m.SendAt != nil {
		v := *m.SendAt
		clone.SendAt = &v
	}
	return &clone
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for key, value := range src {
		out[key] = value
	}
	return out
}

func cloneNestedMap(src map[string]map[string]any) map[string]map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(src))
	for key, value := range src {
		out[key] = cloneAnyMap(value)
	}
	return out
}

// SendDefaults are global default message options merged into every outgoing
// message before capability checks run. Mappings and sequences are combined
// with the message value winning on conflicts; scalar options apply only when
// the message leaves them unset.
type SendDefaults struct {
	Metadata    map[string]any
	Tags        []string
	TrackOpens  *bool
	TrackClicks *bool
	ESPExtra    map[string]any
}

// ApplyDefaults returns a copy of msg with defaults merged in. The original
// message is never modified.
func ApplyDefaults(msg *Message, defaults *SendDefaults) *Message {
	if defaults == nil {
		return msg
	}
	out := msg.Clone()

	if len(defaults.Metadata) > 0 {
		merged := cloneAnyMap(defaults.Metadata)
		for key, value := range out.Metadata {
			merged[key] = value
		}
		out.Metadata = merged
	}
	if len(defaults.Tags) > 0 {
		out.Tags = append(append([]string(nil), defaults.Tags...), out.Tags...)
	}
	if out.TrackOpens == nil && defaults.TrackOpens != nil {
		v := *defaults.TrackOpens
		out.TrackOpens = &v
	}
	if out.TrackClicks == nil && defaults.TrackClicks != nil {
		v := *defaults.TrackClicks
		out.TrackClicks = &v
	}
	if len(defaults.ESPExtra) > 0 {
		merged := cloneAnyMap(defaults.ESPExtra)
		for key, value := range out.ESPExtra {
			merged[key] = value
		}
		out.ESPExtra = merged
	}
	return out
}

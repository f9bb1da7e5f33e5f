package models

import "sort"

// Per-recipient send status values.
const (
	StatusSent     = "sent"
	StatusQueued   = "queued"
	StatusInvalid  = "invalid"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
	StatusUnknown  = "unknown"
)

// RecipientStatus reports what the provider said about one recipient.
type RecipientStatus struct {
	Address   string `json:"address"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

// SendStatus is the normalized result of one send call. It is created once
// per call and owned by the caller.
type SendStatus struct {
	ESPName string `json:"esp_name"`
	// Recipients is keyed by addr-spec (bare lowercased address).
	Recipients  map[string]RecipientStatus `json:"recipients"`
	RawResponse []byte                     `json:"-"`
}

// NewSendStatus builds an empty SendStatus for the named provider.
func NewSendStatus(espName string) *SendStatus {
	return &SendStatus{
		ESPName:    espName,
		Recipients: make(map[string]RecipientStatus),
	}
}

// SetRecipient records the status for one recipient.
func (s *SendStatus) SetRecipient(addrSpec string, status RecipientStatus) {
	if s.Recipients == nil {
		s.Recipients = make(map[string]RecipientStatus)
	}
	s.Recipients[addrSpec] = status
}

// MessageIDs returns the distinct message ids assigned by the provider,
// sorted. Some providers assign one id per recipient, others one per call.
func (s *SendStatus) MessageIDs() []string {
	seen := make(map[string]struct{})
	for _, rs := range s.Recipients {
		if rs.MessageID != "" {
			seen[rs.MessageID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MessageID returns the single message id when the provider assigned exactly
// one, otherwise "".
func (s *SendStatus) MessageID() string {
	ids := s.MessageIDs()
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}

// AllRefused reports whether every recipient ended up invalid or rejected.
// False for an empty status.
func (s *SendStatus) AllRefused() bool {
	if len(s.Recipients) == 0 {
		return false
	}
	for _, rs := range s.Recipients {
		if rs.Status != StatusInvalid && rs.Status != StatusRejected {
			return false
		}
	}
	return true
}

package common

import (
	"fmt"

	"github.com/example/esp-gateway/internal/capability"
	"github.com/example/esp-gateway/internal/models"
)

// featureUse ties a capability feature to how it is read from, and pruned
// off, a Message.
type featureUse struct {
	feature capability.Feature
	used    func(*models.Message) bool
	count   func(*models.Message) int       // 0 when the feature has no cap semantics
	drop    func(*models.Message)           // lenient mode: remove from payload
	trim    func(*models.Message, int) bool // lenient mode: cap to n; false if not trimmable
}

var featureUses = []featureUse{
	{
		feature: capability.Metadata,
		used:    func(m *models.Message) bool { return len(m.Metadata) > 0 },
		drop:    func(m *models.Message) { m.Metadata = nil },
	},
	{
		feature: capability.MergeMetadata,
		used:    func(m *models.Message) bool { return len(m.MergeMetadata) > 0 },
		drop:    func(m *models.Message) { m.MergeMetadata = nil },
	},
	{
		feature: capability.Tags,
		used:    func(m *models.Message) bool { return len(m.Tags) > 0 },
		count:   func(m *models.Message) int { return len(m.Tags) },
		drop:    func(m *models.Message) { m.Tags = nil },
		trim: func(m *models.Message, n int) bool {
			m.Tags = m.Tags[:n]
			return true
		},
	},
	{
		feature: capability.SendAt,
		used:    func(m *models.Message) bool { return m.SendAt != nil },
		drop:    func(m *models.Message) { m.SendAt = nil },
	},
	{
		feature: capability.TrackOpens,
		used:    func(m *models.Message) bool { return m.TrackOpens != nil },
		drop:    func(m *models.Message) { m.TrackOpens = nil },
	},
	{
		feature: capability.TrackClicks,
		used:    func(m *models.Message) bool { return m.TrackClicks != nil },
		drop:    func(m *models.Message) { m.TrackClicks = nil },
	},
	{
		feature: capability.TemplateID,
		used:    func(m *models.Message) bool { return m.TemplateID != "" },
		drop:    func(m *models.Message) { m.TemplateID = "" },
	},
	{
		feature: capability.MergeData,
		used:    func(m *models.Message) bool { return m.MergeData != nil },
		drop:    func(m *models.Message) { m.MergeData = nil },
	},
	{
		feature: capability.MergeGlobalData,
		used:    func(m *models.Message) bool { return len(m.MergeGlobalData) > 0 },
		drop:    func(m *models.Message) { m.MergeGlobalData = nil },
	},
	{
		feature: capability.EnvelopeSender,
		used:    func(m *models.Message) bool { return m.EnvelopeSender != "" },
		drop:    func(m *models.Message) { m.EnvelopeSender = "" },
	},
	{
		feature: capability.InlineImages,
		used: func(m *models.Message) bool {
			for _, att := range m.Attachments {
				if att.Inline {
					return true
				}
			}
			return false
		},
		drop: func(m *models.Message) {
			kept := m.Attachments[:0]
			for _, att := range m.Attachments {
				if !att.Inline {
					kept = append(kept, att)
				}
			}
			m.Attachments = kept
		},
	},
	{
		feature: capability.AMPHTML,
		used:    func(m *models.Message) bool { return m.AMPHTML != "" },
		drop:    func(m *models.Message) { m.AMPHTML = "" },
	},
	{
		feature: capability.BatchSend,
		used:    func(m *models.Message) bool { return m.IsBatch() },
		drop:    func(m *models.Message) { m.MergeData = nil },
	},
}

// Enforce checks every feature the message actually uses against the
// registry for the named provider.
//
// Strict mode (lenient=false) fails with an UnsupportedFeatureError for
// unsupported features and for limited features whose cap is exceeded.
// Lenient mode silently drops unsupported features and truncates limited
// ones to their cap, deterministically by input order.
//
// The returned message is a copy; msg is never modified. Emulated features
// pass through untouched: the provider's payload builder synthesizes them.
func Enforce(msg *models.Message, espName string, reg *capability.Registry, lenient bool) (*models.Message, error) {
	out := msg.Clone()
	for _, fu := range featureUses {
		if !fu.used(out) {
			continue
		}
		support := reg.Support(espName, fu.feature)
		switch support.Level {
		case capability.Full, capability.Emulated:
			continue
		case capability.Limited:
			if fu.count == nil || fu.count(out) <= support.Limit {
				continue
			}
			if !lenient {
				return nil, Unsupported(espName, fu.feature,
					fmt.Sprintf("at most %d value(s), got %d", support.Limit, fu.count(out)))
			}
			if !fu.trim(out, support.Limit) {
				fu.drop(out)
			}
		case capability.Unsupported:
			if !lenient {
				return nil, Unsupported(espName, fu.feature, "")
			}
			fu.drop(out)
		}
	}
	return out, nil
}

// ValidateAddresses re-checks every address on the message. Struct-literal
// addresses never went through ParseAddress, so malformed addr-specs are
// caught here before any network I/O.
func ValidateAddresses(msg *models.Message) error {
	if err := msg.From.Validate(); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	for _, group := range []struct {
		name  string
		addrs []models.EmailAddress
	}{
		{"to", msg.To}, {"cc", msg.CC}, {"bcc", msg.BCC}, {"reply_to", msg.ReplyTo},
	} {
		for i, addr := range group.addrs {
			if err := addr.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", group.name, i, err)
			}
		}
	}
	return nil
}

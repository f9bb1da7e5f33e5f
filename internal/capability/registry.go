// Package capability holds the static per-provider table of which normalized
// message features each ESP can express, and at what fidelity.
package capability

// Feature identifies one normalized message feature.
type Feature string

// The fixed, enumerable feature set.
const (
	Metadata        Feature = "metadata"
	MergeMetadata   Feature = "merge_metadata"
	Tags            Feature = "tags"
	SendAt          Feature = "send_at"
	TrackOpens      Feature = "track_opens"
	TrackClicks     Feature = "track_clicks"
	TemplateID      Feature = "template_id"
	MergeData       Feature = "merge_data"
	MergeGlobalData Feature = "merge_global_data"
	EnvelopeSender  Feature = "envelope_sender"
	InlineImages    Feature = "inline_images"
	AMPHTML         Feature = "amp_html"
	BatchSend       Feature = "batch_send"
)

// Features lists every known feature.
var Features = []Feature{
	Metadata, MergeMetadata, Tags, SendAt, TrackOpens, TrackClicks,
	TemplateID, MergeData, MergeGlobalData, EnvelopeSender, InlineImages,
	AMPHTML, BatchSend,
}

// Level is the fidelity at which a provider supports a feature.
type Level int

const (
	// Unsupported features fail the send in strict mode.
	Unsupported Level = iota
	// Limited features carry a numeric cap (e.g. max 1 tag).
	Limited
	// Emulated features are synthesized by the payload builder.
	Emulated
	// Full features map directly onto a provider capability.
	Full
)

func (l Level) String() string {
	switch l {
	case Limited:
		return "limited"
	case Emulated:
		return "emulated"
	case Full:
		return "full"
	default:
		return "unsupported"
	}
}

// Support is a feature's support level for one provider. Limit is only
// meaningful for Limited.
type Support struct {
	Level Level
	Limit int
}

// Registry answers support_level(provider, feature) lookups. It is built once
// at process start and never mutated afterwards, so unsynchronized concurrent
// reads are safe.
type Registry struct {
	table map[string]map[Feature]Support
}

// Support returns the provider's support for feature. Unknown providers and
// unlisted features report Unsupported.
func (r *Registry) Support(espName string, feature Feature) Support {
	return r.table[espName][feature]
}

// Providers returns the names of all registered providers.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.table))
	for name := range r.table {
		names = append(names, name)
	}
	return names
}

func full() Support         { return Support{Level: Full} }
func emulated() Support     { return Support{Level: Emulated} }
func limited(n int) Support { return Support{Level: Limited, Limit: n} }

// New builds the built-in registry.
func New() *Registry {
	return &Registry{table: map[string]map[Feature]Support{
		"mailgun": {
			Metadata:        full(),
			MergeMetadata:   emulated(), // via recipient-variables
			Tags:            limited(3),
			SendAt:          full(),
			TrackOpens:      full(),
			TrackClicks:     full(),
			MergeData:       full(),
			MergeGlobalData: emulated(), // copied into each recipient's variables
			EnvelopeSender:  emulated(), // only the domain is used
			InlineImages:    full(),
			AMPHTML:         full(),
			BatchSend:       full(),
		},
		"postmark": {
			Metadata:        full(),
			Tags:            limited(1),
			TrackOpens:      full(),
			TrackClicks:     full(),
			TemplateID:      full(),
			MergeData:       full(),
			MergeGlobalData: full(), // TemplateModel
			InlineImages:    full(),
			BatchSend:       full(),
		},
		"mandrill": {
			Metadata:        full(),
			MergeMetadata:   full(), // recipient_metadata
			Tags:            full(),
			SendAt:          full(),
			TrackOpens:      full(),
			TrackClicks:     full(),
			TemplateID:      full(), // template_name
			MergeData:       full(), // merge_vars
			MergeGlobalData: full(), // global_merge_vars
			InlineImages:    full(),
			BatchSend:       full(),
		},
		"amazon-ses": {
			Metadata:       emulated(), // SES message tags
			Tags:           limited(1),
			EnvelopeSender: full(),
			InlineImages:   full(),
		},
		// mailjet is webhook-only in this build: no send features.
		"mailjet": {},
	}}
}

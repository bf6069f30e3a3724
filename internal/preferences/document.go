// Package preferences holds the user preference document: its known keys,
// read-time defaults, merge semantics and the storage codec.
package preferences

type DetailLevel string

const (
	DetailBrief         DetailLevel = "brief"
	DetailModerate      DetailLevel = "moderate"
	DetailDetailed      DetailLevel = "detailed"
	DetailComprehensive DetailLevel = "comprehensive"
)

const (
	KeyToneLevel          = "defaultToneLevel"
	KeyDetailLevel        = "defaultDetailLevel"
	KeyEmailNotifications = "emailNotifications"
	KeyWeeklyReports      = "weeklyReports"
	KeyUseTimePatterns    = "useTimePatterns"
)

const (
	MinToneLevel = 0
	MaxToneLevel = 100
)

var detailLevels = map[DetailLevel]struct{}{
	DetailBrief:         {},
	DetailModerate:      {},
	DetailDetailed:      {},
	DetailComprehensive: {},
}

// Document is an open JSON object. Known keys hold canonical Go values
// (int, string, bool); unknown keys are kept exactly as decoded.
type Document map[string]any

// Defaults returns the values every known key takes when the stored
// document does not carry a valid value for it.
func Defaults() Document {
	return Document{
		KeyToneLevel:          50,
		KeyDetailLevel:        string(DetailDetailed),
		KeyEmailNotifications: true,
		KeyWeeklyReports:      false,
		KeyUseTimePatterns:    false,
	}
}

// Clone returns a shallow copy. A nil document clones to an empty one.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for key, value := range d {
		out[key] = value
	}
	return out
}

// Merge returns base with every key of patch overwritten. Neither input is
// modified.
func Merge(base, patch Document) Document {
	out := base.Clone()
	for key, value := range patch {
		out[key] = value
	}
	return out
}

// Resolve overlays a stored document on the defaults. Known keys holding an
// invalid value fall back to their default; unknown keys pass through.
func Resolve(stored Document) Document {
	out := Defaults()
	for key, value := range stored {
		if !IsKnownKey(key) {
			out[key] = value
			continue
		}
		canonical, err := normalizeField(key, value)
		if err != nil {
			continue
		}
		out[key] = canonical
	}
	return out
}

func IsKnownKey(key string) bool {
	switch key {
	case KeyToneLevel, KeyDetailLevel, KeyEmailNotifications, KeyWeeklyReports, KeyUseTimePatterns:
		return true
	default:
		return false
	}
}

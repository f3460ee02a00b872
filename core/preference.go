package core

import (
	"context"
	"time"
)

// DefaultAutoApproveConfidence is the confidence a learned preference must
// reach before a checkpoint that references it is approved without pausing.
const DefaultAutoApproveConfidence = 0.9

// Preference is a learned user decision keyed by a stable preference name.
// Confidence grows as the user repeatedly resolves checkpoints the same way
// and decays when they diverge; UsageCount tracks how often the stored value
// was applied automatically.
type Preference struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
	UsageCount int         `json:"usage_count"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// PreferenceStore persists learned preferences per user. Implementations
// must clamp Confidence to [0, 1] on write.
type PreferenceStore interface {
	// GetPreference returns the stored preference or ErrPreferenceNotFound.
	GetPreference(ctx context.Context, userID, key string) (*Preference, error)

	// SetPreference stores or replaces a preference.
	SetPreference(ctx context.Context, userID string, pref *Preference) error

	// RecordUsage increments the usage counter after an automatic
	// application of the stored value.
	RecordUsage(ctx context.Context, userID, key string) error

	// ListPreferences returns every preference stored for the user.
	ListPreferences(ctx context.Context, userID string) ([]*Preference, error)

	// DeletePreference removes a preference. Deleting a missing key is not
	// an error.
	DeletePreference(ctx context.Context, userID, key string) error
}

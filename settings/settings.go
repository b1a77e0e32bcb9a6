package settings

import "time"

// Setting is a single persisted configuration entry. Keys are fully
// qualified (e.g. "providers.stripe.secret_key").
type Setting struct {
	Key         string `json:"key" gorm:"primaryKey"`
	Value       string `json:"value"`
	Type        string `json:"type"`
	Description string `json:"description"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeFunc is invoked with the old and new value when a watched key changes
type ChangeFunc func(key, oldValue, newValue string)

// change is the envelope published to Redis so sibling processes can re-fire
// their local watchers
type change struct {
	Origin   string `json:"origin"`
	Key      string `json:"key"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

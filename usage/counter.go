package usage

import (
	"time"

	"github.com/entitledhq/entitled/owner"
)

// Counter is a metered-usage ledger row. The (owner, metric, period, plan)
// tuple is unique; rows are created lazily on first increment and old-period
// rows are kept for historical reporting.
type Counter struct {
	ID           string `json:"id" gorm:"primaryKey"`
	OwnerType    string `json:"ownerType" gorm:"uniqueIndex:idx_usage_bucket"`
	OwnerID      string `json:"ownerId" gorm:"uniqueIndex:idx_usage_bucket"`
	Metric       string `json:"metric" gorm:"uniqueIndex:idx_usage_bucket"`
	PeriodKey    string `json:"periodKey" gorm:"uniqueIndex:idx_usage_bucket"`
	PlanID       string `json:"planId" gorm:"uniqueIndex:idx_usage_bucket"`
	CurrentValue int64  `json:"currentValue"`
	Limit        *int64 `json:"limit" gorm:"column:usage_limit"` // nil means unlimited

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName keeps the migrated table aligned with the raw upsert in Increment
func (Counter) TableName() string {
	return "usage_counters"
}

// OwnerRef returns the typed owner reference of this counter
func (c *Counter) OwnerRef() owner.Ref {
	return owner.Ref{
		Type: c.OwnerType,
		ID:   c.OwnerID,
	}
}

// AtLimit reports whether the counter reached its limit
func (c *Counter) AtLimit() bool {
	return c.Limit != nil && c.CurrentValue >= *c.Limit
}

// Remaining returns how much headroom is left, or nil when unlimited
func (c *Counter) Remaining() *int64 {
	if c.Limit == nil {
		return nil
	}
	remaining := *c.Limit - c.CurrentValue
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

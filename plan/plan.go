package plan

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Interval is the custom type to define the billing frequency of a Plan
type Interval string

// Defining the billing intervals for a Plan
const (
	IntervalMonthly  Interval = "monthly"
	IntervalYearly   Interval = "yearly"
	IntervalOneTime  Interval = "one_time"
	IntervalLifetime Interval = "lifetime"
)

// Checkout modes derived from the billing interval
const (
	ModeSubscription string = "subscription"
	ModePayment      string = "payment"
)

// CheckoutMode maps a billing interval to the external checkout mode.
// Recurring intervals become subscriptions, everything else is a one-shot payment.
func CheckoutMode(interval Interval) string {
	switch interval {
	case IntervalMonthly, IntervalYearly:
		return ModeSubscription
	default:
		return ModePayment
	}
}

// Features is a map of feature name to whether the Plan includes it
type Features map[string]bool

// The JSON map columns use value receivers on Value so the maps satisfy
// driver.Valuer when stored as struct fields
var (
	_ driver.Valuer = Features{}
	_ driver.Valuer = Limits{}
	_ driver.Valuer = Metadata{}
)

func (f *Features) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*f = make(Features)
		return nil
	}
	return json.Unmarshal(bytes, &f)
}

func (f Features) Value() (driver.Value, error) {
	return json.Marshal(f)
}

func (*Features) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

// LimitSpec describes how a metered metric is capped for a Plan.
// A nil Limit means unlimited; an empty Period means the counter never resets.
type LimitSpec struct {
	Limit  *int64 `json:"limit"`
	Period string `json:"period"`
}

// Limits is a map of metric name to its LimitSpec
type Limits map[string]LimitSpec

func (l *Limits) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*l = make(Limits)
		return nil
	}
	return json.Unmarshal(bytes, &l)
}

func (l Limits) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (*Limits) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

// Metadata holds integration bookkeeping for a Plan (e.g. the external
// price identifier under "stripe_price_id")
type Metadata map[string]string

func (m *Metadata) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("Failed to unmarshal jsonb value: %s", value)
	}
	if bytes == nil {
		*m = make(Metadata)
		return nil
	}
	return json.Unmarshal(bytes, &m)
}

func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (*Metadata) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

func jsonDataType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Plan describes a purchasable offering
type Plan struct {
	ID         string   `json:"id" gorm:"primaryKey"`
	Name       string   `json:"name" validate:"required"`
	Slug       string   `json:"slug" gorm:"uniqueIndex" validate:"required"`
	Interval   Interval `json:"interval" validate:"required,oneof=monthly yearly one_time lifetime"`
	PriceCents int64    `json:"priceCents" validate:"gte=0"`
	Currency   string   `json:"currency" validate:"required"`
	Features   Features `json:"features"`
	Limits     Limits   `json:"limits"`
	Metadata   Metadata `json:"metadata"`
	Active     bool     `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var slugRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateSlug checks that the slug only contains lowercase letters, digits,
// hyphens and underscores
func ValidateSlug(slug string) error {
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("invalid slug %q: only lowercase letters, digits, hyphen and underscore are allowed", slug)
	}
	return nil
}

package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entitledhq/entitled/owner"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions contains the configuration for the usage Manager.
// OnLimitReached, when set, fires exactly once per limit crossing: on the
// increment whose pre-image was below the limit and whose post-image is at
// or above it. Increments while already at the limit do not re-fire.
type ManagerOptions struct {
	DB             *gorm.DB
	Logger         *zap.Logger
	OnLimitReached func(ctx context.Context, c *Counter)
}

// Manager handles the database operations relating to usage Counters
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for usage counters
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Counter{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize usage.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// IncrementOption describes a single usage increment
type IncrementOption struct {
	Owner  owner.Ref
	Metric string
	PlanID string
	Period string // daily/weekly/monthly, empty means cumulative
	Limit  *int64
	By     int64
	Now    time.Time // zero value means time.Now()
}

const incrementQuery = `
INSERT INTO usage_counters
	(id, owner_type, owner_id, metric, period_key, plan_id, current_value, usage_limit, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_type, owner_id, metric, period_key, plan_id)
DO UPDATE SET
	current_value = usage_counters.current_value + excluded.current_value,
	usage_limit = excluded.usage_limit,
	updated_at = excluded.updated_at
RETURNING id, current_value`

// Increment atomically adds to the counter bucket for the current period and
// returns the resulting value. The read-modify-write happens in a single
// upsert statement, so concurrent callers on the same bucket never lose
// updates, and the first writer to create a bucket tolerates a concurrent
// creator through the conflict clause.
func (m *Manager) Increment(ctx context.Context, opt IncrementOption) (int64, error) {
	if opt.Owner.IsZero() {
		return 0, fmt.Errorf("empty Owner is invalid")
	}
	if len(opt.Metric) == 0 {
		return 0, fmt.Errorf("empty Metric is invalid")
	}
	if opt.By <= 0 {
		return 0, fmt.Errorf("increment must be positive")
	}
	now := opt.Now
	if now.IsZero() {
		now = time.Now()
	}
	periodKey := CurrentKey(opt.Period, now)

	var (
		id       string
		newValue int64
	)
	row := m.DB.WithContext(ctx).Raw(incrementQuery,
		shortuuid.New(),
		opt.Owner.Type,
		opt.Owner.ID,
		opt.Metric,
		periodKey,
		opt.PlanID,
		opt.By,
		opt.Limit,
		now,
		now,
	).Row()
	if err := row.Scan(&id, &newValue); err != nil {
		m.Logger.Error("Unable to increment usage counter",
			zap.String("Metric", opt.Metric),
			zap.Error(err),
		)
		return 0, extErrors.Wrap(err, "Cannot increment usage counter")
	}

	if opt.Limit != nil && newValue >= *opt.Limit && newValue-opt.By < *opt.Limit {
		if m.OnLimitReached != nil {
			m.OnLimitReached(ctx, &Counter{
				ID:           id,
				OwnerType:    opt.Owner.Type,
				OwnerID:      opt.Owner.ID,
				Metric:       opt.Metric,
				PeriodKey:    periodKey,
				PlanID:       opt.PlanID,
				CurrentValue: newValue,
				Limit:        opt.Limit,
			})
		}
	}

	return newValue, nil
}

// Get returns the counter for an exact bucket, or nil when the bucket was
// never incremented
func (m *Manager) Get(ctx context.Context, ref owner.Ref, metric, periodKey, planID string) (*Counter, error) {
	var c Counter
	result := m.DB.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", ref.Type, ref.ID).
		Where("metric = ?", metric).
		Where("period_key = ?", periodKey).
		Where("plan_id = ?", planID).
		First(&c)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get usage counter")
	}
	return &c, nil
}

// ListOption customizes the counter listing
type ListOption struct {
	Metric         string
	PeriodKey      string
	PlanID         string
	OwnerType      string
	OwnerID        string
	CumulativeOnly bool
	Limit          int
}

// List returns usage counters filtered by the given options, most recent
// period first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Counter, error) {
	baseQuery := m.DB.WithContext(ctx).Order("period_key desc")
	if len(opt.Metric) > 0 {
		baseQuery = baseQuery.Where("metric = ?", opt.Metric)
	}
	if len(opt.PeriodKey) > 0 {
		baseQuery = baseQuery.Where("period_key = ?", opt.PeriodKey)
	}
	if len(opt.PlanID) > 0 {
		baseQuery = baseQuery.Where("plan_id = ?", opt.PlanID)
	}
	if len(opt.OwnerType) > 0 {
		baseQuery = baseQuery.Where("owner_type = ?", opt.OwnerType)
	}
	if len(opt.OwnerID) > 0 {
		baseQuery = baseQuery.Where("owner_id = ?", opt.OwnerID)
	}
	if opt.CumulativeOnly {
		baseQuery = baseQuery.Where("period_key = ?", CumulativeKey)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	results := make([]Counter, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// RecentPeriods returns the counters of the N most recent calendar periods
// for a metric, newest period first. Cumulative buckets are excluded.
func (m *Manager) RecentPeriods(ctx context.Context, metric string, n int) ([]Counter, error) {
	results := make([]Counter, 0, n)
	result := m.DB.WithContext(ctx).
		Where("metric = ?", metric).
		Where("period_key <> ?", CumulativeKey).
		Order("period_key desc").
		Limit(n).
		Find(&results)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list recent usage periods")
	}
	return results, nil
}

// TimeSeriesPoint is one aggregated bucket of a metric's time series
type TimeSeriesPoint struct {
	PeriodKey string `json:"periodKey"`
	Total     int64  `json:"total"`
}

// TimeSeries aggregates a metric's usage across all owners, summed per
// period key, most recent N buckets first
func (m *Manager) TimeSeries(ctx context.Context, metric string, n int) ([]TimeSeriesPoint, error) {
	points := make([]TimeSeriesPoint, 0, n)
	result := m.DB.WithContext(ctx).
		Model(&Counter{}).
		Select("period_key, sum(current_value) as total").
		Where("metric = ?", metric).
		Where("period_key <> ?", CumulativeKey).
		Group("period_key").
		Order("period_key desc").
		Limit(n).
		Scan(&points)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot aggregate usage time series")
	}
	return points, nil
}

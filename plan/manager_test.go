package plan

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := dbConn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		sqlDB.Close()
	})
	return dbConn
}

func testPlan() *Plan {
	limit := int64(1000)
	return &Plan{
		Name:       "Pro",
		Slug:       "pro",
		Interval:   IntervalMonthly,
		PriceCents: 2900,
		Currency:   "usd",
		Features: Features{
			"sso": true,
		},
		Limits: Limits{
			"api_calls": {
				Limit:  &limit,
				Period: "monthly",
			},
		},
		Metadata: Metadata{
			"stripe_price_id": "price_123",
		},
		Active: true,
	}
}

func TestCreateAndGet(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		DB:     testDB(t),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx := context.Background()

	p := testPlan()
	require.NoError(t, manager.Create(ctx, p))
	assert.NotEmpty(t, p.ID)

	bySlug, err := manager.GetBySlug(ctx, "pro")
	require.NoError(t, err)
	require.NotNil(t, bySlug)
	assert.Equal(t, p.ID, bySlug.ID)
	assert.Equal(t, "price_123", bySlug.Metadata["stripe_price_id"])
	require.Contains(t, bySlug.Limits, "api_calls")
	require.NotNil(t, bySlug.Limits["api_calls"].Limit)
	assert.Equal(t, int64(1000), *bySlug.Limits["api_calls"].Limit)

	missing, err := manager.GetBySlug(ctx, "enterprise")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateValidation(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		DB:     testDB(t),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx := context.Background()

	p := testPlan()
	p.Interval = "biweekly"
	assert.Error(t, manager.Create(ctx, p))

	p = testPlan()
	p.Slug = "Pro Plan"
	assert.Error(t, manager.Create(ctx, p))

	p = testPlan()
	p.PriceCents = -100
	assert.Error(t, manager.Create(ctx, p))
}

func TestListActiveOnly(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		DB:     testDB(t),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx := context.Background()

	active := testPlan()
	require.NoError(t, manager.Create(ctx, active))

	retired := testPlan()
	retired.Slug = "legacy"
	retired.Active = false
	require.NoError(t, manager.Create(ctx, retired))

	all, err := manager.List(ctx, ListOption{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	current, err := manager.List(ctx, ListOption{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, active.ID, current[0].ID)
}

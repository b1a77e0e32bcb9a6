package settings

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

func testManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{
		DB:     testDB(t),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return manager
}

func TestGetUnsetKey(t *testing.T) {
	manager := testManager(t)
	value, err := manager.Get(context.Background(), "never.written")
	require.NoError(t, err)
	assert.Equal(t, "", value)
}

func TestSetAndGet(t *testing.T) {
	manager := testManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "site.name", "Entitled"))
	value, err := manager.Get(ctx, "site.name")
	require.NoError(t, err)
	assert.Equal(t, "Entitled", value)

	require.NoError(t, manager.Set(ctx, "site.name", "Entitled HQ"))
	value, err = manager.Get(ctx, "site.name")
	require.NoError(t, err)
	assert.Equal(t, "Entitled HQ", value)
}

func TestOnChangeFiresOnValueChange(t *testing.T) {
	manager := testManager(t)
	ctx := context.Background()

	type transition struct {
		old string
		new string
	}
	observed := make([]transition, 0, 2)
	manager.OnChange("providers.stripe.enabled", func(key, old, new string) {
		observed = append(observed, transition{old: old, new: new})
	})

	require.NoError(t, manager.Set(ctx, "providers.stripe.enabled", "true"))
	require.NoError(t, manager.Set(ctx, "providers.stripe.enabled", "true"))
	require.NoError(t, manager.Set(ctx, "providers.stripe.enabled", "false"))
	require.NoError(t, manager.Set(ctx, "unrelated.key", "x"))

	require.Len(t, observed, 2)
	assert.Equal(t, transition{old: "", new: "true"}, observed[0])
	assert.Equal(t, transition{old: "true", new: "false"}, observed[1])
}

func TestSetDefaultDoesNotOverwrite(t *testing.T) {
	manager := testManager(t)
	ctx := context.Background()

	require.NoError(t, manager.SetDefault(ctx, Setting{
		Key:   "providers.wire.enabled",
		Value: "true",
		Type:  "bool",
	}))
	value, err := manager.Get(ctx, "providers.wire.enabled")
	require.NoError(t, err)
	assert.Equal(t, "true", value)

	require.NoError(t, manager.Set(ctx, "providers.wire.enabled", "false"))
	require.NoError(t, manager.SetDefault(ctx, Setting{
		Key:   "providers.wire.enabled",
		Value: "true",
		Type:  "bool",
	}))
	value, err = manager.Get(ctx, "providers.wire.enabled")
	require.NoError(t, err)
	assert.Equal(t, "false", value)
}

func TestSetPreservesSeededMetadata(t *testing.T) {
	dbConn := testDB(t)
	manager, err := NewManager(ManagerOptions{
		DB:     dbConn,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, manager.SetDefault(ctx, Setting{
		Key:         "providers.stripe.secret_key",
		Type:        "string",
		Description: "Stripe API secret key",
	}))
	require.NoError(t, manager.Set(ctx, "providers.stripe.secret_key", "sk_live_1"))

	var row Setting
	require.NoError(t, dbConn.First(&row, "key = ?", "providers.stripe.secret_key").Error)
	assert.Equal(t, "sk_live_1", row.Value)
	assert.Equal(t, "string", row.Type)
	assert.Equal(t, "Stripe API secret key", row.Description)
}

func TestTypedGetters(t *testing.T) {
	manager := testManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "flag", "true"))
	assert.True(t, manager.GetBool(ctx, "flag"))
	assert.False(t, manager.GetBool(ctx, "missing"))

	require.NoError(t, manager.Set(ctx, "limit", "42"))
	assert.Equal(t, int64(42), manager.GetInt(ctx, "limit"))
	assert.Equal(t, int64(0), manager.GetInt(ctx, "flag"))
}

func TestReset(t *testing.T) {
	manager := testManager(t)
	ctx := context.Background()

	fired := 0
	manager.OnChange("some.key", func(key, old, new string) {
		fired++
	})
	manager.Reset()
	require.NoError(t, manager.Set(ctx, "some.key", "value"))
	assert.Equal(t, 0, fired)
}

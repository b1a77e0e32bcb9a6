package payment

import (
	"context"
	"fmt"
	"testing"

	"github.com/entitledhq/entitled/owner"

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

func testManager(t *testing.T, changed *int) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{
		DB:     testDB(t),
		Logger: zaptest.NewLogger(t),
		AfterChanged: func(ctx context.Context, r *Request) {
			if changed != nil {
				*changed++
			}
		},
	})
	require.NoError(t, err)
	return manager
}

func testRequest() *Request {
	return &Request{
		Owner: owner.Ref{
			Type: "workspace",
			ID:   "ws_1",
		},
		PlanID:      "plan_1",
		ProviderKey: "wire",
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, DefaultCurrency, r.Currency)
	assert.True(t, r.Actionable())
}

func TestCreateValidates(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	r := testRequest()
	r.PlanID = ""
	assert.Error(t, manager.Create(ctx, r))

	r = testRequest()
	r.AmountCents = -1
	assert.Error(t, manager.Create(ctx, r))
}

func TestCreateValidatesProviderKey(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		DB:     testDB(t),
		Logger: zaptest.NewLogger(t),
		ValidProviderKey: func(key string) bool {
			return key == "wire"
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	r := testRequest()
	r.ProviderKey = "carrier_pigeon"
	err = manager.Create(ctx, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier_pigeon")

	require.NoError(t, manager.Create(ctx, testRequest()))
}

func TestApproveBookkeeping(t *testing.T) {
	changed := 0
	manager := testManager(t, &changed)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))

	require.NoError(t, manager.MarkProcessing(ctx, nil, r))
	assert.Equal(t, StatusProcessing, r.Status)
	assert.True(t, r.Actionable())
	assert.Equal(t, 1, changed)

	require.NoError(t, manager.Approve(ctx, nil, r, "ent_1", "admin@example.com"))
	assert.Equal(t, StatusApproved, r.Status)
	require.NotNil(t, r.EntitlementID)
	assert.Equal(t, "ent_1", *r.EntitlementID)
	assert.Equal(t, "admin@example.com", r.ResolvedBy)
	assert.NotNil(t, r.ResolvedAt)
	assert.False(t, r.Actionable())
	assert.Equal(t, 2, changed)

	// same-status transition must not fire the callback again
	require.NoError(t, manager.Approve(ctx, nil, r, "ent_1", "admin@example.com"))
	assert.Equal(t, 2, changed)
}

func TestRejectRecordsNote(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))
	require.NoError(t, manager.Reject(ctx, nil, r, "ops", "duplicate order"))
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, "duplicate order", r.AdminNote)
}

func TestExpireSetsTimestamp(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))
	require.NoError(t, manager.Expire(ctx, nil, r))
	assert.Equal(t, StatusExpired, r.Status)
	assert.NotNil(t, r.ExpiresAt)
}

func TestPersistDoesNotNotify(t *testing.T) {
	changed := 0
	manager := testManager(t, &changed)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))
	changed = 0

	r.SetProviderData(DataInvoiceID, "in_1")
	require.NoError(t, manager.Persist(ctx, nil, r))
	assert.Equal(t, 0, changed)

	manager.NotifyChanged(ctx, r)
	assert.Equal(t, 1, changed)

	reloaded, err := manager.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, "in_1", reloaded.GetProviderData(DataInvoiceID))
}

func TestApproveInTransactionDefersNotification(t *testing.T) {
	changed := 0
	manager := testManager(t, &changed)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))
	changed = 0

	require.NoError(t, manager.DB.Transaction(func(tx *gorm.DB) error {
		return manager.Approve(ctx, tx, r, "ent_1", "ops")
	}))
	assert.Equal(t, 0, changed)

	manager.NotifyChanged(ctx, r)
	assert.Equal(t, 1, changed)
}

func TestApproveRollbackSuppressesNotification(t *testing.T) {
	changed := 0
	manager := testManager(t, &changed)
	ctx := context.Background()

	r := testRequest()
	require.NoError(t, manager.Create(ctx, r))
	changed = 0

	err := manager.DB.Transaction(func(tx *gorm.DB) error {
		if err := manager.Approve(ctx, tx, r, "ent_1", "ops"); err != nil {
			return err
		}
		return fmt.Errorf("forced rollback")
	})
	require.Error(t, err)
	assert.Equal(t, 0, changed)

	reloaded, err := manager.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, StatusPending, reloaded.Status)
}

func TestGetByProviderRef(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	r := testRequest()
	r.ProviderKey = "stripe"
	r.ProviderRef = "cs_123"
	require.NoError(t, manager.Create(ctx, r))

	found, err := manager.GetByProviderRef(ctx, "stripe", "cs_123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, r.ID, found.ID)

	wrongProvider, err := manager.GetByProviderRef(ctx, "wire", "cs_123")
	require.NoError(t, err)
	assert.Nil(t, wrongProvider)

	empty, err := manager.GetByProviderRef(ctx, "stripe", "")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestFindByProviderData(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	r := testRequest()
	r.ProviderKey = "stripe"
	r.SetProviderData(DataPaymentIntentID, "pi_123")
	require.NoError(t, manager.Create(ctx, r))

	other := testRequest()
	other.ProviderKey = "stripe"
	require.NoError(t, manager.Create(ctx, other))

	found, err := manager.FindByProviderData(ctx, "stripe", DataPaymentIntentID, "pi_123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, r.ID, found.ID)

	missing, err := manager.FindByProviderData(ctx, "stripe", DataPaymentIntentID, "pi_999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListFilters(t *testing.T) {
	manager := testManager(t, nil)
	ctx := context.Background()

	first := testRequest()
	require.NoError(t, manager.Create(ctx, first))

	second := testRequest()
	second.ProviderKey = "stripe"
	require.NoError(t, manager.Create(ctx, second))
	require.NoError(t, manager.MarkProcessing(ctx, nil, second))

	third := testRequest()
	third.Owner = owner.Ref{Type: "user", ID: "u_1"}
	require.NoError(t, manager.Create(ctx, third))

	all, err := manager.List(ctx, ListOption{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	processing, err := manager.List(ctx, ListOption{Status: StatusProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, second.ID, processing[0].ID)

	wires, err := manager.List(ctx, ListOption{ProviderKey: "wire"})
	require.NoError(t, err)
	assert.Len(t, wires, 2)

	users, err := manager.List(ctx, ListOption{OwnerType: "user"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, third.ID, users[0].ID)
}

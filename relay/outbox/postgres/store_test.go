//go:build unit

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/outbox"
	relaypg "github.com/yuto-f04/crm-psa-integrate-tool/relay/postgres"
)

func TestNewStoreRequiresConnection(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	assert.ErrorIs(t, err, ErrConnectionRequired)
}

func TestNewStoreDefaults(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{})
	require.NoError(t, err)

	assert.Equal(t, defaultTableName, store.tableName)
	assert.Equal(t, defaultTenantGUC, store.tenantGUC)
	assert.Equal(t, defaultTxTimeout, store.txTimeout)
}

func TestNewStoreRejectsBadTableName(t *testing.T) {
	t.Parallel()

	cases := []string{"", "outbox records", `outbox";drop table users;--`, "1outbox"}

	for _, name := range cases {
		_, err := NewStore(&relaypg.Connection{}, WithTableName(name))
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "table name %q must be rejected", name)
	}
}

func TestNewStoreRejectsBadGUCName(t *testing.T) {
	t.Parallel()

	// Custom GUCs must be namespaced; a bare name would collide with
	// server settings.
	cases := []string{"", "tenant_id", "app.tenant id", "app.tenant;drop"}

	for _, guc := range cases {
		_, err := NewStore(&relaypg.Connection{}, WithTenantGUC(guc))
		assert.ErrorIs(t, err, ErrInvalidGUCName, "guc %q must be rejected", guc)
	}
}

func TestNewStoreAcceptsCustomGUC(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{}, WithTenantGUC("relay.tenant"))
	require.NoError(t, err)
	assert.Equal(t, "relay.tenant", store.tenantGUC)
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox_records"`, quoteIdentifier("outbox_records"))
	assert.Equal(t, `"out""box"`, quoteIdentifier(`out"box`))
}

func TestNullableString(t *testing.T) {
	t.Parallel()

	assert.Nil(t, nullableString(""))
	assert.Equal(t, "boom", nullableString("boom"))
}

func TestGetForUpdateRequiresTenantContext(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{})
	require.NoError(t, err)

	_, err = store.GetForUpdate(context.Background(), nil, uuid.New())
	assert.ErrorIs(t, err, outbox.ErrTenantIDRequired)
}

func TestInTenantTxRequiresTenant(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{})
	require.NoError(t, err)

	err = store.InTenantTx(context.Background(), "  ", func(context.Context, outbox.Tx) error { return nil })
	assert.ErrorIs(t, err, outbox.ErrTenantIDRequired)
}

func TestInTenantTxBeginsOnPrimary(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{})
	require.NoError(t, err)

	// The transaction is opened on the primary pool; an unconfigured hub
	// surfaces its connection error instead of handing out a tx.
	err = store.InTenantTx(context.Background(), "tenant-1", func(context.Context, outbox.Tx) error { return nil })
	assert.ErrorIs(t, err, relaypg.ErrPrimaryDSNRequired)
}

func TestListDeadLettersValidation(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{})
	require.NoError(t, err)

	_, err = store.ListDeadLetters(context.Background(), "", 10)
	assert.ErrorIs(t, err, outbox.ErrTenantIDRequired)

	records, err := store.ListDeadLetters(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestListDueZeroLimit(t *testing.T) {
	t.Parallel()

	store, err := NewStore(&relaypg.Connection{})
	require.NoError(t, err)

	records, err := store.ListDue(context.Background(), 0, time.Now())
	require.NoError(t, err)
	assert.Nil(t, records)
}

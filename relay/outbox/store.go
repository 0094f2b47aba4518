package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle shared with callers' domain writes.
//
// It aliases *sql.Tx so records can be created inside the same
// database/sql transaction as the domain entity they describe, without an
// adapter layer between the two write paths.
type Tx = *sql.Tx

// Store defines persistence for outbox records.
//
// Every mutation of an existing record happens inside a tenant-scoped
// transaction opened by InTenantTx: the implementation confines all reads
// and writes in that transaction to the given tenant.
type Store interface {
	// CreateInTx inserts a record inside the caller's transaction. When the
	// tenant already holds a record with the same idempotency key, the
	// insert is a no-op, record is overwritten with the stored record and
	// created is false (success-of-intent).
	CreateInTx(ctx context.Context, tx Tx, record *Record) (created bool, err error)

	// InTenantTx runs fn inside a transaction scoped to tenantID. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error

	// GetForUpdate loads a record by id with a row lock, inside a tenant
	// transaction. Returns ErrRecordNotFound when the tenant has no such
	// record.
	GetForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*Record, error)

	// Update persists status, attempts, last error and next run time,
	// inside a tenant transaction.
	Update(ctx context.Context, tx Tx, record *Record) error

	// ListDue returns PENDING and FAILED records across tenants whose
	// NextRunAt has elapsed, oldest first, up to limit. Used by the
	// sweeper to regenerate lost queue jobs.
	ListDue(ctx context.Context, limit int, now time.Time) ([]*Record, error)

	// ListDeadLetters returns the tenant's DEAD_LETTER records, most
	// recently updated first, up to limit.
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*Record, error)
}

// Package postgres persists outbox records in PostgreSQL. Every
// tenant-scoped operation runs in a transaction that pins the tenant GUC,
// so row-level security policies see the same tenant the query filters on.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/outbox"
	relaypg "github.com/yuto-f04/crm-psa-integrate-tool/relay/postgres"
)

const (
	defaultTableName   = "outbox_records"
	defaultTenantGUC   = "app.tenant_id"
	defaultTxTimeout   = 30 * time.Second
	uniqueViolation    = "23505"
	maxIdentifierRunes = 63

	recordColumns = "id, tenant_id, topic, payload, status, attempts, last_error, next_run_at, idempotency_key, created_at, updated_at"
)

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")
	ErrInvalidGUCName     = errors.New("invalid tenant guc name")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	gucNamePattern    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*\.[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// WithTenantGUC overrides the session variable carrying the tenant id.
func WithTenantGUC(guc string) Option {
	return func(s *Store) {
		s.tenantGUC = guc
	}
}

// WithTxTimeout bounds transactions opened by the store itself.
func WithTxTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.txTimeout = timeout
		}
	}
}

// Store implements outbox.Store on PostgreSQL through the primary/replica
// resolver. Writes and row locks go to the primary; the cross-tenant due
// scan may read from the replica.
type Store struct {
	conn      *relaypg.Connection
	logger    log.Logger
	tableName string
	tenantGUC string
	txTimeout time.Duration
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store.
func NewStore(conn *relaypg.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: defaultTableName,
		tenantGUC: defaultTenantGUC,
		txTimeout: defaultTxTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.tableName = strings.TrimSpace(s.tableName)
	if err := validateIdentifier(s.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	s.tenantGUC = strings.TrimSpace(s.tenantGUC)
	if !gucNamePattern.MatchString(s.tenantGUC) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGUCName, s.tenantGUC)
	}

	return s, nil
}

// CreateInTx inserts a record inside the caller's transaction, or its own
// when tx is nil. A conflicting idempotency key for the tenant reloads the
// stored record into record and reports created=false, so the caller never
// holds an id that was never persisted.
func (s *Store) CreateInTx(ctx context.Context, tx outbox.Tx, record *outbox.Record) (bool, error) {
	if record == nil {
		return false, outbox.ErrRecordRequired
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_record")
	defer span.End()

	if tx == nil {
		var created bool

		err := s.InTenantTx(ctx, record.TenantID, func(ctx context.Context, ownTx outbox.Tx) error {
			var insertErr error

			created, insertErr = s.insert(ctx, ownTx, record)

			return insertErr
		})
		if err != nil {
			logSanitized(logger, ctx, "failed to create outbox record", err)
			return false, err
		}

		return created, nil
	}

	if err := s.applyTenant(ctx, tx, record.TenantID); err != nil {
		return false, err
	}

	created, err := s.insert(ctx, tx, record)
	if err != nil {
		logSanitized(logger, ctx, "failed to create outbox record", err)
		return false, err
	}

	return created, nil
}

func (s *Store) insert(ctx context.Context, tx outbox.Tx, record *outbox.Record) (bool, error) {
	query := "INSERT INTO " + s.table() + " (" + recordColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)" +
		" ON CONFLICT (tenant_id, idempotency_key) DO NOTHING"

	result, err := tx.ExecContext(ctx, query,
		record.ID,
		record.TenantID,
		record.Topic.String(),
		[]byte(record.Payload),
		record.Status.String(),
		record.Attempts,
		nullableString(record.LastError),
		record.NextRunAt,
		record.IdempotencyKey,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		// DO NOTHING absorbs key conflicts; a unique violation can still
		// surface from a concurrent insert racing the conflict check.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return s.adoptExisting(ctx, tx, record)
		}

		return false, fmt.Errorf("insert outbox record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert outbox record: rows affected: %w", err)
	}

	if rows == 0 {
		return s.adoptExisting(ctx, tx, record)
	}

	return true, nil
}

// adoptExisting replaces record with the row already holding its tenant and
// idempotency key, so created=false always hands back the persisted record.
// When the conflict came from a racing insert that aborted the transaction,
// the read fails and that error is returned; the caller's retry then takes
// the DO NOTHING path.
func (s *Store) adoptExisting(ctx context.Context, tx outbox.Tx, record *outbox.Record) (bool, error) {
	query := "SELECT " + recordColumns + " FROM " + s.table() +
		" WHERE tenant_id = $1 AND idempotency_key = $2"

	existing, err := scanRecord(tx.QueryRowContext(ctx, query, record.TenantID, record.IdempotencyKey))
	if err != nil {
		return false, fmt.Errorf("load conflicting outbox record: %w", err)
	}

	*record = *existing

	return false, nil
}

// InTenantTx runs fn inside a transaction pinned to tenantID. The tenant id
// is written to the configured GUC with SET LOCAL scope and carried on the
// context, so both row-level security and the store's explicit filters
// agree on the tenant.
func (s *Store) InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx outbox.Tx) error) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return outbox.ErrTenantIDRequired
	}

	// Transactions must stay on one pool; the resolver could route the
	// statements of a single tx across primary and replica.
	db, err := s.conn.Primary(ctx)
	if err != nil {
		return fmt.Errorf("resolve primary database: %w", err)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("begin tenant transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.applyTenant(txCtx, tx, tenantID); err != nil {
		return err
	}

	if err := fn(outbox.ContextWithTenantID(txCtx, tenantID), tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tenant transaction: %w", err)
	}

	return nil
}

// GetForUpdate loads a record by id with a row lock, scoped to the tenant
// carried on the context.
func (s *Store) GetForUpdate(ctx context.Context, tx outbox.Tx, id uuid.UUID) (*outbox.Record, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + recordColumns + " FROM " + s.table() +
		" WHERE id = $1 AND tenant_id = $2 FOR UPDATE"

	record, err := scanRecord(tx.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrRecordNotFound
		}

		return nil, fmt.Errorf("get outbox record: %w", err)
	}

	return record, nil
}

// Update persists the record's dispatch state, scoped to the tenant carried
// on the context.
func (s *Store) Update(ctx context.Context, tx outbox.Tx, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + s.table() +
		" SET status = $1, attempts = $2, last_error = $3, next_run_at = $4, updated_at = $5" +
		" WHERE id = $6 AND tenant_id = $7"

	result, err := tx.ExecContext(ctx, query,
		record.Status.String(),
		record.Attempts,
		nullableString(record.LastError),
		record.NextRunAt,
		record.UpdatedAt,
		record.ID,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("update outbox record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox record: rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrRecordNotFound
	}

	return nil
}

// ListDue returns PENDING and FAILED records across all tenants whose
// NextRunAt has elapsed, oldest first.
func (s *Store) ListDue(ctx context.Context, limit int, now time.Time) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_due")
	defer span.End()

	db, err := s.conn.DB(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve database: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM " + s.table() +
		" WHERE status IN ($1, $2) AND next_run_at <= $3" +
		" ORDER BY next_run_at ASC LIMIT $4"

	rows, err := db.QueryContext(ctx, query,
		outbox.StatusPending.String(),
		outbox.StatusFailed.String(),
		now,
		limit,
	)
	if err != nil {
		logSanitized(logger, ctx, "failed to list due outbox records", err)
		return nil, fmt.Errorf("list due outbox records: %w", err)
	}

	return collectRecords(rows, limit)
}

// ListDeadLetters returns the tenant's DEAD_LETTER records, most recently
// updated first.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*outbox.Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, outbox.ErrTenantIDRequired
	}

	if limit <= 0 {
		return nil, nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_dead_letters")
	defer span.End()

	db, err := s.conn.DB(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve database: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM " + s.table() +
		" WHERE tenant_id = $1 AND status = $2" +
		" ORDER BY updated_at DESC LIMIT $3"

	rows, err := db.QueryContext(ctx, query, tenantID, outbox.StatusDeadLetter.String(), limit)
	if err != nil {
		logSanitized(logger, ctx, "failed to list dead-lettered records", err)
		return nil, fmt.Errorf("list dead-lettered records: %w", err)
	}

	return collectRecords(rows, limit)
}

// applyTenant pins the tenant GUC for the transaction. set_config with
// is_local=true scopes the value to the transaction, like SET LOCAL, while
// keeping the tenant id parameterized.
func (s *Store) applyTenant(ctx context.Context, tx outbox.Tx, tenantID string) error {
	if _, err := tx.ExecContext(ctx, "SELECT set_config($1, $2, true)", s.tenantGUC, tenantID); err != nil {
		return fmt.Errorf("set tenant guc: %w", err)
	}

	return nil
}

func (s *Store) tenantFromContext(ctx context.Context) (string, error) {
	tenantID, ok := outbox.TenantIDFromContext(ctx)
	if !ok || tenantID == "" {
		return "", outbox.ErrTenantIDRequired
	}

	return tenantID, nil
}

func (s *Store) table() string {
	return quoteIdentifier(s.tableName)
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record    outbox.Record
		topic     string
		status    string
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&record.ID,
		&record.TenantID,
		&topic,
		&record.Payload,
		&status,
		&record.Attempts,
		&lastError,
		&record.NextRunAt,
		&record.IdempotencyKey,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsedTopic, err := outbox.ParseTopic(topic)
	if err != nil {
		return nil, fmt.Errorf("stored topic: %w", err)
	}

	parsedStatus, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("stored status: %w", err)
	}

	record.Topic = parsedTopic
	record.Status = parsedStatus

	if lastError.Valid {
		record.LastError = lastError.String
	}

	return &record, nil
}

func collectRecords(rows *sql.Rows, limit int) ([]*outbox.Record, error) {
	defer rows.Close()

	records := make([]*outbox.Record, 0, limit)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox records: %w", err)
	}

	return records, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}

	return value
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxIdentifierRunes {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func logSanitized(logger log.Logger, ctx context.Context, message string, err error) {
	if logger == nil || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

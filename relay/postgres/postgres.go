// Package postgres manages the primary/replica database connections used by
// the relay. Reads route to the replica through dbresolver; transactions and
// writes stay on the primary.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"

	// File source for migration scripts.
	_ "github.com/golang-migrate/migrate/v4/source/file"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrPrimaryDSNRequired = errors.New("primary connection string is required")

	connStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub holding the resolver over the primary and replica
// databases. The zero value plus connection strings is usable; Connect is
// called lazily by DB when needed.
type Connection struct {
	PrimaryDSN         string
	ReplicaDSN         string
	DatabaseName       string
	MigrationsPath     string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int

	mu        sync.RWMutex
	resolver  dbresolver.DB
	primary   *sql.DB
	connected bool

	// Swapped in tests.
	openFn    func(driverName, dsn string) (*sql.DB, error)
	migrateFn func(primary *sql.DB, migrationsPath, dbName string, logger log.Logger) error
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.openFn == nil {
		c.openFn = sql.Open
	}

	if c.migrateFn == nil {
		c.migrateFn = runMigrations
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary and builds the resolver.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if strings.TrimSpace(c.PrimaryDSN) == "" {
		return ErrPrimaryDSNRequired
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	primary, err := c.openPool(c.PrimaryDSN)
	if err != nil {
		sanitized := sanitizeConnError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitized))

		return fmt.Errorf("open primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	replicaDSN := c.ReplicaDSN
	if strings.TrimSpace(replicaDSN) == "" {
		// No dedicated replica: the primary serves reads too.
		replicaDSN = c.PrimaryDSN
	}

	replica, err := c.openPool(replicaDSN)
	if err != nil {
		sanitized := sanitizeConnError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitized))

		return fmt.Errorf("open replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	if c.MigrationsPath != "" {
		if err := c.migrateFn(primary, c.MigrationsPath, c.DatabaseName, c.Logger); err != nil {
			return err
		}
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		sanitized := sanitizeConnError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitized))

		return fmt.Errorf("ping database: %s", sanitized)
	}

	c.resolver = resolver
	c.primary = primary
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

func (c *Connection) openPool(dsn string) (*sql.DB, error) {
	db, err := c.openFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.MaxOpenConnections)
	db.SetMaxIdleConns(c.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// DB returns the resolver, connecting on first use.
func (c *Connection) DB(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.resolver != nil {
		db := c.resolver
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool, connecting on first use. Transactions
// and writes must run here; the resolver would route statements of one
// transaction across pools.
func (c *Connection) Primary(ctx context.Context) (*sql.DB, error) {
	c.mu.RLock()

	if c.primary != nil {
		db := c.primary
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primary != nil {
		return c.primary, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.primary, nil
}

// Close releases both pools.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil
	c.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func sanitizeConnError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func sanitizeMigrationsPath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return abs, nil
}

func runMigrations(primary *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(dbName); err != nil {
		return err
	}

	absPath, err := sanitizeMigrationsPath(migrationsPath)
	if err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(absPath))
	if err != nil {
		return fmt.Errorf("parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelDebug, "no new migrations")
			return nil
		}

		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}

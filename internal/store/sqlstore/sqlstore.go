// Package sqlstore runs the store port over database/sql. Postgres is reached through
// lib/pq ("postgres") or pgx ("pgx"); SQLite through modernc ("sqlite").
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"librastock/internal/domain"
	"librastock/internal/logging"
	"librastock/internal/store"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

//go:embed schema/*.sql
var schemas embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type dialect struct {
	goqu   string
	schema string
	// readOnlyTx is set where the driver honours sql.TxOptions.ReadOnly.
	readOnlyTx bool
}

var dialects = map[string]dialect{
	DriverPostgres: {goqu: "postgres", schema: "schema/postgres.sql", readOnlyTx: true},
	DriverPgx:      {goqu: "postgres", schema: "schema/postgres.sql", readOnlyTx: true},
	DriverSQLite:   {goqu: "sqlite3", schema: "schema/sqlite.sql"},
}

// Store is a store.Store over a SQL database.
type Store struct {
	db      *sqlx.DB
	driver  string
	dialect dialect
	builder goqu.DialectWrapper
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	log     logging.Logger
	now     func() time.Time
}

type options struct {
	log            logging.Logger
	connectTimeout time.Duration
	breakerTimeout time.Duration
	tripAfter      uint32
}

// Option configures Open.
type Option func(*options)

func WithLogger(log logging.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithConnectTimeout bounds how long Open keeps retrying an unreachable database.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithBreaker sets how many consecutive database failures open the circuit and how
// long it stays open.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(o *options) {
		o.tripAfter = consecutiveFailures
		o.breakerTimeout = openFor
	}
}

// Open connects to the database, retrying with exponential backoff until it answers
// or the connect timeout elapses.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	o := options{
		log:            logging.Discard,
		connectTimeout: 30 * time.Second,
		breakerTimeout: 10 * time.Second,
		tripAfter:      5,
	}
	for _, opt := range opts {
		opt(&o)
	}

	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	configurePool(db, driver)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := db.PingContext(ctx); err != nil {
			o.log.Warn("database not reachable", "driver", driver, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(o.connectTimeout))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	s := &Store{
		db:      db,
		driver:  driver,
		dialect: d,
		builder: goqu.Dialect(d.goqu),
		tracer:  otel.Tracer("librastock/sqlstore"),
		log:     o.log,
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sqlstore." + driver,
		Timeout: o.breakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= o.tripAfter
		},
		IsSuccessful: func(err error) bool { return !infrastructureFailure(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	o.log.Info("database connected", "driver", driver)
	return s, nil
}

func configurePool(db *sqlx.DB, driver string) {
	if driver == DriverSQLite {
		// one writer; a second connection would only see SQLITE_BUSY
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)
}

func sqliteDSN(dsn string) string {
	params := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_time_format=sqlite"}
	var missing []string
	for _, p := range params {
		key, _, _ := strings.Cut(p, "=")
		if key == "_pragma" {
			if !strings.Contains(dsn, p) {
				missing = append(missing, p)
			}
			continue
		}
		if !strings.Contains(dsn, key+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.migrate", trace.WithAttributes(attribute.String("db.driver", s.driver)))
	defer span.End()

	raw, err := schemas.ReadFile(s.dialect.schema)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "migrate")
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.log.Info("schema migrated", "driver", s.driver)
	return nil
}

// Atomically runs fn in a database transaction and commits if fn returns nil.
func (s *Store) Atomically(ctx context.Context, fn func(store.Tx) error) error {
	return s.unit(ctx, "sqlstore.atomically", false, fn)
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.unit(ctx, "sqlstore.view", true, fn)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) unit(ctx context.Context, name string, readOnly bool, fn func(store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("db.driver", s.driver)))
	defer span.End()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.run(ctx, readOnly, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: database unavailable: %w", domain.ErrBusy, err)
	}
	if err != nil {
		span.RecordError(err)
		if infrastructureFailure(err) {
			span.SetStatus(codes.Error, "unit of work failed")
		}
	}
	return err
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: readOnly && s.dialect.readOnlyTx})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", translate(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{s: s, tx: sqlTx, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", translate(err))
	}
	return nil
}

// infrastructureFailure separates database trouble from refusals the engine expects.
// Only the former count against the circuit breaker.
func infrastructureFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.KindOf(err) != domain.KindUnknown:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrReadOnly):
		return false
	}
	return true
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classify(string(pqErr.Code), err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classify(pgErr.Code, err)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", store.ErrDuplicate, liteErr.Error())
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", store.ErrConflict, liteErr.Error())
		}
	}
	return err
}

func classify(code string, err error) error {
	switch code {
	case "23505":
		return fmt.Errorf("%w: %s", store.ErrDuplicate, err.Error())
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, err.Error())
	}
	return err
}

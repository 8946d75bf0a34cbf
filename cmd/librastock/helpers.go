package main

import (
	"context"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"librastock/internal/audit"
	"librastock/internal/catalog"
	"librastock/internal/circulation"
	"librastock/internal/clients"
	"librastock/internal/config"
	"librastock/internal/domain"
	"librastock/internal/ledger"
	"librastock/internal/lock"
	"librastock/internal/membership"
	"librastock/internal/store"
	"librastock/internal/store/memstore"
	"librastock/internal/store/sqlstore"
)

// openStore connects to the configured database. The caller must Close the store.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if c.Database.Driver == config.DriverMemory {
		logger.Warn("using the in-memory store; state is lost on exit")
		return memstore.New(), nil
	}
	s, err := sqlstore.Open(ctx, c.Database.Driver, c.Database.DSN, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// migrateStore creates the schema when the store has one.
func migrateStore(ctx context.Context, s store.Store) error {
	m, ok := s.(interface{ Migrate(context.Context) error })
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}

// services is the engine and its read-side companions over one store.
type services struct {
	store       store.Store
	locks       *lock.Manager
	auditor     *audit.Auditor
	circulation circulation.Service
	catalog     catalog.Service
	membership  membership.Service
}

func buildServices(c *config.Config, s store.Store) *services {
	locks := lock.NewManager(c.Engine.LockTimeout)
	led := ledger.New(logger)
	auditor := audit.New(s, locks, led,
		audit.WithLogger(logger),
		audit.WithLimiter(rate.NewLimiter(rate.Limit(c.Audit.RepairsPerSecond), 1)),
	)

	var memberOpts []membership.Option
	memberOpts = append(memberOpts, membership.WithLogger(logger))
	if rps := c.HTTP.RegistrationsPerSecond; rps > 0 {
		memberOpts = append(memberOpts, membership.WithRegistrationLimit(rate.NewLimiter(rate.Limit(rps), int(rps)+1)))
	}

	return &services{
		store:   s,
		locks:   locks,
		auditor: auditor,
		circulation: circulation.NewService(circulation.Deps{
			Store:   s,
			Locks:   locks,
			Ledger:  led,
			Auditor: auditor,
			Clock:   domain.SystemClock{},
			Logger:  logger,
		}, c.Policy()),
		catalog:    catalog.NewService(s),
		membership: membership.NewService(s, locks, memberOpts...),
	}
}

// withServices opens the store, runs fn and closes the store.
func withServices(ctx context.Context, fn func(*services) error) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := migrateStore(ctx, s); err != nil {
		return err
	}
	return fn(buildServices(cfg, s))
}

// Remote operator flags shared by sweep, drift, repair and capacity.
type remoteFlags struct {
	server string
	token  string
}

func (r *remoteFlags) client() *clients.AdminClient {
	token := r.token
	if token == "" {
		token = os.Getenv("LIBRASTOCK_ADMIN_TOKEN")
	}
	return clients.NewAdminClient(r.server, clients.WithToken(token))
}

// output writes v to stdout as YAML, or JSON with --json.
func output(v any) error {
	if flagJSON {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// parseDay reads a YYYY-MM-DD flag value. Empty means nil.
func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, userError(fmt.Errorf("date %q must look like 2006-01-02", raw))
	}
	return &t, nil
}

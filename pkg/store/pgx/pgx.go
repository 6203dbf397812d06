// Package pgx implements store.Store on PostgreSQL with pgvector for
// similarity search.
package pgx

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/stratum-kg/stratum/pkg/common"
	"github.com/stratum-kg/stratum/pkg/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Store implements store.Store using a pgx connection pool.
type Store struct {
	conn      pgxIConn
	signature common.SignatureFunc
	now       store.Clock
}

type Option func(*Store)

// WithClock replaces the store's time source.
func WithClock(clock store.Clock) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithSignature replaces the relationship dedup signature strategy. It must
// match the strategy used when existing rows were written.
func WithSignature(sig common.SignatureFunc) Option {
	return func(s *Store) {
		s.signature = sig
	}
}

// NewStore creates a Store on an existing connection or pool.
func NewStore(conn pgxIConn, opts ...Option) *Store {
	s := &Store{
		conn:      conn,
		signature: common.ExactSignature,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Connect opens a connection pool with pgvector types registered on every
// connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Migrate applies all embedded schema migrations. The URL must use the
// pgx5:// scheme understood by golang-migrate.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

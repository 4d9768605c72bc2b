// Package storage persists demos, jobs and user settings in Postgres
// and exposes the unit of work the bus injects into handlers. Redis
// keeps the short lived queue progress snapshots.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
)

// Store wraps the connection pool repositories hang off.
type Store struct {
	pool *pgxpool.Pool
	log  *log.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, logger *log.Logger, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{pool: pool, log: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Begin opens a unit of work on a REPEATABLE READ transaction.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	uow := &UnitOfWork{tx: tx, log: s.log}
	uow.Demos = &DemoRepo{uow: uow}
	uow.Jobs = &JobRepo{uow: uow}
	uow.Users = &UserRepo{uow: uow}
	return uow, nil
}

// Migrate brings the schema up to date using the SQL migrations in
// dir. goose drives a database/sql connection through the pgx stdlib
// adapter.
func Migrate(logger *log.Logger, dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	logger.Printf("running migrations dir=%s", dir)
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

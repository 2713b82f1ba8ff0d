package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresBackend implements a record backend on a PostgreSQL table. It
// enforces record versions inside the database, so several metadata service
// replicas can share it.
type PostgresBackend struct {
	db          *sql.DB
	log         *slog.Logger
	locationURI string
}

var _ interfaces.CompareAndSwapBackend = (*PostgresBackend)(nil)

// NewPostgresBackend opens dsn with the pgx driver and applies migrations.
func NewPostgresBackend(ctx context.Context, dsn string, log *slog.Logger) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewPostgresBackendWithDB(db, "postgres://"+redactDSN(dsn), log), nil
}

// NewPostgresBackendWithDB wraps an already migrated database handle.
func NewPostgresBackendWithDB(db *sql.DB, uri string, log *slog.Logger) *PostgresBackend {
	return &PostgresBackend{db: db, log: log, locationURI: uri}
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (b *PostgresBackend) Fetch(ctx context.Context, id interfaces.PublicID) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM metadata_records WHERE id = $1`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		b.log.Error("Failed to query record", slog.String("id", string(id)), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return data, nil
}

// Store upserts data without checking versions.
func (b *PostgresBackend) Store(ctx context.Context, id interfaces.PublicID, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO metadata_records (id, version, data) VALUES ($1, 0, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		string(id), data)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// StoreIfVersion writes data only when the stored version equals expected.
func (b *PostgresBackend) StoreIfVersion(ctx context.Context, id interfaces.PublicID, data []byte, expected, next uint64) error {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = b.db.ExecContext(ctx, `
			INSERT INTO metadata_records (id, version, data) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			string(id), int64(next), data)
	} else {
		res, err = b.db.ExecContext(ctx, `
			UPDATE metadata_records SET version = $2, data = $3, updated_at = now()
			WHERE id = $1 AND version = $4`,
			string(id), int64(next), data, int64(expected))
	}
	if err != nil {
		b.log.Error("Failed to write record", slog.String("id", string(id)), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s expected version %d", interfaces.ErrVersionConflict, id, expected)
	}
	return nil
}

func (b *PostgresBackend) Available(ctx context.Context) bool {
	if err := b.db.PingContext(ctx); err != nil {
		b.log.Debug("Postgres backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *PostgresBackend) Name() string {
	return "postgres"
}

func (b *PostgresBackend) LocationURI() string {
	return b.locationURI
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore resolves credentials from the tenant_credentials table.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when constructed around a test querier
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, pgURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{db: pool, pool: pool}, nil
}

// Init creates the credentials table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_credentials (
			ref        TEXT PRIMARY KEY,
			api_key    TEXT NOT NULL,
			label      TEXT NOT NULL DEFAULT '',
			disabled   BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create tenant_credentials table: %w", err)
	}
	slog.Info("credential table initialized")
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, ref string) (Credential, error) {
	var secret string
	err := s.db.QueryRow(ctx,
		`SELECT api_key FROM tenant_credentials WHERE ref = $1 AND NOT disabled`,
		ref,
	).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, missing(ref, "tenant_credentials")
	}
	if err != nil {
		return Credential{}, fmt.Errorf("lookup credential %q: %w", ref, err)
	}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Credential{}, fmt.Errorf("%w: %q has an empty secret", ErrCredentialMissing, ref)
	}
	return Credential{Ref: ref, Secret: secret}, nil
}

// Upsert stores or replaces a tenant secret.
func (s *PostgresStore) Upsert(ctx context.Context, ref, secret, label string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenant_credentials (ref, api_key, label, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (ref) DO UPDATE
		SET api_key = EXCLUDED.api_key,
			label = EXCLUDED.label,
			disabled = false,
			updated_at = now()
	`, ref, secret, label)
	if err != nil {
		return fmt.Errorf("upsert credential %q: %w", ref, err)
	}
	return nil
}

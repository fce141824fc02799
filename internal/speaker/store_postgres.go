package speaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists speaker profiles in PostgreSQL. The averaged
// embedding lives in speakers; raw per-sample embeddings live in
// speaker_samples so profiles can be recomputed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS speakers (
			name TEXT PRIMARY KEY,
			embedding REAL[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS speaker_samples (
			id TEXT PRIMARY KEY,
			speaker_name TEXT NOT NULL REFERENCES speakers(name) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			embedding REAL[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_speaker_samples_name ON speaker_samples (speaker_name, position);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, embedding, created_at, updated_at FROM speakers ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("query speakers: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Profile, error) {
		var p Profile
		err := row.Scan(&p.Name, &p.Embedding, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan speakers: %w", err)
	}

	index := make(map[string]int, len(profiles))
	for i, p := range profiles {
		index[p.Name] = i
	}

	sampleRows, err := s.pool.Query(ctx,
		`SELECT speaker_name, embedding FROM speaker_samples ORDER BY speaker_name, position`)
	if err != nil {
		return nil, fmt.Errorf("query speaker samples: %w", err)
	}
	defer sampleRows.Close()
	for sampleRows.Next() {
		var (
			name      string
			embedding []float32
		)
		if err := sampleRows.Scan(&name, &embedding); err != nil {
			return nil, fmt.Errorf("scan speaker sample: %w", err)
		}
		if i, ok := index[name]; ok {
			profiles[i].Samples = append(profiles[i].Samples, embedding)
		}
	}
	if err := sampleRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate speaker samples: %w", err)
	}
	return profiles, nil
}

// Save upserts the profile and replaces its samples in one transaction.
func (s *PostgresStore) Save(ctx context.Context, profile Profile) error {
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = profile.CreatedAt
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO speakers (name, embedding, created_at, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (name) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
			profile.Name,
			profile.Embedding,
			profile.CreatedAt,
			profile.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("save speaker: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM speaker_samples WHERE speaker_name=$1`, profile.Name); err != nil {
			return fmt.Errorf("reset speaker samples: %w", err)
		}
		for i, sample := range profile.Samples {
			_, err := tx.Exec(ctx,
				`INSERT INTO speaker_samples (id, speaker_name, position, embedding, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				uuid.NewString(), profile.Name, i, sample, profile.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("save speaker sample: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM speakers WHERE name=$1`, name)
	if err != nil {
		return fmt.Errorf("delete speaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// IsNotFound reports whether err means the speaker does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

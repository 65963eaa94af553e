package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/facematch/embedding"
)

// Compile-time check
var _ Store = (*SQLite)(nil)

const sqliteLatestVersion = 1

// SQLite is a Store backed by a single SQLite database file in WAL mode.
// The connection pool is capped at one connection, which serializes writers.
type SQLite struct {
	dimension int
	db        *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed store at path and applies
// pending schema migrations.
func NewSQLite(path string, dimension int) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLite{dimension: dimension, db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrate applies schema migrations up to sqliteLatestVersion.
func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(0)`); err != nil {
			return err
		}
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations`).Scan(&version); err != nil {
		return err
	}

	for v := version + 1; v <= sqliteLatestVersion; v++ {
		if err := s.migrateUp(ctx, v); err != nil {
			return fmt.Errorf("migrate up to v%d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE schema_migrations SET version=?`, v); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLite) migrateUp(ctx context.Context, v int) error {
	switch v {
	case 1:
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS embeddings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				identity TEXT NOT NULL,
				vector BLOB NOT NULL,
				confidence REAL NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_embeddings_identity ON embeddings(identity)`,
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown schema version %d", v)
	}
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Insert persists a record and returns it with ID and CreatedAt filled.
func (s *SQLite) Insert(ctx context.Context, rec embedding.Vector) (embedding.Vector, error) {
	if err := validateRecord(rec, s.dimension); err != nil {
		return embedding.Vector{}, err
	}

	stored := rec.Clone()
	stored.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings(identity, vector, confidence, created_at) VALUES(?,?,?,?)`,
		stored.Identity, embedding.EncodeVector(stored.Vector), stored.Confidence, stored.CreatedAt.UnixNano(),
	)
	if err != nil {
		return embedding.Vector{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return embedding.Vector{}, err
	}
	stored.ID = uint64(id)

	return stored, nil
}

// BatchInsert validates every record first, then persists them all in one
// transaction with a shared creation timestamp.
func (s *SQLite) BatchInsert(ctx context.Context, recs []embedding.Vector) ([]embedding.Vector, error) {
	for _, rec := range recs {
		if err := validateRecord(rec, s.dimension); err != nil {
			return nil, err
		}
	}

	out := make([]embedding.Vector, 0, len(recs))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO embeddings(identity, vector, confidence, created_at) VALUES(?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()

		for _, rec := range recs {
			stored := rec.Clone()
			stored.CreatedAt = now

			res, err := stmt.ExecContext(ctx,
				stored.Identity, embedding.EncodeVector(stored.Vector), stored.Confidence, now.UnixNano())
			if err != nil {
				return err
			}

			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			stored.ID = uint64(id)

			out = append(out, stored)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Get returns the record stored under id.
func (s *SQLite) Get(ctx context.Context, id uint64) (embedding.Vector, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, identity, vector, confidence, created_at FROM embeddings WHERE id = ?`, id)

	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return embedding.Vector{}, ErrNotFound
	}
	if err != nil {
		return embedding.Vector{}, err
	}

	return rec, nil
}

// DeleteIdentity removes every embedding of the identity in one transaction
// and returns the removed IDs in ascending order.
func (s *SQLite) DeleteIdentity(ctx context.Context, identity string) ([]uint64, error) {
	var removed []uint64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM embeddings WHERE identity = ? ORDER BY id`, identity)
		if err != nil {
			return err
		}

		for rows.Next() {
			var id uint64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}

		// The transaction owns a single connection, so the cursor must be
		// closed before the DELETE runs.
		rows.Close()

		if len(removed) == 0 {
			return ErrIdentityNotFound
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM embeddings WHERE identity = ?`, identity)
		return err
	})
	if err != nil {
		return nil, err
	}

	return removed, nil
}

// Enumerate calls fn for every record in ID order.
func (s *SQLite) Enumerate(ctx context.Context, fn func(rec embedding.Vector) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, vector, confidence, created_at FROM embeddings ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Count returns the number of stored embeddings.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

// CountIdentities returns the number of distinct identities.
func (s *SQLite) CountIdentities(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT identity) FROM embeddings`).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanRecord(row rowScanner) (embedding.Vector, error) {
	var (
		id         uint64
		identity   string
		blob       []byte
		confidence float64
		createdNs  int64
	)

	if err := row.Scan(&id, &identity, &blob, &confidence, &createdNs); err != nil {
		return embedding.Vector{}, err
	}

	vec, err := embedding.DecodeVector(blob)
	if err != nil {
		return embedding.Vector{}, fmt.Errorf("embedding %d: %w", id, err)
	}

	if len(vec) != s.dimension {
		return embedding.Vector{}, fmt.Errorf("embedding %d: %w", id, &embedding.ErrDimensionMismatch{
			Expected: s.dimension,
			Actual:   len(vec),
		})
	}

	return embedding.Vector{
		ID:         id,
		Identity:   identity,
		Vector:     vec,
		Confidence: float32(confidence),
		CreatedAt:  time.Unix(0, createdNs).UTC(),
	}, nil
}

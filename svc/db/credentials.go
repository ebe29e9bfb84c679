package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var ErrNoCredential = errors.New("no credential stored")

func (s *SQLite) PutDigest(ctx context.Context, id, digest string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	now := time.Now().UTC()
	q := `
	INSERT INTO credentials (id, digest, created_at, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET digest = excluded.digest, updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(queryCtx, q, id, digest, now, now)
	s.recordError(err)
	return errors.Wrap(err, "put digest")
}

// GetDigest returns ErrNoCredential when id has no stored digest.
func (s *SQLite) GetDigest(ctx context.Context, id string) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var digest string
	err := s.db.QueryRowContext(queryCtx, `SELECT digest FROM credentials WHERE id = ?`, id).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", ErrNoCredential
	}
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "get digest")
	}
	return digest, nil
}

func (s *SQLite) DeleteDigest(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM credentials WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete digest")
}

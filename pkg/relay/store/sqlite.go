package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/listmap/pkg/wire"
)

type SQLite struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// Appends read then write the channel head, so serialise all access.
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS frames (
		channel text not null,
		seq integer not null,
		id text not null,
		payload blob not null,
		primary key (channel, seq),
		unique (channel, id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create frames table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

func (s *SQLite) Append(ctx context.Context, channel, id string, payload []byte) (uint64, bool, error) {
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq uint64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM frames WHERE channel = ? AND id = ?`, channel, id).Scan(&seq)
	switch {
	case err == nil:
		return seq, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("failed to query: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM frames WHERE channel = ?`, channel).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("failed to query head: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frames (channel, seq, id, payload) VALUES (?, ?, ?, ?)`,
		channel, seq, id, payload,
	); err != nil {
		return 0, false, fmt.Errorf("failed to insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit: %w", err)
	}
	return seq, false, nil
}

func (s *SQLite) Since(ctx context.Context, channel string, after uint64) ([]wire.Frame, error) {
	res, err := s.database.QueryContext(ctx,
		`SELECT seq, id, payload FROM frames WHERE channel = ? AND seq > ? ORDER BY seq`, channel, after,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)
	var out []wire.Frame
	for res.Next() {
		var f wire.Frame
		if err := res.Scan(&f.Seq, &f.ID, &f.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, f)
	}
	return out, res.Err()
}

func (s *SQLite) Head(ctx context.Context, channel string) (uint64, error) {
	var seq uint64
	if err := s.database.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM frames WHERE channel = ?`, channel,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query head: %w", err)
	}
	return seq, nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

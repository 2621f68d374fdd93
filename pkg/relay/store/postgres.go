package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/listmap/pkg/wire"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS listmap_frames (
		channel text not null,
		seq bigint not null,
		id text not null,
		payload bytea not null,
		primary key (channel, seq),
		unique (channel, id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create frames table: %w", err)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, channel, id string, payload []byte) (uint64, bool, error) {
	var seq int64
	var duplicate bool
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		// Serialises concurrent appends to one channel so seqs stay gapless. Live fan-out is per relay process.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, channel); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `SELECT seq FROM listmap_frames WHERE channel = $1 AND id = $2`, channel, id).Scan(&seq)
		if err == nil {
			duplicate = true
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM listmap_frames WHERE channel = $1`, channel,
		).Scan(&seq); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO listmap_frames (channel, seq, id, payload) VALUES ($1, $2, $3, $4)`,
			channel, seq, id, payload,
		)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to append: %w", err)
	}
	return uint64(seq), duplicate, nil
}

func (p *Postgres) Since(ctx context.Context, channel string, after uint64) ([]wire.Frame, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, id, payload FROM listmap_frames WHERE channel = $1 AND seq > $2 ORDER BY seq`,
		channel, int64(after),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	var out []wire.Frame
	for rows.Next() {
		var seq int64
		var f wire.Frame
		if err := rows.Scan(&seq, &f.ID, &f.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		f.Seq = uint64(seq)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) Head(ctx context.Context, channel string) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM listmap_frames WHERE channel = $1`, channel,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query head: %w", err)
	}
	return uint64(seq), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

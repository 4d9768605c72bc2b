package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Run1e/STRIKER-sub000/internal/domain"
)

// DemoRepo reads and writes demos inside one unit of work.
type DemoRepo struct {
	uow *UnitOfWork
}

const demoColumns = `id, game, origin, state, identifier, sharecode, time, download_url,
	map, score, downloaded_at, data_version, data`

func (r *DemoRepo) scan(row pgx.Row) (*domain.Demo, error) {
	d := &domain.Demo{}
	var (
		identifier  *string
		sharecode   *string
		downloadURL *string
		mapName     *string
		dataVersion *int
	)

	err := row.Scan(
		&d.ID, &d.Game, &d.Origin, &d.State, &identifier, &sharecode, &d.Time,
		&downloadURL, &mapName, &d.Score, &d.DownloadedAt, &dataVersion, &d.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning demo: %w", err)
	}

	if identifier != nil {
		d.Identifier = *identifier
	}
	if sharecode != nil {
		d.Sharecode = *sharecode
	}
	if downloadURL != nil {
		d.DownloadURL = *downloadURL
	}
	if mapName != nil {
		d.Map = *mapName
	}
	if dataVersion != nil {
		d.DataVersion = *dataVersion
	}

	r.uow.Track(d)
	return d, nil
}

// Get returns the demo or nil when it does not exist.
func (r *DemoRepo) Get(ctx context.Context, id int64) (*domain.Demo, error) {
	row := r.uow.tx.QueryRow(ctx,
		`SELECT `+demoColumns+` FROM demos WHERE id = $1`, id)
	return r.scan(row)
}

// BySharecode returns the demo with the given share code, or nil.
func (r *DemoRepo) BySharecode(ctx context.Context, sharecode string) (*domain.Demo, error) {
	row := r.uow.tx.QueryRow(ctx,
		`SELECT `+demoColumns+` FROM demos WHERE sharecode = $1`, sharecode)
	return r.scan(row)
}

// ByOriginIdentifier returns the demo with the origin scoped natural
// key, or nil.
func (r *DemoRepo) ByOriginIdentifier(ctx context.Context, origin domain.DemoOrigin, identifier string) (*domain.Demo, error) {
	row := r.uow.tx.QueryRow(ctx,
		`SELECT `+demoColumns+` FROM demos WHERE origin = $1 AND identifier = $2`,
		origin, identifier)
	return r.scan(row)
}

// Insert persists a new demo and fills in its generated id.
func (r *DemoRepo) Insert(ctx context.Context, d *domain.Demo) error {
	err := r.uow.tx.QueryRow(ctx,
		`INSERT INTO demos (game, origin, state, identifier, sharecode, time, download_url,
			map, score, downloaded_at, data_version, data)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''),
			NULLIF($8, ''), $9, $10, $11, $12)
		RETURNING id`,
		d.Game, d.Origin, d.State, d.Identifier, d.Sharecode, d.Time, d.DownloadURL,
		d.Map, d.Score, d.DownloadedAt, d.DataVersion, d.Data,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("inserting demo: %w", err)
	}

	r.uow.Track(d)
	return nil
}

// Update writes back every mutable demo field.
func (r *DemoRepo) Update(ctx context.Context, d *domain.Demo) error {
	_, err := r.uow.tx.Exec(ctx,
		`UPDATE demos SET state = $2, download_url = NULLIF($3, ''), map = NULLIF($4, ''),
			score = $5, downloaded_at = $6, data_version = $7, data = $8
		WHERE id = $1`,
		d.ID, d.State, d.DownloadURL, d.Map, d.Score, d.DownloadedAt, d.DataVersion, d.Data,
	)
	if err != nil {
		return fmt.Errorf("updating demo %d: %w", d.ID, err)
	}
	return nil
}

// LeastRecentlyUsed returns the ids of READY demos with data beyond
// the keep most recently downloaded ones, oldest first.
func (r *DemoRepo) LeastRecentlyUsed(ctx context.Context, keep int) ([]int64, error) {
	rows, err := r.uow.tx.Query(ctx,
		`SELECT id FROM demos
		WHERE state = $1 AND data IS NOT NULL
		ORDER BY downloaded_at DESC
		OFFSET $2`,
		domain.DemoReady, keep)
	if err != nil {
		return nil, fmt.Errorf("querying stale demos: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning demo id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDeleted tombstones the given demos and drops their data blobs.
func (r *DemoRepo) MarkDeleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.uow.tx.Exec(ctx,
		`UPDATE demos SET state = $2, data = NULL WHERE id = ANY($1)`,
		ids, domain.DemoDeleted)
	if err != nil {
		return fmt.Errorf("deleting demos: %w", err)
	}
	return nil
}

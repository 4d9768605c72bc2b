package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Run1e/STRIKER-sub000/internal/domain"
)

// UserRepo reads and writes per-user recording settings.
type UserRepo struct {
	uow *UnitOfWork
}

// ByUserID returns the user's settings, or nil when the user never
// saved any. A nil result is safe to call Filled on.
func (r *UserRepo) ByUserID(ctx context.Context, userID int64) (*domain.UserSettings, error) {
	u := &domain.UserSettings{}
	err := r.uow.tx.QueryRow(ctx,
		`SELECT user_id, fragmovie, color_filter, righthand, use_demo_crosshair, crosshair_code, hq
		FROM user_settings WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.Fragmovie, &u.ColorFilter, &u.Righthand, &u.UseDemoCrosshair, &u.CrosshairCode, &u.HQ)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user settings: %w", err)
	}
	return u, nil
}

// Upsert saves the user's settings, replacing earlier choices.
func (r *UserRepo) Upsert(ctx context.Context, u *domain.UserSettings) error {
	_, err := r.uow.tx.Exec(ctx,
		`INSERT INTO user_settings (user_id, fragmovie, color_filter, righthand,
			use_demo_crosshair, crosshair_code, hq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			fragmovie = EXCLUDED.fragmovie,
			color_filter = EXCLUDED.color_filter,
			righthand = EXCLUDED.righthand,
			use_demo_crosshair = EXCLUDED.use_demo_crosshair,
			crosshair_code = EXCLUDED.crosshair_code,
			hq = EXCLUDED.hq`,
		u.UserID, u.Fragmovie, u.ColorFilter, u.Righthand, u.UseDemoCrosshair, u.CrosshairCode, u.HQ,
	)
	if err != nil {
		return fmt.Errorf("upserting user settings: %w", err)
	}
	return nil
}

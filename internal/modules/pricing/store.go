// README: Pricing rule overrides backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetFeeRule(ctx context.Context, region string) (FeeRule, bool, error) {
	row := s.db.QueryRow(ctx, `
        SELECT model, payer, value_bps, value_cents
        FROM fee_rules
        WHERE region = $1`, region,
	)
	var r FeeRule
	err := row.Scan(&r.Model, &r.Payer, &r.ValueBps, &r.ValueCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return FeeRule{}, false, nil
	}
	if err != nil {
		return FeeRule{}, false, err
	}
	return r, true, nil
}

func (s *Store) GetTaxRule(ctx context.Context, region string) (TaxRule, bool, error) {
	row := s.db.QueryRow(ctx, `
        SELECT rate_bps
        FROM tax_rules
        WHERE region = $1`, region,
	)
	var r TaxRule
	err := row.Scan(&r.RateBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaxRule{}, false, nil
	}
	if err != nil {
		return TaxRule{}, false, err
	}
	return r, true, nil
}

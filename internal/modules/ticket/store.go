// README: Ticket store; transactional methods take the caller's pgx.Tx so line
// mutations, total recompute, and finalization share one lock scope.
package ticket

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"housecall/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

const ticketColumns = `
        id, party_type, party_id, ticket_no, ref_type, ref_id,
        stage, status, tax_region_code, currency,
        subtotal_cents, tax_cents, total_cents,
        snapshot_hash, finalized_at, created_at, updated_at`

func scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID, &t.PartyType, &t.PartyID, &t.TicketNo, &t.RefType, &t.RefID,
		&t.Stage, &t.Status, &t.TaxRegionCode, &t.Currency,
		&t.SubtotalCents, &t.TaxCents, &t.TotalCents,
		&t.SnapshotHash, &t.FinalizedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetByPartyRefTx(ctx context.Context, tx pgx.Tx, partyType PartyType, partyID types.ID, refType string, refID types.ID, lock bool) (*Ticket, error) {
	q := `SELECT` + ticketColumns + `
        FROM tickets
        WHERE party_type = $1 AND party_id = $2 AND ref_type = $3 AND ref_id = $4`
	if lock {
		q += ` FOR UPDATE`
	}
	return scanTicket(tx.QueryRow(ctx, q, string(partyType), string(partyID), refType, string(refID)))
}

// GetByRefTx finds the newest ticket of a party type for the ref without
// knowing the party id. Returns (nil, nil) when the side has no ticket yet.
func (s *Store) GetByRefTx(ctx context.Context, tx pgx.Tx, partyType PartyType, refType string, refID types.ID, lock bool) (*Ticket, error) {
	q := `SELECT` + ticketColumns + `
        FROM tickets
        WHERE party_type = $1 AND ref_type = $2 AND ref_id = $3
        ORDER BY created_at DESC
        LIMIT 1`
	if lock {
		q += ` FOR UPDATE`
	}
	t, err := scanTicket(tx.QueryRow(ctx, q, string(partyType), refType, string(refID)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *Store) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id types.ID) (*Ticket, error) {
	return scanTicket(tx.QueryRow(ctx, `SELECT`+ticketColumns+`
        FROM tickets WHERE id = $1 FOR UPDATE`, string(id)))
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Ticket, error) {
	return scanTicket(s.db.QueryRow(ctx, `SELECT`+ticketColumns+`
        FROM tickets WHERE id = $1`, string(id)))
}

// CreateTx inserts a ticket; a duplicate (party, ref) insert reports
// ErrAlreadyExists so the caller can fall back to the winner's row.
func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, t *Ticket) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO tickets (
            id, party_type, party_id, ticket_no, ref_type, ref_id,
            stage, status, tax_region_code, currency,
            subtotal_cents, tax_cents, total_cents
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(t.ID), string(t.PartyType), string(t.PartyID), t.TicketNo, t.RefType, string(t.RefID),
		string(t.Stage), string(t.Status), t.TaxRegionCode, t.Currency,
		t.SubtotalCents, t.TaxCents, t.TotalCents,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// NextInvoiceNumberTx atomically bumps the per-party counter and returns the
// value to use. The upsert takes a row lock, so concurrent callers serialize.
func (s *Store) NextInvoiceNumberTx(ctx context.Context, tx pgx.Tx, partyType PartyType, partyID types.ID) (int64, error) {
	row := tx.QueryRow(ctx, `
        INSERT INTO invoice_sequences (party_type, party_id, next_value)
        VALUES ($1, $2, 2)
        ON CONFLICT (party_type, party_id)
        DO UPDATE SET next_value = invoice_sequences.next_value + 1
        RETURNING next_value - 1`,
		string(partyType), string(partyID),
	)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

const lineColumns = `
        id, ticket_id, line_no, line_type, description, qty,
        unit_price_cents, line_subtotal_cents, tax_rate_bps, tax_cents,
        line_total_cents, tax_region_code, created_at`

func (s *Store) LinesTx(ctx context.Context, tx pgx.Tx, ticketID types.ID) ([]Line, error) {
	rows, err := tx.Query(ctx, `SELECT`+lineColumns+`
        FROM ticket_lines WHERE ticket_id = $1 ORDER BY line_no`, string(ticketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

func (s *Store) Lines(ctx context.Context, ticketID types.ID) ([]Line, error) {
	rows, err := s.db.Query(ctx, `SELECT`+lineColumns+`
        FROM ticket_lines WHERE ticket_id = $1 ORDER BY line_no`, string(ticketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

func collectLines(rows pgx.Rows) ([]Line, error) {
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(
			&l.ID, &l.TicketID, &l.LineNo, &l.LineType, &l.Description, &l.Qty,
			&l.UnitPriceCents, &l.LineSubtotalCents, &l.TaxRateBps, &l.TaxCents,
			&l.LineTotalCents, &l.TaxRegionCode, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) FirstLineOfTypeTx(ctx context.Context, tx pgx.Tx, ticketID types.ID, lt LineType) (*Line, error) {
	row := tx.QueryRow(ctx, `SELECT`+lineColumns+`
        FROM ticket_lines WHERE ticket_id = $1 AND line_type = $2
        ORDER BY line_no LIMIT 1`, string(ticketID), string(lt))
	var l Line
	err := row.Scan(
		&l.ID, &l.TicketID, &l.LineNo, &l.LineType, &l.Description, &l.Qty,
		&l.UnitPriceCents, &l.LineSubtotalCents, &l.TaxRateBps, &l.TaxCents,
		&l.LineTotalCents, &l.TaxRegionCode, &l.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) NextLineNoTx(ctx context.Context, tx pgx.Tx, ticketID types.ID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
        SELECT COALESCE(MAX(line_no), 0) + 1 FROM ticket_lines WHERE ticket_id = $1`,
		string(ticketID)).Scan(&n)
	return n, err
}

func (s *Store) InsertLineTx(ctx context.Context, tx pgx.Tx, l *Line) error {
	err := tx.QueryRow(ctx, `
        INSERT INTO ticket_lines (
            ticket_id, line_no, line_type, description, qty,
            unit_price_cents, line_subtotal_cents, tax_rate_bps, tax_cents,
            line_total_cents, tax_region_code
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id, created_at`,
		string(l.TicketID), l.LineNo, string(l.LineType), l.Description, l.Qty,
		l.UnitPriceCents, l.LineSubtotalCents, l.TaxRateBps, l.TaxCents,
		l.LineTotalCents, l.TaxRegionCode,
	).Scan(&l.ID, &l.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) UpdateLineAmountsTx(ctx context.Context, tx pgx.Tx, l *Line) error {
	_, err := tx.Exec(ctx, `
        UPDATE ticket_lines
        SET description = $2, qty = $3, unit_price_cents = $4,
            line_subtotal_cents = $5, tax_rate_bps = $6, tax_cents = $7,
            line_total_cents = $8
        WHERE id = $1`,
		l.ID, l.Description, l.Qty, l.UnitPriceCents,
		l.LineSubtotalCents, l.TaxRateBps, l.TaxCents, l.LineTotalCents,
	)
	return err
}

func (s *Store) DeleteLineTx(ctx context.Context, tx pgx.Tx, lineID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM ticket_lines WHERE id = $1`, lineID)
	return err
}

func (s *Store) UpdateTotalsTx(ctx context.Context, tx pgx.Tx, id types.ID, subtotal, tax, total int64) error {
	_, err := tx.Exec(ctx, `
        UPDATE tickets
        SET subtotal_cents = $2, tax_cents = $3, total_cents = $4, updated_at = NOW()
        WHERE id = $1`,
		string(id), subtotal, tax, total,
	)
	return err
}

func (s *Store) MarkFinalizedTx(ctx context.Context, tx pgx.Tx, id types.ID, hash *string) error {
	_, err := tx.Exec(ctx, `
        UPDATE tickets
        SET stage = 'final', status = 'finalized', snapshot_hash = $2,
            finalized_at = NOW(), updated_at = NOW()
        WHERE id = $1`,
		string(id), hash,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return tx, nil
}

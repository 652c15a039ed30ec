// README: Ticket service: idempotent ensure, line mutations with total recompute, finalize.
package ticket

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"housecall/internal/modules/pricing"
	"housecall/internal/types"
)

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrAlreadyExists = errors.New("ticket already exists")
	ErrImmutable     = errors.New("ticket is finalized and immutable")
	ErrNotOpen       = errors.New("ticket_not_open")
	ErrBadRequest    = errors.New("bad ticket request")
)

const (
	clientInvoicePrefix   = "CLNT-"
	providerInvoicePrefix = "PROV-"
)

type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) Store() *Store {
	return s.store
}

type EnsureCommand struct {
	PartyType PartyType
	PartyID   types.ID
	RefType   string
	RefID     types.ID
	TaxRegion string
	Currency  string
}

// EnsureTx returns the party's ticket for the ref, creating it on first use.
// A unique-violation race means someone else created it first; the existing
// row is fetched and returned with created=false.
func (s *Service) EnsureTx(ctx context.Context, tx pgx.Tx, cmd EnsureCommand) (*Ticket, bool, error) {
	if cmd.PartyID == "" || cmd.RefType == "" || cmd.RefID == "" {
		return nil, false, ErrBadRequest
	}
	t, err := s.store.GetByPartyRefTx(ctx, tx, cmd.PartyType, cmd.PartyID, cmd.RefType, cmd.RefID, true)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	seq, err := s.store.NextInvoiceNumberTx(ctx, tx, cmd.PartyType, cmd.PartyID)
	if err != nil {
		return nil, false, err
	}
	prefix := clientInvoicePrefix
	if cmd.PartyType == PartyProvider {
		prefix = providerInvoicePrefix
	}
	currency := cmd.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	t = &Ticket{
		ID:            types.NewID(),
		PartyType:     cmd.PartyType,
		PartyID:       cmd.PartyID,
		TicketNo:      fmt.Sprintf("%s%s-%08d", prefix, cmd.PartyID, seq),
		RefType:       cmd.RefType,
		RefID:         cmd.RefID,
		Stage:         StageEstimate,
		Status:        StatusOpen,
		TaxRegionCode: cmd.TaxRegion,
		Currency:      currency,
	}
	err = s.store.CreateTx(ctx, tx, t)
	if errors.Is(err, ErrAlreadyExists) {
		t, err = s.store.GetByPartyRefTx(ctx, tx, cmd.PartyType, cmd.PartyID, cmd.RefType, cmd.RefID, true)
		if err != nil {
			return nil, false, err
		}
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// EnsureBaseLineTx makes sure the ticket carries exactly one base line, then
// recomputes totals. An existing base line is returned unchanged.
func (s *Service) EnsureBaseLineTx(ctx context.Context, tx pgx.Tx, t *Ticket, description string, amountCents int64) (*Line, error) {
	if !t.Open() {
		return nil, ErrImmutable
	}
	if existing, err := s.store.FirstLineOfTypeTx(ctx, tx, t.ID, LineBase); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	rateBps := pricing.TaxRuleForRegion(t.TaxRegionCode).RateBps
	taxCents, err := pricing.ComputeTaxCents(amountCents, rateBps)
	if err != nil {
		return nil, ErrBadRequest
	}
	l := &Line{
		TicketID:          t.ID,
		LineNo:            1,
		LineType:          LineBase,
		Description:       description,
		Qty:               1,
		UnitPriceCents:    amountCents,
		LineSubtotalCents: amountCents,
		TaxRateBps:        rateBps,
		TaxCents:          taxCents,
		LineTotalCents:    amountCents + taxCents,
		TaxRegionCode:     t.TaxRegionCode,
	}
	if err := s.store.InsertLineTx(ctx, tx, l); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return s.store.FirstLineOfTypeTx(ctx, tx, t.ID, LineBase)
		}
		return nil, err
	}
	if err := s.RecalcTotalsTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return l, nil
}

// EnsureFeeLineTx upserts the platform fee line at the given amount. Fee
// lines are untaxed; an existing line is updated in place when the amount
// changed.
func (s *Service) EnsureFeeLineTx(ctx context.Context, tx pgx.Tx, t *Ticket, description string, feeCents int64) (*Line, error) {
	if !t.Open() {
		return nil, ErrNotOpen
	}
	existing, err := s.store.FirstLineOfTypeTx(ctx, tx, t.ID, LineFee)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.LineSubtotalCents == feeCents && existing.Description == description {
			return existing, nil
		}
		existing.Description = description
		existing.UnitPriceCents = feeCents
		existing.LineSubtotalCents = feeCents
		existing.TaxCents = 0
		existing.LineTotalCents = feeCents
		if err := s.store.UpdateLineAmountsTx(ctx, tx, existing); err != nil {
			return nil, err
		}
		if err := s.RecalcTotalsTx(ctx, tx, t); err != nil {
			return nil, err
		}
		return existing, nil
	}

	no, err := s.store.NextLineNoTx(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	l := &Line{
		TicketID:          t.ID,
		LineNo:            no,
		LineType:          LineFee,
		Description:       description,
		Qty:               1,
		UnitPriceCents:    feeCents,
		LineSubtotalCents: feeCents,
		LineTotalCents:    feeCents,
		TaxRegionCode:     t.TaxRegionCode,
	}
	if err := s.store.InsertLineTx(ctx, tx, l); err != nil {
		return nil, err
	}
	if err := s.RecalcTotalsTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return l, nil
}

// AddExtraLineTx appends an extra line. Extras carry no tax of their own.
func (s *Service) AddExtraLineTx(ctx context.Context, tx pgx.Tx, t *Ticket, description string, amountCents int64) (*Line, error) {
	if !t.Open() {
		return nil, ErrNotOpen
	}
	if amountCents <= 0 || description == "" {
		return nil, ErrBadRequest
	}
	no, err := s.store.NextLineNoTx(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	l := &Line{
		TicketID:          t.ID,
		LineNo:            no,
		LineType:          LineExtra,
		Description:       description,
		Qty:               1,
		UnitPriceCents:    amountCents,
		LineSubtotalCents: amountCents,
		LineTotalCents:    amountCents,
		TaxRegionCode:     t.TaxRegionCode,
	}
	if err := s.store.InsertLineTx(ctx, tx, l); err != nil {
		return nil, err
	}
	if err := s.RecalcTotalsTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return l, nil
}

// AddExtraPairTx mirrors one extra onto both tickets; both must be open, so
// the pair lands atomically or not at all.
func (s *Service) AddExtraPairTx(ctx context.Context, tx pgx.Tx, providerT, clientT *Ticket, description string, amountCents int64) error {
	if !providerT.Open() || !clientT.Open() {
		return ErrNotOpen
	}
	if _, err := s.AddExtraLineTx(ctx, tx, providerT, description, amountCents); err != nil {
		return err
	}
	if _, err := s.AddExtraLineTx(ctx, tx, clientT, description, amountCents); err != nil {
		return err
	}
	return nil
}

// RecalcTotalsTx re-derives the denormalized sums from the line set. Totals
// follow the line convention: total is gross (tax included), subtotal is
// gross minus tax.
func (s *Service) RecalcTotalsTx(ctx context.Context, tx pgx.Tx, t *Ticket) error {
	if !t.Open() {
		return ErrImmutable
	}
	lines, err := s.store.LinesTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	var gross, tax int64
	for _, l := range lines {
		gross += l.LineTotalCents
		tax += l.TaxCents
	}
	t.SubtotalCents = gross - tax
	t.TaxCents = tax
	t.TotalCents = gross
	return s.store.UpdateTotalsTx(ctx, tx, t.ID, t.SubtotalCents, t.TaxCents, t.TotalCents)
}

// FinalizeTx freezes the ticket. Re-finalizing is a no-op; any later mutation
// attempt fails with ErrImmutable. Client tickets get a snapshot hash.
func (s *Service) FinalizeTx(ctx context.Context, tx pgx.Tx, t *Ticket) error {
	if t.Status == StatusFinalized {
		return nil
	}
	if t.Status == StatusVoid {
		return ErrNotOpen
	}
	if err := s.RecalcTotalsTx(ctx, tx, t); err != nil {
		return err
	}
	var hash *string
	if t.PartyType == PartyClient {
		lines, err := s.store.LinesTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		h := SnapshotHash(t, lines)
		hash = &h
	}
	if err := s.store.MarkFinalizedTx(ctx, tx, t.ID, hash); err != nil {
		return err
	}
	t.Stage = StageFinal
	t.Status = StatusFinalized
	t.SnapshotHash = hash
	return nil
}

// UpdateLineTx rewrites an open ticket line's amounts and recomputes totals.
func (s *Service) UpdateLineTx(ctx context.Context, tx pgx.Tx, t *Ticket, l *Line) error {
	if !t.Open() {
		return ErrImmutable
	}
	l.LineTotalCents = l.LineSubtotalCents + l.TaxCents
	if err := s.store.UpdateLineAmountsTx(ctx, tx, l); err != nil {
		return err
	}
	return s.RecalcTotalsTx(ctx, tx, t)
}

// DeleteLineTx removes an open ticket line and recomputes totals.
func (s *Service) DeleteLineTx(ctx context.Context, tx pgx.Tx, t *Ticket, lineID int64) error {
	if !t.Open() {
		return ErrImmutable
	}
	if err := s.store.DeleteLineTx(ctx, tx, lineID); err != nil {
		return err
	}
	return s.RecalcTotalsTx(ctx, tx, t)
}

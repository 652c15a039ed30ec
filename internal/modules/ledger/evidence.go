// README: Best-effort JSON evidence artifacts; writers never fail the caller.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"housecall/internal/modules/ticket"
	"housecall/internal/types"
)

type evidenceTicket struct {
	ID            types.ID      `json:"id"`
	TicketNo      string        `json:"ticket_no"`
	Stage         string        `json:"stage"`
	Status        string        `json:"status"`
	Currency      string        `json:"currency"`
	TaxRegionCode string        `json:"tax_region_code"`
	SubtotalCents int64         `json:"subtotal_cents"`
	TaxCents      int64         `json:"tax_cents"`
	TotalCents    int64         `json:"total_cents"`
	SnapshotHash  *string       `json:"snapshot_hash,omitempty"`
	Lines         []ticket.Line `json:"lines"`
}

type evidencePayload struct {
	Meta struct {
		GeneratedAt   time.Time `json:"generated_at"`
		RunID         string    `json:"run_id,omitempty"`
		Source        string    `json:"source"`
		SchemaVersion int       `json:"schema_version"`
	} `json:"meta"`
	Job struct {
		ID         types.ID `json:"id"`
		Status     string   `json:"status"`
		City       string   `json:"city"`
		RegionCode string   `json:"region_code"`
	} `json:"job"`
	Ledger  *Entry `json:"ledger"`
	Tickets struct {
		Provider *evidenceTicket `json:"provider"`
		Client   *evidenceTicket `json:"client"`
	} `json:"tickets"`
}

// WriteEvidence snapshots the job's ledger and both tickets to a JSON file
// under the configured directory and returns the path.
func (s *Service) WriteEvidence(ctx context.Context, jobID types.ID, runID, source string) (string, error) {
	if s.evidenceDir == "" {
		return "", fmt.Errorf("evidence directory not configured")
	}

	var p evidencePayload
	p.Meta.GeneratedAt = time.Now().UTC()
	p.Meta.RunID = runID
	p.Meta.Source = source
	p.Meta.SchemaVersion = 1

	err := s.store.db.QueryRow(ctx, `SELECT id, status, city, region_code FROM jobs WHERE id = $1`,
		string(jobID)).Scan(&p.Job.ID, &p.Job.Status, &p.Job.City, &p.Job.RegionCode)
	if err != nil {
		return "", err
	}

	entry, err := s.store.Base(ctx, jobID)
	if err != nil {
		return "", err
	}
	p.Ledger = entry

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	if p.Tickets.Provider, err = s.evidenceTicketTx(ctx, tx, ticket.PartyProvider, jobID); err != nil {
		return "", err
	}
	if p.Tickets.Client, err = s.evidenceTicketTx(ctx, tx, ticket.PartyClient, jobID); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.evidenceDir, 0o755); err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("ledger_evidence_job_%s_%s.json", jobID, p.Meta.GeneratedAt.Format("20060102_150405"))
	path := filepath.Join(s.evidenceDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Service) evidenceTicketTx(ctx context.Context, tx pgx.Tx, party ticket.PartyType, jobID types.ID) (*evidenceTicket, error) {
	t, err := s.tickets.GetByRefTx(ctx, tx, party, "job", jobID, false)
	if err != nil || t == nil {
		return nil, err
	}
	lines, err := s.tickets.LinesTx(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	return &evidenceTicket{
		ID:            t.ID,
		TicketNo:      t.TicketNo,
		Stage:         string(t.Stage),
		Status:        string(t.Status),
		Currency:      t.Currency,
		TaxRegionCode: t.TaxRegionCode,
		SubtotalCents: t.SubtotalCents,
		TaxCents:      t.TaxCents,
		TotalCents:    t.TotalCents,
		SnapshotHash:  t.SnapshotHash,
		Lines:         lines,
	}, nil
}

// TryWriteEvidence is the swallow-errors wrapper used in close and rebuild
// flows; those must never fail on an evidence problem.
func (s *Service) TryWriteEvidence(ctx context.Context, jobID types.ID, runID, source string) string {
	path, err := s.WriteEvidence(ctx, jobID, runID, source)
	if err != nil {
		log.Printf("ledger: evidence for job %s: %v", jobID, err)
		return ""
	}
	return path
}

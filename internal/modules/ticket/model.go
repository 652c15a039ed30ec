// README: Ticket aggregate (per-party financial tally) and its line items.
package ticket

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"housecall/internal/types"
)

type PartyType string

const (
	PartyClient   PartyType = "client"
	PartyProvider PartyType = "provider"
)

type Stage string

const (
	StageEstimate Stage = "estimate"
	StageFinal    Stage = "final"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusFinalized Status = "finalized"
	StatusVoid      Status = "void"
)

type LineType string

const (
	LineBase   LineType = "base"
	LineExtra  LineType = "extra"
	LineFee    LineType = "fee"
	LineAdjust LineType = "adjust"
)

type Ticket struct {
	ID            types.ID
	PartyType     PartyType
	PartyID       types.ID
	TicketNo      string
	RefType       string
	RefID         types.ID
	Stage         Stage
	Status        Status
	TaxRegionCode string
	Currency      string
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
	SnapshotHash  *string
	FinalizedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (t *Ticket) Open() bool {
	return t.Status == StatusOpen
}

type Line struct {
	ID                int64
	TicketID          types.ID
	LineNo            int
	LineType          LineType
	Description       string
	Qty               int
	UnitPriceCents    int64
	LineSubtotalCents int64
	TaxRateBps        int64
	TaxCents          int64
	LineTotalCents    int64
	TaxRegionCode     string
	CreatedAt         time.Time
}

// SnapshotHash derives the finalization hash from the frozen totals and line
// set: SHA-256 over canonical JSON (map keys marshal sorted, so the encoding
// is stable for identical data).
func SnapshotHash(t *Ticket, lines []Line) string {
	doc := map[string]any{
		"subtotal":   t.SubtotalCents,
		"tax":        t.TaxCents,
		"total":      t.TotalCents,
		"currency":   t.Currency,
		"tax_region": t.TaxRegionCode,
		"lines":      canonicalLines(lines),
	}
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func canonicalLines(lines []Line) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		out = append(out, map[string]any{
			"line_no":             l.LineNo,
			"line_type":           string(l.LineType),
			"description":         l.Description,
			"qty":                 l.Qty,
			"unit_price_cents":    l.UnitPriceCents,
			"line_subtotal_cents": l.LineSubtotalCents,
			"tax_rate_bps":        l.TaxRateBps,
			"tax_cents":           l.TaxCents,
			"line_total_cents":    l.LineTotalCents,
		})
	}
	return out
}

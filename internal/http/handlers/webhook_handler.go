// README: Payment processor webhooks: charge capture, refunds, and payout
// transfer status. Every event is keyed by the processor's id so replays
// are absorbed.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"housecall/internal/modules/ledger"
	"housecall/internal/modules/settlement"
	"housecall/internal/types"
)

type WebhookHandler struct {
	db          *pgxpool.Pool
	ledger      *ledger.Service
	settlements *settlement.Service
}

func NewWebhookHandler(db *pgxpool.Pool, led *ledger.Service, settlements *settlement.Service) *WebhookHandler {
	return &WebhookHandler{db: db, ledger: led, settlements: settlements}
}

// markEvent records the webhook id, reporting whether it was seen before.
func (h *WebhookHandler) markEvent(c *gin.Context, externalID, kind string) (bool, bool) {
	tag, err := h.db.Exec(c.Request.Context(), `
        INSERT INTO webhook_events (external_id, kind)
        VALUES ($1, $2)
        ON CONFLICT (external_id) DO NOTHING`, externalID, kind)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error")
		return false, false
	}
	return tag.RowsAffected() == 0, true
}

// unmarkEvent releases the dedup marker after a failed effect so the
// processor's retry is not swallowed as a duplicate.
func (h *WebhookHandler) unmarkEvent(c *gin.Context, externalID string) {
	if _, err := h.db.Exec(context.WithoutCancel(c.Request.Context()), `
        DELETE FROM webhook_events WHERE external_id = $1`, externalID); err != nil {
		log.Printf("webhook: release marker %s: %v", externalID, err)
	}
}

type chargeSucceededReq struct {
	EventID  string `json:"event_id"`
	JobID    string `json:"job_id"`
	ChargeID string `json:"charge_id"`
	Kind     string `json:"kind"`
}

// ChargeSucceeded records the captured client payment against the finalized
// ticket. The ledger write is idempotent per charge id, so a replay after a
// half-processed event still converges.
func (h *WebhookHandler) ChargeSucceeded(c *gin.Context) {
	var req chargeSucceededReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.EventID == "" || req.ChargeID == "" || !isValidID(req.JobID) {
		writeError(c, http.StatusBadRequest, "missing event_id, charge_id, or job_id")
		return
	}
	if seen, ok := h.markEvent(c, req.EventID, "charge_succeeded"); !ok {
		return
	} else if seen {
		writeJSON(c, http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = "charge"
	}
	p, err := h.ledger.RecordPayment(c.Request.Context(), types.ID(req.JobID), req.ChargeID, kind)
	if err != nil {
		h.unmarkEvent(c, req.EventID)
		if errors.Is(err, ledger.ErrNoFinalTicket) {
			writeError(c, http.StatusBadRequest, "no_final_ticket")
			return
		}
		writeError(c, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "recorded", "payment_id": p.ID, "amount_cents": p.AmountCents})
}

type chargeRefundedReq struct {
	EventID     string `json:"event_id"`
	RefundID    string `json:"refund_id"`
	ChargeID    string `json:"charge_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

func (h *WebhookHandler) ChargeRefunded(c *gin.Context) {
	var req chargeRefundedReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.EventID == "" || req.RefundID == "" || req.ChargeID == "" {
		writeError(c, http.StatusBadRequest, "missing event_id, refund_id, or charge_id")
		return
	}
	if seen, ok := h.markEvent(c, req.EventID, "charge_refunded"); !ok {
		return
	} else if seen {
		writeJSON(c, http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	note, err := h.ledger.RefundFromWebhook(c.Request.Context(), req.RefundID, req.ChargeID, req.AmountCents, req.Reason)
	if err != nil {
		h.unmarkEvent(c, req.EventID)
		if errors.Is(err, ledger.ErrBadRequest) {
			writeError(c, http.StatusBadRequest, "bad_request")
			return
		}
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(c, http.StatusNotFound, "charge_not_found")
			return
		}
		writeError(c, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "recorded", "credit_note_id": note.ID, "amount_cents": note.AmountCents})
}

type payoutStatusReq struct {
	EventID      string  `json:"event_id"`
	SettlementID string  `json:"settlement_id"`
	TransferID   *string `json:"transfer_id"`
	Status       string  `json:"status"`
}

func (h *WebhookHandler) PayoutStatus(c *gin.Context) {
	var req payoutStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.EventID == "" || req.Status == "" || !isValidID(req.SettlementID) {
		writeError(c, http.StatusBadRequest, "missing event_id, settlement_id, or status")
		return
	}
	if seen, ok := h.markEvent(c, req.EventID, "payout_status"); !ok {
		return
	} else if seen {
		writeJSON(c, http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err := h.settlements.RecordPayoutStatus(c.Request.Context(), types.ID(req.SettlementID), req.TransferID, req.Status); err != nil {
		h.unmarkEvent(c, req.EventID)
		if errors.Is(err, settlement.ErrNotFound) {
			writeError(c, http.StatusNotFound, "settlement_not_found")
			return
		}
		writeError(c, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "recorded"})
}

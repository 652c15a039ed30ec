// README: Settlement admin handlers: weekly generation, approve, pay,
// cancel, CSV export, and the integrity report.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"housecall/internal/modules/settlement"
	"housecall/internal/types"
)

type SettlementHandler struct {
	settlements *settlement.Service
}

func NewSettlementHandler(svc *settlement.Service) *SettlementHandler {
	return &SettlementHandler{settlements: svc}
}

func (h *SettlementHandler) GenerateWeekly(c *gin.Context) {
	stats, err := h.settlements.GenerateWeekly(c.Request.Context(), time.Now().UTC())
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"providers": stats.Providers,
		"created":   stats.Created,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	})
}

func (h *SettlementHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid settlement id")
		return
	}
	st, err := h.settlements.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, settlementView(st))
}

func (h *SettlementHandler) Approve(c *gin.Context) {
	st, err := h.settlements.Approve(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, settlementView(st))
}

type payReq struct {
	Reference  string  `json:"reference"`
	ExecutedBy string  `json:"executed_by"`
	TransferID *string `json:"transfer_id"`
}

func (h *SettlementHandler) Pay(c *gin.Context) {
	var req payReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Reference == "" {
		writeError(c, http.StatusBadRequest, "reference_required")
		return
	}
	p, err := h.settlements.ExecutePayment(c.Request.Context(), settlement.PayCommand{
		SettlementID: types.ID(c.Param("id")),
		Reference:    req.Reference,
		ExecutedBy:   req.ExecutedBy,
		TransferID:   req.TransferID,
	})
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"payment_id":   p.ID,
		"amount_cents": p.AmountCents,
		"reference":    p.Reference,
		"executed_at":  p.ExecutedAt,
	})
}

func (h *SettlementHandler) Cancel(c *gin.Context) {
	st, err := h.settlements.Cancel(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, settlementView(st))
}

func (h *SettlementHandler) ExportCSV(c *gin.Context) {
	limit := 1000
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=settlements.csv")
	if _, err := h.settlements.ExportCSV(c.Request.Context(), c.Writer, limit); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}

func (h *SettlementHandler) Integrity(c *gin.Context) {
	findings, err := h.settlements.IntegrityCheck(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]gin.H, 0, len(findings))
	for _, f := range findings {
		views = append(views, gin.H{"check": f.Check, "detail": f.Detail})
	}
	writeJSON(c, http.StatusOK, gin.H{"findings": views, "clean": len(findings) == 0})
}

func settlementView(st *settlement.Settlement) gin.H {
	v := gin.H{
		"settlement_id":            st.ID,
		"provider_id":              st.ProviderID,
		"period_start":             st.PeriodStart.Format("2006-01-02"),
		"period_end":               st.PeriodEnd.Format("2006-01-02"),
		"currency":                 st.Currency,
		"status":                   st.Status,
		"job_count":                st.JobCount,
		"total_gross_cents":        st.TotalGrossCents,
		"total_tax_cents":          st.TotalTaxCents,
		"total_fee_cents":          st.TotalFeeCents,
		"total_net_provider_cents": st.TotalNetProviderCents,
	}
	if st.ScheduledPayoutDate != nil {
		v["scheduled_payout_date"] = st.ScheduledPayoutDate.Format("2006-01-02")
	}
	return v
}

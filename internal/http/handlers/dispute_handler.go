// README: Dispute handlers: open, provider response, admin resolution.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"housecall/internal/modules/dispute"
	"housecall/internal/types"
)

type DisputeHandler struct {
	disputes *dispute.Service
}

func NewDisputeHandler(svc *dispute.Service) *DisputeHandler {
	return &DisputeHandler{disputes: svc}
}

type openDisputeReq struct {
	JobID    string `json:"job_id"`
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

func (h *DisputeHandler) Open(c *gin.Context) {
	var req openDisputeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.JobID) || !isValidID(req.ClientID) {
		writeError(c, http.StatusBadRequest, "invalid job_id or client_id")
		return
	}
	d, err := h.disputes.Open(c.Request.Context(), dispute.OpenCommand{
		JobID:    types.ID(req.JobID),
		ClientID: types.ID(req.ClientID),
		Reason:   req.Reason,
	})
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, disputeView(d))
}

func (h *DisputeHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid dispute id")
		return
	}
	d, err := h.disputes.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, disputeView(d))
}

type respondReq struct {
	ProviderID string `json:"provider_id"`
	Response   string `json:"response"`
}

func (h *DisputeHandler) Respond(c *gin.Context) {
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ProviderID) {
		writeError(c, http.StatusBadRequest, "invalid provider_id")
		return
	}
	d, err := h.disputes.Respond(c.Request.Context(), dispute.RespondCommand{
		DisputeID:  types.ID(c.Param("id")),
		ProviderID: types.ID(req.ProviderID),
		Response:   req.Response,
	})
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, disputeView(d))
}

type resolveReq struct {
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by"`
}

func (h *DisputeHandler) Resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := h.disputes.Resolve(c.Request.Context(), dispute.ResolveCommand{
		DisputeID:  types.ID(c.Param("id")),
		Resolution: dispute.Resolution(req.Resolution),
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, disputeView(d))
}

func disputeView(d *dispute.Dispute) gin.H {
	v := gin.H{
		"dispute_id":  d.ID,
		"job_id":      d.JobID,
		"client_id":   d.ClientID,
		"provider_id": d.ProviderID,
		"status":      d.Status,
		"reason":      d.Reason,
		"opened_at":   d.OpenedAt,
	}
	if d.ProviderResponse != nil {
		v["provider_response"] = *d.ProviderResponse
	}
	if d.Resolution != nil {
		v["resolution"] = *d.Resolution
	}
	if d.ResolvedAt != nil {
		v["resolved_at"] = *d.ResolvedAt
	}
	return v
}

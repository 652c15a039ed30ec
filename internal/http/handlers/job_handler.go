// README: Job lifecycle handlers: create, direct accept, marketplace offers,
// urgent holds, execution, extras, close, and cancel.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"housecall/internal/modules/job"
	"housecall/internal/types"
)

type JobHandler struct {
	jobs *job.Service
}

func NewJobHandler(svc *job.Service) *JobHandler {
	return &JobHandler{jobs: svc}
}

type createJobReq struct {
	ClientID       string     `json:"client_id"`
	Mode           string     `json:"mode"`
	ServiceType    string     `json:"service_type"`
	Address        string     `json:"address"`
	City           string     `json:"city"`
	RegionCode     string     `json:"region_code"`
	Lat            *float64   `json:"lat"`
	Lng            *float64   `json:"lng"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	BasePriceCents int64      `json:"base_price_cents"`
	ProviderID     string     `json:"provider_id"`
}

func (h *JobHandler) Create(c *gin.Context) {
	var req createJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.ClientID) {
		writeError(c, http.StatusBadRequest, "invalid client_id")
		return
	}
	cmd := job.CreateCommand{
		ClientID:       types.ID(req.ClientID),
		Mode:           job.Mode(req.Mode),
		ServiceType:    req.ServiceType,
		Address:        req.Address,
		City:           req.City,
		RegionCode:     req.RegionCode,
		Lat:            req.Lat,
		Lng:            req.Lng,
		ScheduledAt:    req.ScheduledAt,
		BasePriceCents: req.BasePriceCents,
	}
	if req.ProviderID != "" {
		if !isValidID(req.ProviderID) {
			writeError(c, http.StatusBadRequest, "invalid provider_id")
			return
		}
		pid := types.ID(req.ProviderID)
		cmd.ProviderID = &pid
	}
	j, err := h.jobs.Create(c.Request.Context(), cmd)
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, jobView(j))
}

func (h *JobHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid job id")
		return
	}
	j, err := h.jobs.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

type actorReq struct {
	ProviderID string `json:"provider_id"`
	ClientID   string `json:"client_id"`
}

func (h *JobHandler) providerID(c *gin.Context) (types.ID, bool) {
	var req actorReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ProviderID) {
		writeError(c, http.StatusBadRequest, "invalid provider_id")
		return "", false
	}
	return types.ID(req.ProviderID), true
}

func (h *JobHandler) clientID(c *gin.Context) (types.ID, bool) {
	var req actorReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ClientID) {
		writeError(c, http.StatusBadRequest, "invalid client_id")
		return "", false
	}
	return types.ID(req.ClientID), true
}

// Accept is the selected provider accepting a direct request.
func (h *JobHandler) Accept(c *gin.Context) {
	pid, ok := h.providerID(c)
	if !ok {
		return
	}
	j, err := h.jobs.AcceptNormal(c.Request.Context(), types.ID(c.Param("id")), pid)
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

// AcceptOffer is a marketplace provider accepting a broadcast offer.
func (h *JobHandler) AcceptOffer(c *gin.Context) {
	pid, ok := h.providerID(c)
	if !ok {
		return
	}
	j, outcome, err := h.jobs.AcceptOffer(c.Request.Context(), types.ID(c.Param("id")), pid)
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"job": jobView(j), "outcome": outcome})
}

// Confirm is the client confirming the pending provider, for both the direct
// and the marketplace flow.
func (h *JobHandler) Confirm(c *gin.Context) {
	cid, ok := h.clientID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := types.ID(c.Param("id"))

	j, err := h.jobs.Get(ctx, id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if j.Status == job.StatusPendingProvider || (j.Mode == job.ModeOnDemand && j.Status == job.StatusPendingClient) {
		j, err = h.jobs.ConfirmClient(ctx, id, cid)
	} else {
		j, err = h.jobs.ConfirmProvider(ctx, id, cid)
	}
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

type decisionReq struct {
	ClientID       string     `json:"client_id"`
	Action         string     `json:"action"`
	NewScheduledAt *time.Time `json:"new_scheduled_at"`
}

func (h *JobHandler) Decision(c *gin.Context) {
	var req decisionReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ClientID) {
		writeError(c, http.StatusBadRequest, "invalid client_id")
		return
	}
	j, err := h.jobs.ClientDecision(c.Request.Context(), job.ClientDecisionCommand{
		JobID:          types.ID(c.Param("id")),
		ClientID:       types.ID(req.ClientID),
		Action:         req.Action,
		NewScheduledAt: req.NewScheduledAt,
	})
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

func (h *JobHandler) Hold(c *gin.Context) {
	pid, ok := h.providerID(c)
	if !ok {
		return
	}
	res, err := h.jobs.HoldUrgent(c.Request.Context(), types.ID(c.Param("id")), pid)
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"job":         jobView(res.Job),
		"total_cents": res.TotalCents,
		"fee_cents":   res.FeeCents,
		"expires_at":  res.ExpiresAt,
		"renewed":     res.Renewed,
	})
}

func (h *JobHandler) ConfirmHold(c *gin.Context) {
	pid, ok := h.providerID(c)
	if !ok {
		return
	}
	j, err := h.jobs.ConfirmHold(c.Request.Context(), types.ID(c.Param("id")), pid)
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

type startReq struct {
	ProviderID string `json:"provider_id"`
	WorkerID   string `json:"worker_id"`
}

func (h *JobHandler) Start(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ProviderID) {
		writeError(c, http.StatusBadRequest, "invalid provider_id")
		return
	}
	j, err := h.jobs.Start(c.Request.Context(), job.StartCommand{
		JobID:      types.ID(c.Param("id")),
		ProviderID: types.ID(req.ProviderID),
		WorkerID:   types.ID(req.WorkerID),
	})
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "result": jobView(j)})
}

func (h *JobHandler) Complete(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ProviderID) {
		writeError(c, http.StatusBadRequest, "invalid provider_id")
		return
	}
	j, err := h.jobs.Complete(c.Request.Context(), job.CompleteCommand{
		JobID:      types.ID(c.Param("id")),
		ProviderID: types.ID(req.ProviderID),
		WorkerID:   types.ID(req.WorkerID),
	})
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

func (h *JobHandler) Close(c *gin.Context) {
	cid, ok := h.clientID(c)
	if !ok {
		return
	}
	j, err := h.jobs.ConfirmClosed(c.Request.Context(), job.CloseCommand{
		JobID:    types.ID(c.Param("id")),
		ClientID: cid,
	})
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "result": jobView(j)})
}

type extraReq struct {
	ProviderID  string `json:"provider_id"`
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
}

func (h *JobHandler) AddExtra(c *gin.Context) {
	var req extraReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ProviderID) {
		writeError(c, http.StatusBadRequest, "invalid provider_id")
		return
	}
	j, err := h.jobs.AddExtra(c.Request.Context(), job.AddExtraCommand{
		JobID:       types.ID(c.Param("id")),
		ProviderID:  types.ID(req.ProviderID),
		Description: req.Description,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

type cancelReq struct {
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
}

func (h *JobHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := job.CancelCommand{
		JobID:     types.ID(c.Param("id")),
		ActorType: req.ActorType,
		Reason:    req.Reason,
	}
	if req.ActorID != "" {
		if !isValidID(req.ActorID) {
			writeError(c, http.StatusBadRequest, "invalid actor_id")
			return
		}
		aid := types.ID(req.ActorID)
		cmd.ActorID = &aid
	}
	j, err := h.jobs.Cancel(c.Request.Context(), cmd)
	if err != nil {
		writeJobError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobView(j))
}

func jobView(j *job.Job) gin.H {
	v := gin.H{
		"job_id":       j.ID,
		"status":       j.Status,
		"mode":         j.Mode,
		"is_asap":      j.IsASAP,
		"client_id":    j.ClientID,
		"service_type": j.ServiceType,
		"region_code":  j.RegionCode,
		"created_at":   j.CreatedAt,
	}
	if j.SelectedProviderID != nil {
		v["selected_provider_id"] = *j.SelectedProviderID
	}
	if j.ScheduledAt != nil {
		v["scheduled_at"] = *j.ScheduledAt
	}
	if j.QuotedTotalCents != nil {
		v["quoted_total_cents"] = *j.QuotedTotalCents
	}
	if j.HoldExpiresAt != nil {
		v["hold_expires_at"] = *j.HoldExpiresAt
	}
	if j.MarketplaceExpiresAt != nil {
		v["marketplace_expires_at"] = *j.MarketplaceExpiresAt
	}
	if j.CancelReason != nil {
		v["cancel_reason"] = *j.CancelReason
	}
	return v
}

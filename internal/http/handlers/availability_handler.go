// README: Provider availability handlers: heartbeat and go-offline.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"housecall/internal/modules/availability"
	"housecall/internal/types"
)

type AvailabilityHandler struct {
	pool *availability.Service
}

func NewAvailabilityHandler(svc *availability.Service) *AvailabilityHandler {
	return &AvailabilityHandler{pool: svc}
}

type heartbeatReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *AvailabilityHandler) Heartbeat(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid provider id")
		return
	}
	var req heartbeatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.pool.Heartbeat(c.Request.Context(), types.ID(id), types.Point{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		if errors.Is(err, availability.ErrBadPosition) {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "on_shift"})
}

func (h *AvailabilityHandler) Offline(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid provider id")
		return
	}
	if err := h.pool.GoOffline(c.Request.Context(), types.ID(id)); err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "off_shift"})
}

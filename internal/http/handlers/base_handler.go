// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"housecall/internal/modules/dispute"
	"housecall/internal/modules/job"
	"housecall/internal/modules/settlement"
	"housecall/internal/modules/ticket"
)

// Errors are `{"ok":false,"error":<code>}`. Conflicts ride on 400/403 with a
// specific code; 409 is never used.
type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// isValidID ensures IDs are hex and at most 32 chars (matches the ID generator).
func isValidID(v string) bool {
	if v == "" || len(v) > 32 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code string) {
	writeJSON(c, status, errorResponse{Error: code})
}

func writeJobError(c *gin.Context, err error) {
	var conflict *job.ConflictError
	if errors.As(err, &conflict) {
		writeError(c, http.StatusBadRequest, conflict.Code)
		return
	}
	switch {
	case errors.Is(err, job.ErrBadRequest):
		writeError(c, http.StatusBadRequest, "bad_request")
	case errors.Is(err, job.ErrNotFound):
		writeError(c, http.StatusNotFound, "job_not_found")
	case errors.Is(err, job.ErrProviderNotAllowed), errors.Is(err, job.ErrClientNotAllowed),
		errors.Is(err, job.ErrDisputeOpen), errors.Is(err, ticket.ErrNotOpen):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, job.ErrInvalidState):
		writeError(c, http.StatusBadRequest, "invalid_state")
	case errors.Is(err, job.ErrConflict):
		writeError(c, http.StatusBadRequest, "conflict")
	case errors.Is(err, job.ErrTooManyActiveJobs):
		writeError(c, http.StatusBadRequest, "too_many_active_jobs")
	default:
		writeError(c, http.StatusInternalServerError, "internal_error")
	}
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispute.ErrBadRequest):
		writeError(c, http.StatusBadRequest, "bad_request")
	case errors.Is(err, dispute.ErrNotFound):
		writeError(c, http.StatusNotFound, "dispute_not_found")
	case errors.Is(err, dispute.ErrNotAllowed), errors.Is(err, dispute.ErrWindowClosed):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, dispute.ErrAlreadyExists):
		writeError(c, http.StatusBadRequest, "dispute_already_exists")
	case errors.Is(err, dispute.ErrInvalidState):
		writeError(c, http.StatusBadRequest, "invalid_state")
	default:
		writeError(c, http.StatusInternalServerError, "internal_error")
	}
}

func writeSettlementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, settlement.ErrBadRequest):
		writeError(c, http.StatusBadRequest, "bad_request")
	case errors.Is(err, settlement.ErrNotFound):
		writeError(c, http.StatusNotFound, "settlement_not_found")
	case errors.Is(err, settlement.ErrNotPayoutReady):
		writeError(c, http.StatusForbidden, "not_payout_ready")
	case errors.Is(err, settlement.ErrDisputesOpen):
		writeError(c, http.StatusForbidden, "disputes_open")
	case errors.Is(err, settlement.ErrImmutable):
		writeError(c, http.StatusForbidden, "settlement_immutable")
	case errors.Is(err, settlement.ErrAlreadyExists):
		writeError(c, http.StatusBadRequest, "already_exists")
	case errors.Is(err, settlement.ErrAlreadyPaid):
		writeError(c, http.StatusBadRequest, "already_paid")
	case errors.Is(err, settlement.ErrNothingToSettle):
		writeError(c, http.StatusBadRequest, "nothing_to_settle")
	case errors.Is(err, settlement.ErrInvalidState):
		writeError(c, http.StatusBadRequest, "invalid_state")
	case errors.Is(err, settlement.ErrHasLinkedRows):
		writeError(c, http.StatusBadRequest, "has_linked_rows")
	default:
		writeError(c, http.StatusInternalServerError, "internal_error")
	}
}

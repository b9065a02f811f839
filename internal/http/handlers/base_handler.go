// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetswap/internal/http/middleware"
	"fleetswap/internal/modules/swap"
	"fleetswap/internal/modules/trip"
	"fleetswap/internal/types"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// isValidID accepts letters, digits, '-' and '_' (uuids and opaque document ids).
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// pathID reads and checks the :name path parameter, answering 400 when invalid.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

// callerActor maps the authenticated caller onto an engine actor.
func callerActor(c *gin.Context) swap.Actor {
	role := swap.RoleDriver
	switch middleware.CallerRole(c) {
	case "admin":
		role = swap.RoleAdmin
	case "system":
		role = swap.RoleSystem
	}
	return swap.Actor{ID: types.ID(middleware.CallerUID(c)), Role: role}
}

func isAdmin(c *gin.Context) bool {
	return middleware.CallerRole(c) == "admin"
}

func writeSwapError(c *gin.Context, err error) {
	var ve *swap.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: swap.ErrValidationFailed.Error(), Reason: string(ve.Reason)})
	case errors.Is(err, swap.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, swap.ErrUnauthorized):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, swap.ErrNotFound):
		writeError(c, http.StatusNotFound, swap.ErrNotFound.Error())
	case errors.Is(err, swap.ErrWindowExpired):
		writeError(c, http.StatusGone, err.Error())
	case errors.Is(err, swap.ErrAlreadyResolved), errors.Is(err, swap.ErrStaleAssignment), errors.Is(err, swap.ErrInvalidState):
		writeError(c, http.StatusConflict, err.Error())
	case swap.Retryable(err):
		c.Header("Retry-After", "1")
		writeError(c, http.StatusServiceUnavailable, swap.ErrStoreConflict.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeTripError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrNotDriver):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, trip.ErrAlreadyActive):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// README: Swap request handlers; a thin adapter from gin to the swap engine.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleetswap/internal/modules/audit"
	"fleetswap/internal/modules/swap"
	"fleetswap/internal/types"
)

// SwapService is the part of swap.Service the handlers call.
type SwapService interface {
	Validate(ctx context.Context, requesterID, candidateID, vehicleID types.ID) (swap.Validation, error)
	Create(ctx context.Context, cmd swap.CreateCommand) (*swap.Request, error)
	Get(ctx context.Context, id types.ID) (*swap.Request, error)
	ListForDriver(ctx context.Context, driverID types.ID) ([]*swap.Request, error)
	Accept(ctx context.Context, cmd swap.AcceptCommand) (*swap.Request, error)
	Reject(ctx context.Context, cmd swap.RejectCommand) error
	Cancel(ctx context.Context, cmd swap.CancelCommand) error
	End(ctx context.Context, id types.ID, actor swap.Actor) (swap.EndResult, error)
	Sweep(ctx context.Context, now time.Time) (swap.SweepReport, error)
}

type AuditReader interface {
	ListByRequest(ctx context.Context, requestID types.ID) ([]audit.Entry, error)
}

type SwapHandler struct {
	swaps SwapService
	audit AuditReader
}

func NewSwapHandler(svc SwapService, auditLog AuditReader) *SwapHandler {
	return &SwapHandler{swaps: svc, audit: auditLog}
}

type createSwapReq struct {
	// RequesterID is only honoured for admins; drivers always request for themselves.
	RequesterID    string    `json:"requester_id"`
	CandidateID    string    `json:"candidate_id" binding:"required"`
	VehicleID      string    `json:"vehicle_id" binding:"required"`
	ScheduledStart time.Time `json:"scheduled_start" binding:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" binding:"required"`
	Reason         string    `json:"reason"`
}

// requester resolves who the request is made for and reports whether the caller may do so.
func (req *createSwapReq) requester(c *gin.Context) (types.ID, bool) {
	caller := callerActor(c).ID
	if req.RequesterID == "" || types.ID(req.RequesterID) == caller {
		return caller, true
	}
	return types.ID(req.RequesterID), isAdmin(c)
}

func (h *SwapHandler) Create(c *gin.Context) {
	var req createSwapReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	requester, ok := req.requester(c)
	if !ok {
		writeError(c, http.StatusForbidden, "cannot request a swap for another driver")
		return
	}
	if !isValidID(req.CandidateID) || !isValidID(req.VehicleID) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return
	}
	r, err := h.swaps.Create(c.Request.Context(), swap.CreateCommand{
		RequesterID:    requester,
		CandidateID:    types.ID(req.CandidateID),
		VehicleID:      types.ID(req.VehicleID),
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Reason:         req.Reason,
	})
	if err != nil {
		writeSwapError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, swap.ToDoc(r))
}

type validateSwapReq struct {
	RequesterID string `json:"requester_id"`
	CandidateID string `json:"candidate_id" binding:"required"`
	VehicleID   string `json:"vehicle_id" binding:"required"`
}

// Validate runs the pre-flight checks without creating a request.
func (h *SwapHandler) Validate(c *gin.Context) {
	var req validateSwapReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	requester, ok := (&createSwapReq{RequesterID: req.RequesterID}).requester(c)
	if !ok {
		writeError(c, http.StatusForbidden, "cannot validate a swap for another driver")
		return
	}
	v, err := h.swaps.Validate(c.Request.Context(), requester, types.ID(req.CandidateID), types.ID(req.VehicleID))
	if err != nil {
		writeSwapError(c, err)
		return
	}
	resp := gin.H{"ok": v.OK, "healed": v.Healed}
	if v.OK {
		resp["kind"] = swap.KindName(v.Kind)
	} else {
		resp["reason"] = v.Reason
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *SwapHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.swaps.Get(c.Request.Context(), id)
	if err != nil {
		writeSwapError(c, err)
		return
	}
	caller := callerActor(c).ID
	if !isAdmin(c) && caller != r.RequesterID && caller != r.CandidateID {
		// not a party: do not reveal that the request exists
		writeError(c, http.StatusNotFound, swap.ErrNotFound.Error())
		return
	}
	writeJSON(c, http.StatusOK, swap.ToDoc(r))
}

func (h *SwapHandler) ListForDriver(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if id != callerActor(c).ID && !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	rs, err := h.swaps.ListForDriver(c.Request.Context(), id)
	if err != nil {
		writeSwapError(c, err)
		return
	}
	out := make([]swap.RequestDoc, 0, len(rs))
	for _, r := range rs {
		out = append(out, swap.ToDoc(r))
	}
	writeJSON(c, http.StatusOK, gin.H{"swaps": out})
}

func (h *SwapHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.swaps.Accept(c.Request.Context(), swap.AcceptCommand{RequestID: id, ActorID: callerActor(c).ID})
	if err != nil {
		writeSwapError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, swap.ToDoc(r))
}

func (h *SwapHandler) Reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.swaps.Reject(c.Request.Context(), swap.RejectCommand{RequestID: id, ActorID: callerActor(c).ID}); err != nil {
		writeSwapError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id, "status": "rejected"})
}

func (h *SwapHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.swaps.Cancel(c.Request.Context(), swap.CancelCommand{RequestID: id, ActorID: callerActor(c).ID}); err != nil {
		writeSwapError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id, "status": "cancelled"})
}

func (h *SwapHandler) End(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.swaps.End(c.Request.Context(), id, callerActor(c))
	if err != nil {
		writeSwapError(c, err)
		return
	}
	resp := gin.H{
		"id":               id,
		"done":             res.Done,
		"pending_trip_end": res.PendingTripEnd,
		"trips":            res.Trips.String(),
	}
	if res.Partial != swap.PartialNone {
		resp["partial_revert_completed"] = res.Partial
	}
	status := http.StatusOK
	if res.PendingTripEnd {
		status = http.StatusAccepted
	}
	writeJSON(c, status, resp)
}

// Audit lists the audit trail of a request. Admin only.
func (h *SwapHandler) Audit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if h.audit == nil {
		writeError(c, http.StatusNotImplemented, "audit trail disabled")
		return
	}
	entries, err := h.audit.ListByRequest(c.Request.Context(), id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(c, http.StatusOK, gin.H{"entries": entries})
}

// Sweep runs one reconciler pass on demand.
func (h *SwapHandler) Sweep(c *gin.Context) {
	rep, err := h.swaps.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		writeSwapError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"reverted": rep.Reverted,
		"deferred": rep.Deferred,
		"expired":  rep.Expired,
		"skipped":  rep.Skipped,
		"failed":   rep.Failed,
	})
}

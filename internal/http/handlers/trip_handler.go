// README: Trip session handlers (start, heartbeat, end) feeding trip liveness.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleetswap/internal/modules/trip"
	"fleetswap/internal/types"
)

type TripSessions interface {
	Start(ctx context.Context, vehicleID, driverID types.ID) (*trip.Session, error)
	Heartbeat(ctx context.Context, vehicleID types.ID) error
	Finish(ctx context.Context, vehicleID types.ID) (*trip.Session, error)
	OpenSession(ctx context.Context, vehicleID types.ID) (*trip.Session, error)
}

type TripHandler struct {
	trips TripSessions
}

func NewTripHandler(trips TripSessions) *TripHandler {
	return &TripHandler{trips: trips}
}

type tripResp struct {
	ID        types.ID `json:"id"`
	VehicleID types.ID `json:"vehicle_id"`
	DriverID  types.ID `json:"driver_id"`
	StartedAt string   `json:"started_at"`
	EndedAt   string   `json:"ended_at,omitempty"`
}

func toTripResp(s *trip.Session) tripResp {
	out := tripResp{
		ID:        s.ID,
		VehicleID: s.VehicleID,
		DriverID:  s.DriverID,
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		out.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Start opens a trip for the calling driver on the vehicle they drive.
func (h *TripHandler) Start(c *gin.Context) {
	vehicleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	s, err := h.trips.Start(c.Request.Context(), vehicleID, callerActor(c).ID)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toTripResp(s))
}

func (h *TripHandler) Heartbeat(c *gin.Context) {
	vehicleID, ok := h.ownOpenTrip(c)
	if !ok {
		return
	}
	if err := h.trips.Heartbeat(c.Request.Context(), vehicleID); err != nil {
		writeTripError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TripHandler) End(c *gin.Context) {
	vehicleID, ok := h.ownOpenTrip(c)
	if !ok {
		return
	}
	s, err := h.trips.Finish(c.Request.Context(), vehicleID)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTripResp(s))
}

// ownOpenTrip checks the vehicle has an open trip driven by the caller (or the caller is an admin).
func (h *TripHandler) ownOpenTrip(c *gin.Context) (types.ID, bool) {
	vehicleID, ok := pathID(c, "id")
	if !ok {
		return "", false
	}
	s, err := h.trips.OpenSession(c.Request.Context(), vehicleID)
	if err != nil {
		writeTripError(c, err)
		return "", false
	}
	if s.DriverID != callerActor(c).ID && !isAdmin(c) {
		writeError(c, http.StatusForbidden, trip.ErrNotDriver.Error())
		return "", false
	}
	return vehicleID, true
}

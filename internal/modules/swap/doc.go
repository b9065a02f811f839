// README: JSON documents for requests, drivers and vehicles (realtime mirror, audit snapshots, API).
package swap

import (
	"fmt"
	"time"

	"fleetswap/internal/types"
)

type RevertDoc struct {
	Since     time.Time `json:"pending_revert_since"`
	CheckedAt time.Time `json:"checked_at"`
	Trips     string    `json:"trips"`
	Partial   string    `json:"partial_revert_completed,omitempty"`
}

type RequestDoc struct {
	ID                 string     `json:"id"`
	RequesterID        string     `json:"requester_id"`
	CandidateID        string     `json:"candidate_id"`
	PrimaryVehicleID   string     `json:"primary_vehicle_id"`
	SecondaryVehicleID string     `json:"secondary_vehicle_id,omitempty"`
	Kind               string     `json:"kind"`
	RequesterRouteID   string     `json:"requester_route_id,omitempty"`
	CandidateRouteID   string     `json:"candidate_route_id,omitempty"`
	ScheduledStart     time.Time  `json:"scheduled_start"`
	ScheduledEnd       time.Time  `json:"scheduled_end"`
	AcceptBy           time.Time  `json:"accept_by"`
	Status             string     `json:"status"`
	Reason             string     `json:"reason,omitempty"`
	Revert             *RevertDoc `json:"revert,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
}

func ToDoc(r *Request) RequestDoc {
	sec, _ := r.SecondaryVehicle()
	d := RequestDoc{
		ID:                 string(r.ID),
		RequesterID:        string(r.RequesterID),
		CandidateID:        string(r.CandidateID),
		PrimaryVehicleID:   string(r.PrimaryVehicleID),
		SecondaryVehicleID: string(sec),
		Kind:               KindName(r.Kind),
		RequesterRouteID:   string(types.Deref(r.RequesterRouteID)),
		CandidateRouteID:   string(types.Deref(r.CandidateRouteID)),
		ScheduledStart:     r.ScheduledStart,
		ScheduledEnd:       r.ScheduledEnd,
		AcceptBy:           r.AcceptBy,
		Status:             string(r.Status),
		Reason:             r.Reason,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		AcceptedAt:         r.AcceptedAt,
	}
	if r.Revert != nil {
		d.Revert = &RevertDoc{
			Since:     r.Revert.Since,
			CheckedAt: r.Revert.CheckedAt,
			Trips:     r.Revert.Trips.String(),
			Partial:   string(r.Revert.Partial),
		}
	}
	return d
}

// DecodeKind rebuilds the swap kind from its persisted name and optional
// secondary vehicle, rejecting combinations that disagree.
func DecodeKind(name string, secondary *types.ID) (Kind, error) {
	sec := types.Deref(secondary)
	switch name {
	case KindAssignment:
		if sec != "" {
			return nil, fmt.Errorf("%w: assignment with secondary vehicle %s", ErrInvalidState, sec)
		}
		return Assignment{}, nil
	case KindExchange:
		if sec == "" {
			return nil, fmt.Errorf("%w: exchange without secondary vehicle", ErrInvalidState)
		}
		return Exchange{SecondaryVehicleID: sec}, nil
	default:
		return nil, fmt.Errorf("%w: unknown swap kind %q", ErrInvalidState, name)
	}
}

// ParseTripState is the inverse of TripState.String.
func ParseTripState(s string) TripState {
	switch s {
	case "primary_active":
		return PrimaryActive
	case "secondary_active":
		return SecondaryActive
	case "both_active":
		return BothActive
	default:
		return NoneActive
	}
}

type DriverDoc struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Status           string    `json:"status"`
	CurrentVehicleID string    `json:"current_vehicle_id"`
	CurrentRouteID   string    `json:"current_route_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func DriverToDoc(d *Driver) DriverDoc {
	return DriverDoc{
		ID:               string(d.ID),
		Name:             d.Name,
		Status:           string(d.Status),
		CurrentVehicleID: string(types.Deref(d.CurrentVehicleID)),
		CurrentRouteID:   string(types.Deref(d.CurrentRouteID)),
		UpdatedAt:        d.UpdatedAt,
	}
}

type VehicleDoc struct {
	ID               string    `json:"id"`
	Label            string    `json:"label,omitempty"`
	ActiveDriverID   string    `json:"active_driver_id"`
	AssignedDriverID string    `json:"assigned_driver_id"`
	ActiveTripID     string    `json:"active_trip_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func VehicleToDoc(v *Vehicle) VehicleDoc {
	return VehicleDoc{
		ID:               string(v.ID),
		Label:            v.Label,
		ActiveDriverID:   string(types.Deref(v.ActiveDriverID)),
		AssignedDriverID: string(types.Deref(v.AssignedDriverID)),
		ActiveTripID:     string(types.Deref(v.ActiveTripID)),
		UpdatedAt:        v.UpdatedAt,
	}
}

// README: Pre-flight eligibility checks run before a swap request is created.
package swap

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"fleetswap/internal/types"
)

// Validation is the outcome of the pre-flight checks. When OK is false Reason
// names the first failed check.
type Validation struct {
	OK        bool
	Reason    Reason
	Kind      Kind
	Requester *Driver
	Candidate *Driver
	// Healed is set when the vehicle pointer was rewritten to match the requester.
	Healed bool
}

func failed(r Reason) Validation { return Validation{Reason: r} }

// Validate runs the eligibility checks in their own transaction. The vehicle
// auto-heal is the only write and is committed even when a later check fails.
func (s *Service) Validate(ctx context.Context, requesterID, candidateID, vehicleID types.ID) (Validation, error) {
	if requesterID == "" || candidateID == "" || vehicleID == "" {
		return Validation{}, ErrBadRequest
	}
	var out Validation
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		v, err := s.validate(ctx, tx, requesterID, candidateID, vehicleID)
		out = v
		return err
	})
	if err != nil {
		return Validation{}, err
	}
	return out, nil
}

func (s *Service) validate(ctx context.Context, tx Tx, requesterID, candidateID, vehicleID types.ID) (Validation, error) {
	if requesterID == candidateID {
		return failed(ReasonSelfSwap), nil
	}

	// 1. the driver document decides which vehicle the requester holds.
	requester, err := tx.Driver(ctx, requesterID)
	if errors.Is(err, ErrNotFound) {
		return failed(ReasonRequesterNotFound), nil
	}
	if err != nil {
		return Validation{}, err
	}
	if types.Deref(requester.CurrentVehicleID) != vehicleID {
		return failed(ReasonWrongVehicle), nil
	}
	vehicle, err := tx.Vehicle(ctx, vehicleID)
	if err != nil {
		return Validation{}, err
	}
	if types.Deref(vehicle.ActiveDriverID) != requesterID && vehicle.ActiveTripID != nil {
		// another driver is mid-trip on it; the vehicle record wins
		return failed(ReasonWrongVehicle), nil
	}
	healed, err := s.heal(ctx, tx, vehicle, requesterID)
	if err != nil {
		return Validation{}, err
	}

	// 2. candidate exists and may drive.
	candidate, err := tx.Driver(ctx, candidateID)
	if errors.Is(err, ErrNotFound) {
		return Validation{Reason: ReasonCandidateNotFound, Healed: healed}, nil
	}
	if err != nil {
		return Validation{}, err
	}
	if candidate.Status != DriverActive {
		return Validation{Reason: ReasonCandidateUnavailable, Healed: healed}, nil
	}

	// 3. candidate holds no live lease. Pending incoming requests are fine (4).
	live, err := tx.FindRequests(ctx, Filter{PartyID: candidateID, Statuses: liveStatuses, Limit: 1})
	if err != nil {
		return Validation{}, err
	}
	if len(live) > 0 {
		return Validation{Reason: ReasonCandidateBusy, Healed: healed}, nil
	}

	// 5. a candidate already on a vehicle turns the swap into an exchange.
	var kind Kind = Assignment{}
	if cur := types.Deref(candidate.CurrentVehicleID); cur != "" {
		if cur == vehicleID {
			return Validation{Reason: ReasonCandidateUnavailable, Healed: healed}, nil
		}
		kind = Exchange{SecondaryVehicleID: cur}
	}

	// 6. no duplicate pending request for this vehicle.
	dup, err := tx.FindRequests(ctx, Filter{
		RequesterID:      requesterID,
		PrimaryVehicleID: vehicleID,
		Statuses:         []Status{StatusPending},
		Limit:            1,
	})
	if err != nil {
		return Validation{}, err
	}
	if len(dup) > 0 {
		return Validation{Reason: ReasonDuplicatePending, Healed: healed}, nil
	}

	// 7. neither vehicle is already leased.
	for _, id := range (&Request{PrimaryVehicleID: vehicleID, Kind: kind}).VehicleIDs() {
		leased, err := tx.FindRequests(ctx, Filter{VehicleID: id, Statuses: liveStatuses, Limit: 1})
		if err != nil {
			return Validation{}, err
		}
		if len(leased) > 0 {
			return Validation{Reason: ReasonVehicleLeased, Healed: healed}, nil
		}
	}

	return Validation{
		OK:        true,
		Kind:      kind,
		Requester: requester,
		Candidate: candidate,
		Healed:    healed,
	}, nil
}

// heal points the vehicle back at the requester when the vehicle record lags
// the driver document. A vehicle under a live lease is left alone; check 7
// rejects it later.
func (s *Service) heal(ctx context.Context, tx Tx, v *Vehicle, requesterID types.ID) (bool, error) {
	if types.Deref(v.ActiveDriverID) == requesterID {
		return false, nil
	}
	leased, err := tx.FindRequests(ctx, Filter{VehicleID: v.ID, Statuses: liveStatuses, Limit: 1})
	if err != nil {
		return false, err
	}
	if len(leased) > 0 {
		return false, nil
	}
	s.log.Info("healing stale vehicle pointer",
		zap.String("vehicle_id", string(v.ID)),
		zap.String("was", string(types.Deref(v.ActiveDriverID))),
		zap.String("now", string(requesterID)),
	)
	v.ActiveDriverID = types.Ptr(requesterID)
	if err := tx.PutVehicle(ctx, v); err != nil {
		return false, err
	}
	return true, nil
}

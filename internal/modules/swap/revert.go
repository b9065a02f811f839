// README: Trip-aware revert of accepted swaps, including partial revert of exchanges.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetswap/internal/types"
)

type EndResult struct {
	// Done is set when the swap was fully reverted and the request deleted.
	Done bool
	// PendingTripEnd is set when at least one vehicle still has an open trip.
	PendingTripEnd bool
	Trips          TripState
	Partial        PartialRevert
}

// End reverts an accepted swap. Vehicles with an open trip keep their current
// driver and the request waits in pending_revert; an exchange whose trips end
// at different times is reverted one side at a time.
func (s *Service) End(ctx context.Context, id types.ID, actor Actor) (_ EndResult, err error) {
	start := time.Now()
	defer func() { s.finish("end", start, err, actorFields(id, actor)...) }()

	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return EndResult{}, err
	}
	if !mayEnd(r, actor) {
		return EndResult{}, ErrUnauthorized
	}
	if !r.Status.Live() {
		return EndResult{}, ErrInvalidState
	}
	seen := partialOf(r)

	// liveness is re-read on every call; stored flags are advisory only
	trips, err := s.liveness(ctx, r, seen)
	if err != nil {
		return EndResult{}, err
	}

	now := s.now()
	var (
		res EndResult
		fx  effects
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		cur, err := tx.Request(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return ErrAlreadyResolved
		}
		if err != nil {
			return err
		}
		if !cur.Status.Live() {
			return ErrAlreadyResolved
		}
		if partialOf(cur) != seen {
			// another End released a side after our liveness read
			return fmt.Errorf("%w: partial revert moved from %q to %q", ErrStoreConflict, seen, partialOf(cur))
		}
		// a trip may have opened on a locked vehicle after the oracle answered
		held, err := s.heldTrips(ctx, tx, cur, seen)
		if err != nil {
			return err
		}
		res, err = s.revert(ctx, tx, cur, trips.union(held), actor, now, &fx)
		return err
	})
	if err != nil {
		return EndResult{}, err
	}
	s.dispatch(ctx, &fx)
	return res, nil
}

func mayEnd(r *Request, a Actor) bool {
	switch a.Role {
	case RoleSystem, RoleAdmin:
		return true
	case RoleDriver:
		return r.party(a.ID)
	default:
		return false
	}
}

func partialOf(r *Request) PartialRevert {
	if r.Revert == nil {
		return PartialNone
	}
	return r.Revert.Partial
}

// liveness queries the oracle for every side that still needs reverting.
func (s *Service) liveness(ctx context.Context, r *Request, partial PartialRevert) (TripState, error) {
	if s.trips == nil {
		return NoneActive, nil
	}
	var primary, secondary bool
	var err error
	if partial != PartialPrimary {
		primary, err = s.trips.IsVehicleOnActiveTrip(ctx, r.PrimaryVehicleID)
		if err != nil {
			return NoneActive, fmt.Errorf("trip liveness %s: %w", r.PrimaryVehicleID, err)
		}
	}
	if sec, ok := r.SecondaryVehicle(); ok && partial != PartialSecondary {
		secondary, err = s.trips.IsVehicleOnActiveTrip(ctx, sec)
		if err != nil {
			return NoneActive, fmt.Errorf("trip liveness %s: %w", sec, err)
		}
	}
	return tripStateOf(primary, secondary), nil
}

// heldTrips reports which vehicles still to be reverted carry a trip pointer.
// The rows are read inside tx, so they stay locked until commit.
func (s *Service) heldTrips(ctx context.Context, tx Tx, r *Request, partial PartialRevert) (TripState, error) {
	var primary, secondary bool
	if partial != PartialPrimary {
		v, err := tx.Vehicle(ctx, r.PrimaryVehicleID)
		if err != nil {
			return NoneActive, err
		}
		primary = v.ActiveTripID != nil
	}
	if sec, ok := r.SecondaryVehicle(); ok && partial != PartialSecondary {
		v, err := tx.Vehicle(ctx, sec)
		if err != nil {
			return NoneActive, err
		}
		secondary = v.ActiveTripID != nil
	}
	return tripStateOf(primary, secondary), nil
}

func (s *Service) revert(ctx context.Context, tx Tx, r *Request, trips TripState, actor Actor, now time.Time, fx *effects) (EndResult, error) {
	switch k := r.Kind.(type) {
	case Assignment:
		if trips.PrimaryActive() {
			return s.deferRevert(ctx, tx, r, trips, PartialNone, actor, now, fx)
		}
		return s.completeAssignment(ctx, tx, r, actor, now, fx)

	case Exchange:
		switch partialOf(r) {
		case PartialNone:
			switch trips {
			case BothActive:
				return s.deferRevert(ctx, tx, r, trips, PartialNone, actor, now, fx)
			case PrimaryActive:
				// the requester's trip on the secondary vehicle is over
				if err := s.releaseSide(ctx, tx, r.RequesterID, k.SecondaryVehicleID, fx); err != nil {
					return EndResult{}, err
				}
				return s.deferRevert(ctx, tx, r, trips, PartialSecondary, actor, now, fx)
			case SecondaryActive:
				if err := s.releaseSide(ctx, tx, r.CandidateID, r.PrimaryVehicleID, fx); err != nil {
					return EndResult{}, err
				}
				return s.deferRevert(ctx, tx, r, trips, PartialPrimary, actor, now, fx)
			case NoneActive:
				return s.completeExchange(ctx, tx, r, k, actor, now, fx)
			}
		case PartialSecondary:
			if trips.PrimaryActive() {
				return s.deferRevert(ctx, tx, r, PrimaryActive, PartialSecondary, actor, now, fx)
			}
			return s.completeExchange(ctx, tx, r, k, actor, now, fx)
		case PartialPrimary:
			if trips.SecondaryActive() {
				return s.deferRevert(ctx, tx, r, SecondaryActive, PartialPrimary, actor, now, fx)
			}
			return s.completeExchange(ctx, tx, r, k, actor, now, fx)
		}
		return EndResult{}, fmt.Errorf("%w: unknown partial revert %q", ErrInvalidState, partialOf(r))

	default:
		return EndResult{}, fmt.Errorf("%w: request %s has no swap kind", ErrInvalidState, r.ID)
	}
}

// deferRevert parks the request in pending_revert. The first pending timestamp
// is never overwritten.
func (s *Service) deferRevert(ctx context.Context, tx Tx, r *Request, trips TripState, partial PartialRevert, actor Actor, now time.Time, fx *effects) (EndResult, error) {
	before := r.clone()
	entering := r.Status != StatusPendingRevert
	released := partialOf(r) != partial

	if r.Revert == nil {
		r.Revert = &RevertState{Since: now}
	}
	r.Revert.Trips = trips
	r.Revert.CheckedAt = now
	r.Revert.Partial = partial
	r.Status = StatusPendingRevert
	if err := tx.UpdateRequest(ctx, r); err != nil {
		return EndResult{}, err
	}

	fx.sync(r)
	if entering {
		fx.notify("Swap ending after trip", "The swap will revert once the active trip ends.", r.RequesterID, r.CandidateID)
	}
	if released {
		fx.record(AuditEntry{
			RequestID: r.ID,
			Action:    "partially_reverted",
			Actor:     actor,
			Before:    before,
			After:     r.clone(),
			At:        now,
		})
	}
	return EndResult{PendingTripEnd: true, Trips: trips, Partial: partial}, nil
}

// releaseSide makes the driver reserved and clears the vehicle they drove
// during the swap. Records no longer pointing at each other are left alone.
func (s *Service) releaseSide(ctx context.Context, tx Tx, driverID, vehicleID types.ID, fx *effects) error {
	d, err := tx.Driver(ctx, driverID)
	if err != nil {
		return err
	}
	v, err := tx.Vehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	if types.Deref(d.CurrentVehicleID) == vehicleID {
		d.reserve()
		if err := tx.PutDriver(ctx, d); err != nil {
			return err
		}
		fx.driver(d)
	}
	if types.Deref(v.ActiveDriverID) == driverID {
		v.clear()
		if err := tx.PutVehicle(ctx, v); err != nil {
			return err
		}
		fx.vehicle(v)
	}
	return nil
}

func (s *Service) completeAssignment(ctx context.Context, tx Tx, r *Request, actor Actor, now time.Time, fx *effects) (EndResult, error) {
	primary, err := tx.Vehicle(ctx, r.PrimaryVehicleID)
	if err != nil {
		return EndResult{}, err
	}
	requester, err := tx.Driver(ctx, r.RequesterID)
	if err != nil {
		return EndResult{}, err
	}
	candidate, err := tx.Driver(ctx, r.CandidateID)
	if err != nil {
		return EndResult{}, err
	}

	// heldTrips deferred any vehicle with a trip pointer, so none is cleared here
	primary.handTo(r.RequesterID)
	requester.assign(r.PrimaryVehicleID, r.RequesterRouteID)
	if types.Deref(candidate.CurrentVehicleID) == r.PrimaryVehicleID {
		candidate.reserve()
	}

	if err := tx.PutVehicle(ctx, primary); err != nil {
		return EndResult{}, err
	}
	if err := tx.PutDriver(ctx, requester); err != nil {
		return EndResult{}, err
	}
	if err := tx.PutDriver(ctx, candidate); err != nil {
		return EndResult{}, err
	}
	fx.vehicle(primary)
	fx.driver(requester, candidate)
	return s.retire(ctx, tx, r, actor, now, fx)
}

// completeExchange restores both drivers to their own vehicles. A side that
// was released by an earlier partial revert is already empty, so the same
// writes converge whichever side finished first.
func (s *Service) completeExchange(ctx context.Context, tx Tx, r *Request, k Exchange, actor Actor, now time.Time, fx *effects) (EndResult, error) {
	primary, err := tx.Vehicle(ctx, r.PrimaryVehicleID)
	if err != nil {
		return EndResult{}, err
	}
	secondary, err := tx.Vehicle(ctx, k.SecondaryVehicleID)
	if err != nil {
		return EndResult{}, err
	}
	requester, err := tx.Driver(ctx, r.RequesterID)
	if err != nil {
		return EndResult{}, err
	}
	candidate, err := tx.Driver(ctx, r.CandidateID)
	if err != nil {
		return EndResult{}, err
	}

	// primary half
	primary.handTo(r.RequesterID)
	requester.assign(r.PrimaryVehicleID, r.RequesterRouteID)
	// secondary half
	secondary.handTo(r.CandidateID)
	candidate.assign(k.SecondaryVehicleID, r.CandidateRouteID)

	for _, v := range []*Vehicle{primary, secondary} {
		if err := tx.PutVehicle(ctx, v); err != nil {
			return EndResult{}, err
		}
	}
	for _, d := range []*Driver{requester, candidate} {
		if err := tx.PutDriver(ctx, d); err != nil {
			return EndResult{}, err
		}
	}
	fx.vehicle(primary, secondary)
	fx.driver(requester, candidate)
	return s.retire(ctx, tx, r, actor, now, fx)
}

// retire deletes the request and its audit trail. The revert entry itself is
// appended after commit so the terminal event survives the cleanup.
func (s *Service) retire(ctx context.Context, tx Tx, r *Request, actor Actor, now time.Time, fx *effects) (EndResult, error) {
	if err := tx.DeleteAuditTrail(ctx, r.ID); err != nil {
		return EndResult{}, err
	}
	if err := tx.DeleteRequest(ctx, r.ID); err != nil {
		return EndResult{}, err
	}
	action := "reverted"
	if actor.Role == RoleAdmin {
		action = "admin_reverted"
	}
	fx.record(AuditEntry{
		RequestID: r.ID,
		Action:    action,
		Actor:     actor,
		Before:    r.clone(),
		At:        now,
	})
	fx.remove(r.ID)
	fx.notify("Swap ended", "Your vehicle assignment has been restored.", r.RequesterID, r.CandidateID)
	return EndResult{Done: true, Partial: partialOf(r)}, nil
}

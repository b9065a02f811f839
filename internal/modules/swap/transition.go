// README: Atomic create/accept/reject/cancel transitions over drivers, vehicles and requests.
package swap

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetswap/internal/types"
)

type CreateCommand struct {
	RequesterID    types.ID
	CandidateID    types.ID
	VehicleID      types.ID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Reason         string
}

type AcceptCommand struct {
	RequestID types.ID
	ActorID   types.ID
}

type RejectCommand struct {
	RequestID types.ID
	ActorID   types.ID
}

type CancelCommand struct {
	RequestID types.ID
	ActorID   types.ID
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (_ *Request, err error) {
	start := time.Now()
	defer func() {
		s.finish("create", start, err, zap.String("requester", string(cmd.RequesterID)), zap.String("candidate", string(cmd.CandidateID)))
	}()

	if cmd.RequesterID == "" || cmd.CandidateID == "" || cmd.VehicleID == "" {
		return nil, ErrBadRequest
	}
	now := s.now()
	if !cmd.ScheduledStart.Before(cmd.ScheduledEnd) || !now.Before(cmd.ScheduledEnd) {
		return nil, &ValidationError{Reason: ReasonBadWindow}
	}

	var (
		v   Validation
		req *Request
		fx  effects
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		v, err = s.validate(ctx, tx, cmd.RequesterID, cmd.CandidateID, cmd.VehicleID)
		if err != nil || !v.OK {
			// a failed check still commits the auto-heal
			return err
		}
		req = &Request{
			ID:               types.ID(uuid.NewString()),
			RequesterID:      cmd.RequesterID,
			CandidateID:      cmd.CandidateID,
			PrimaryVehicleID: cmd.VehicleID,
			Kind:             v.Kind,
			RequesterRouteID: copyID(v.Requester.CurrentRouteID),
			CandidateRouteID: copyID(v.Candidate.CurrentRouteID),
			ScheduledStart:   cmd.ScheduledStart,
			ScheduledEnd:     cmd.ScheduledEnd,
			AcceptBy:         now.Add(s.acceptWindow),
			Status:           StatusPending,
			Reason:           cmd.Reason,
			CreatedAt:        now,
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		fx.sync(req)
		fx.notify("New swap request", "A driver asked you to take over their vehicle.", req.CandidateID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !v.OK {
		return nil, &ValidationError{Reason: v.Reason}
	}
	s.dispatch(ctx, &fx)
	return req, nil
}

func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (_ *Request, err error) {
	start := time.Now()
	defer func() {
		s.finish("accept", start, err, actorFields(cmd.RequestID, Actor{ID: cmd.ActorID, Role: RoleDriver})...)
	}()

	var (
		expired bool
		out     *Request
		fx      effects
	)
	now := s.now()
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		r, err := tx.Request(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if cmd.ActorID != r.CandidateID {
			return ErrUnauthorized
		}
		if r.Status != StatusPending {
			return ErrAlreadyResolved
		}
		if r.acceptWindowLapsed(now) || r.scheduleLapsed(now) {
			// expired-on-read cleanup commits; the caller still gets ErrWindowExpired
			expired = true
			if err := tx.DeleteRequest(ctx, r.ID); err != nil {
				return err
			}
			fx.remove(r.ID)
			fx.notify("Swap request expired", "The swap request expired before it was accepted.", r.RequesterID)
			return nil
		}
		before := r.clone()

		primary, err := tx.Vehicle(ctx, r.PrimaryVehicleID)
		if err != nil {
			return err
		}
		if types.Deref(primary.ActiveDriverID) != r.RequesterID {
			return ErrStaleAssignment
		}
		requester, err := tx.Driver(ctx, r.RequesterID)
		if err != nil {
			return err
		}
		if types.Deref(requester.CurrentVehicleID) != r.PrimaryVehicleID {
			return ErrStaleAssignment
		}
		candidate, err := tx.Driver(ctx, r.CandidateID)
		if err != nil {
			return err
		}
		if candidate.Status != DriverActive {
			return ErrStaleAssignment
		}
		live, err := tx.FindRequests(ctx, Filter{PartyID: r.CandidateID, Statuses: liveStatuses, Limit: 1})
		if err != nil {
			return err
		}
		if len(live) > 0 {
			return ErrStaleAssignment
		}

		requesterRoute := copyID(requester.CurrentRouteID)
		candidateRoute := copyID(candidate.CurrentRouteID)

		switch k := r.Kind.(type) {
		case Assignment:
			if !candidate.Reserved() {
				return ErrStaleAssignment
			}
			primary.handTo(r.CandidateID)
			candidate.assign(r.PrimaryVehicleID, requesterRoute)
			requester.reserve()
			fx.vehicle(primary)
		case Exchange:
			if types.Deref(candidate.CurrentVehicleID) != k.SecondaryVehicleID {
				return ErrStaleAssignment
			}
			secondary, err := tx.Vehicle(ctx, k.SecondaryVehicleID)
			if err != nil {
				return err
			}
			if types.Deref(secondary.ActiveDriverID) != r.CandidateID {
				return ErrStaleAssignment
			}
			primary.handTo(r.CandidateID)
			secondary.handTo(r.RequesterID)
			candidate.assign(r.PrimaryVehicleID, requesterRoute)
			requester.assign(k.SecondaryVehicleID, candidateRoute)
			if err := tx.PutVehicle(ctx, secondary); err != nil {
				return err
			}
			fx.vehicle(primary, secondary)
		default:
			return ErrInvalidState
		}

		if err := tx.PutVehicle(ctx, primary); err != nil {
			return err
		}
		if err := tx.PutDriver(ctx, requester); err != nil {
			return err
		}
		if err := tx.PutDriver(ctx, candidate); err != nil {
			return err
		}

		r.Status = StatusAccepted
		r.RequesterRouteID = requesterRoute
		r.CandidateRouteID = candidateRoute
		r.AcceptedAt = &now
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		out = r

		fx.driver(requester, candidate)
		fx.sync(r)
		fx.record(AuditEntry{
			RequestID: r.ID,
			Action:    "accepted",
			Actor:     Actor{ID: cmd.ActorID, Role: RoleDriver},
			Before:    before,
			After:     r.clone(),
			At:        now,
		})
		fx.notify("Swap accepted", "Your swap request was accepted.", r.RequesterID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, &fx)
	if expired {
		return nil, ErrWindowExpired
	}
	return out, nil
}

// Reject deletes a pending request on behalf of its candidate. No audit entry is written.
func (s *Service) Reject(ctx context.Context, cmd RejectCommand) (err error) {
	start := time.Now()
	defer func() {
		s.finish("reject", start, err, actorFields(cmd.RequestID, Actor{ID: cmd.ActorID, Role: RoleDriver})...)
	}()
	return s.discard(ctx, cmd.RequestID, func(r *Request) (types.ID, bool) {
		return r.RequesterID, cmd.ActorID == r.CandidateID
	}, "Swap rejected", "Your swap request was rejected.")
}

// Cancel deletes a pending request on behalf of its requester.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (err error) {
	start := time.Now()
	defer func() {
		s.finish("cancel", start, err, actorFields(cmd.RequestID, Actor{ID: cmd.ActorID, Role: RoleDriver})...)
	}()
	return s.discard(ctx, cmd.RequestID, func(r *Request) (types.ID, bool) {
		return r.CandidateID, cmd.ActorID == r.RequesterID
	}, "Swap cancelled", "A swap request sent to you was cancelled.")
}

// discard deletes a pending request when allowed reports the actor may do so;
// the returned id is the other party, who gets notified.
func (s *Service) discard(ctx context.Context, id types.ID, allowed func(*Request) (types.ID, bool), title, body string) error {
	var fx effects
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		r, err := tx.Request(ctx, id)
		if err != nil {
			return err
		}
		other, ok := allowed(r)
		if !ok {
			return ErrUnauthorized
		}
		if r.Status != StatusPending {
			return ErrAlreadyResolved
		}
		if err := tx.DeleteRequest(ctx, r.ID); err != nil {
			return err
		}
		fx.remove(r.ID)
		fx.notify(title, body, other)
		return nil
	})
	if err != nil {
		return err
	}
	s.dispatch(ctx, &fx)
	return nil
}

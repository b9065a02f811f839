// README: Ports consumed by the swap engine (store, trip liveness, side effects).
package swap

import (
	"context"
	"time"

	"fleetswap/internal/types"
)

// AssignmentStore is the authoritative record of drivers, vehicles and swap requests.
type AssignmentStore interface {
	// RunInTx runs fn in a single transaction. A non-nil error from fn rolls back.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	GetRequest(ctx context.Context, id types.ID) (*Request, error)
	FindRequests(ctx context.Context, f Filter) ([]*Request, error)
}

// Tx reads lock the returned record until the transaction ends.
type Tx interface {
	Driver(ctx context.Context, id types.ID) (*Driver, error)
	Vehicle(ctx context.Context, id types.ID) (*Vehicle, error)
	Request(ctx context.Context, id types.ID) (*Request, error)
	FindRequests(ctx context.Context, f Filter) ([]*Request, error)

	PutDriver(ctx context.Context, d *Driver) error
	PutVehicle(ctx context.Context, v *Vehicle) error
	InsertRequest(ctx context.Context, r *Request) error
	// UpdateRequest fails with ErrStoreConflict when r.Version is stale.
	UpdateRequest(ctx context.Context, r *Request) error
	DeleteRequest(ctx context.Context, id types.ID) error
	DeleteAuditTrail(ctx context.Context, requestID types.ID) error
}

// Filter is an equality filter; zero-valued fields are ignored.
type Filter struct {
	Statuses         []Status
	RequesterID      types.ID
	CandidateID      types.ID
	PrimaryVehicleID types.ID
	// VehicleID matches the primary or the secondary vehicle.
	VehicleID types.ID
	// PartyID matches the requester or the candidate.
	PartyID types.ID
	// EndsBy matches requests whose scheduled end is at or before it.
	EndsBy time.Time
	Limit  int
}

func (f Filter) Match(r *Request) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.CandidateID != "" && r.CandidateID != f.CandidateID {
		return false
	}
	if f.PrimaryVehicleID != "" && r.PrimaryVehicleID != f.PrimaryVehicleID {
		return false
	}
	if f.VehicleID != "" {
		sec, _ := r.SecondaryVehicle()
		if r.PrimaryVehicleID != f.VehicleID && sec != f.VehicleID {
			return false
		}
	}
	if f.PartyID != "" && !r.party(f.PartyID) {
		return false
	}
	if !f.EndsBy.IsZero() && r.ScheduledEnd.After(f.EndsBy) {
		return false
	}
	return true
}

var liveStatuses = []Status{StatusAccepted, StatusPendingRevert}

// TripOracle answers whether a vehicle has an unterminated trip.
type TripOracle interface {
	IsVehicleOnActiveTrip(ctx context.Context, vehicleID types.ID) (bool, error)
}

// Notifier delivers user-facing messages; failures never fail a transition.
type Notifier interface {
	Notify(ctx context.Context, userIDs []types.ID, title, body string) error
}

// AuditLog appends history entries for a request.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
}

type AuditEntry struct {
	RequestID types.ID
	Action    string
	Actor     Actor
	Before    *Request
	After     *Request
	At        time.Time
}

// Mirror copies committed state to the realtime broadcast store.
type Mirror interface {
	SyncRequest(ctx context.Context, r *Request) error
	RemoveRequest(ctx context.Context, id types.ID) error
	SyncDriver(ctx context.Context, d *Driver) error
	SyncVehicle(ctx context.Context, v *Vehicle) error
}

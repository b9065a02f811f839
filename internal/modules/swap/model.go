// README: Swap request aggregate, driver/vehicle records and status definitions.
package swap

import (
	"time"

	"fleetswap/internal/types"
)

type Status string

const (
	StatusNone          Status = "none"
	StatusPending       Status = "pending"
	StatusAccepted      Status = "accepted"
	StatusPendingRevert Status = "pending_revert"
	// Terminal statuses are never stored; the request row is deleted and the
	// status only appears in events, notifications and the audit trail.
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusReverted  Status = "reverted"
)

// AllowedTransitions represents the swap lifecycle as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:          {StatusPending},
	StatusPending:       {StatusAccepted, StatusRejected, StatusCancelled, StatusExpired},
	StatusAccepted:      {StatusPendingRevert, StatusReverted},
	StatusPendingRevert: {StatusPendingRevert, StatusReverted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the request currently holds a lease over its vehicles.
func (s Status) Live() bool {
	return s == StatusAccepted || s == StatusPendingRevert
}

// Kind is the swap type. It is either Assignment or Exchange.
type Kind interface {
	kindName() string
}

// Assignment hands the primary vehicle to a reserved candidate.
type Assignment struct{}

// Exchange trades the primary vehicle for the candidate's current vehicle.
type Exchange struct {
	SecondaryVehicleID types.ID
}

func (Assignment) kindName() string { return KindAssignment }
func (Exchange) kindName() string   { return KindExchange }

const (
	KindAssignment = "assignment"
	KindExchange   = "exchange"
)

// KindName returns the persisted name of k.
func KindName(k Kind) string {
	if k == nil {
		return ""
	}
	return k.kindName()
}

type DriverStatus string

const (
	DriverActive    DriverStatus = "active"
	DriverDisabled  DriverStatus = "disabled"
	DriverSuspended DriverStatus = "suspended"
)

// Driver is the driver document. A nil CurrentVehicleID means the driver is reserved.
type Driver struct {
	ID               types.ID
	Name             string
	Status           DriverStatus
	CurrentVehicleID *types.ID
	CurrentRouteID   *types.ID
	UpdatedAt        time.Time
}

func (d *Driver) Reserved() bool { return d.CurrentVehicleID == nil }

func (d *Driver) assign(vehicleID types.ID, routeID *types.ID) {
	d.CurrentVehicleID = types.Ptr(vehicleID)
	d.CurrentRouteID = copyID(routeID)
}

func (d *Driver) reserve() {
	d.CurrentVehicleID = nil
	d.CurrentRouteID = nil
}

type Vehicle struct {
	ID               types.ID
	Label            string
	ActiveDriverID   *types.ID
	AssignedDriverID *types.ID
	ActiveTripID     *types.ID
	UpdatedAt        time.Time
}

func (v *Vehicle) handTo(driverID types.ID) {
	v.ActiveDriverID = types.Ptr(driverID)
	v.AssignedDriverID = types.Ptr(driverID)
}

func (v *Vehicle) clear() {
	v.ActiveDriverID = nil
	v.AssignedDriverID = nil
	v.ActiveTripID = nil
}

// TripState is the combined trip liveness of the vehicles in a swap.
type TripState int

const (
	NoneActive TripState = iota
	PrimaryActive
	SecondaryActive
	BothActive
)

func tripStateOf(primary, secondary bool) TripState {
	switch {
	case primary && secondary:
		return BothActive
	case primary:
		return PrimaryActive
	case secondary:
		return SecondaryActive
	default:
		return NoneActive
	}
}

// union marks a side active when either state has it active.
func (t TripState) union(o TripState) TripState {
	return tripStateOf(t.PrimaryActive() || o.PrimaryActive(), t.SecondaryActive() || o.SecondaryActive())
}

func (t TripState) PrimaryActive() bool   { return t == PrimaryActive || t == BothActive }
func (t TripState) SecondaryActive() bool { return t == SecondaryActive || t == BothActive }

func (t TripState) String() string {
	switch t {
	case PrimaryActive:
		return "primary_active"
	case SecondaryActive:
		return "secondary_active"
	case BothActive:
		return "both_active"
	default:
		return "none_active"
	}
}

// PartialRevert records which side of an exchange has already been released.
type PartialRevert string

const (
	PartialNone      PartialRevert = ""
	PartialPrimary   PartialRevert = "primary"
	PartialSecondary PartialRevert = "secondary"
)

// RevertState is advisory metadata kept while a request waits in pending_revert.
// The trip flags are re-verified on every End call and never trusted.
type RevertState struct {
	Since     time.Time
	CheckedAt time.Time
	Trips     TripState
	Partial   PartialRevert
}

type Request struct {
	ID               types.ID
	RequesterID      types.ID
	CandidateID      types.ID
	PrimaryVehicleID types.ID
	Kind             Kind
	RequesterRouteID *types.ID
	CandidateRouteID *types.ID
	ScheduledStart   time.Time
	ScheduledEnd     time.Time
	AcceptBy         time.Time
	Status           Status
	Reason           string
	Revert           *RevertState
	Version          int
	CreatedAt        time.Time
	AcceptedAt       *time.Time
}

// SecondaryVehicle returns the candidate's vehicle for an exchange.
func (r *Request) SecondaryVehicle() (types.ID, bool) {
	if ex, ok := r.Kind.(Exchange); ok {
		return ex.SecondaryVehicleID, true
	}
	return "", false
}

// VehicleIDs returns every vehicle the request touches, primary first.
func (r *Request) VehicleIDs() []types.ID {
	ids := []types.ID{r.PrimaryVehicleID}
	if sec, ok := r.SecondaryVehicle(); ok {
		ids = append(ids, sec)
	}
	return ids
}

func (r *Request) acceptWindowLapsed(now time.Time) bool {
	return !now.Before(r.AcceptBy)
}

func (r *Request) scheduleLapsed(now time.Time) bool {
	return !now.Before(r.ScheduledEnd)
}

func (r *Request) party(id types.ID) bool {
	return id == r.RequesterID || id == r.CandidateID
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.RequesterRouteID = copyID(r.RequesterRouteID)
	cp.CandidateRouteID = copyID(r.CandidateRouteID)
	if r.Revert != nil {
		rs := *r.Revert
		cp.Revert = &rs
	}
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		cp.AcceptedAt = &t
	}
	return &cp
}

type ActorRole string

const (
	RoleSystem ActorRole = "system"
	RoleDriver ActorRole = "driver"
	RoleAdmin  ActorRole = "admin"
)

type Actor struct {
	ID   types.ID
	Role ActorRole
}

// SystemActor is the actor used by the reconciler.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func copyID(p *types.ID) *types.ID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

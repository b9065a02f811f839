// README: Trip session record; an open session means the vehicle is mid-trip.
package trip

import (
	"errors"
	"time"

	"fleetswap/internal/types"
)

var (
	ErrNotFound      = errors.New("trip session not found")
	ErrAlreadyActive = errors.New("vehicle already has an open trip")
	ErrNotDriver     = errors.New("driver is not the active driver of the vehicle")
)

type Session struct {
	ID        types.ID
	VehicleID types.ID
	DriverID  types.ID
	StartedAt time.Time
	EndedAt   *time.Time
}

func (s *Session) Open() bool { return s.EndedAt == nil }

// README: Swap service wires the engine to its store, trip oracle and side-effect sinks.
package swap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleetswap/internal/obs"
	"fleetswap/internal/types"
)

const (
	DefaultAcceptWindow     = 20 * time.Minute
	defaultSweepConcurrency = 4
	sideEffectTimeout       = 5 * time.Second
)

type Deps struct {
	Store    AssignmentStore
	Trips    TripOracle
	Notifier Notifier
	Audit    AuditLog
	Mirror   Mirror
	Metrics  *obs.Metrics
	Logger   *zap.Logger

	AcceptWindow     time.Duration
	SweepConcurrency int
	// Now is injected for tests; defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store    AssignmentStore
	trips    TripOracle
	notifier Notifier
	audit    AuditLog
	mirror   Mirror
	metrics  *obs.Metrics
	log      *zap.Logger

	acceptWindow     time.Duration
	sweepConcurrency int
	now              func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:            d.Store,
		trips:            d.Trips,
		notifier:         d.Notifier,
		audit:            d.Audit,
		mirror:           d.Mirror,
		metrics:          d.Metrics,
		log:              d.Logger,
		acceptWindow:     d.AcceptWindow,
		sweepConcurrency: d.SweepConcurrency,
		now:              d.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.acceptWindow <= 0 {
		s.acceptWindow = DefaultAcceptWindow
	}
	if s.sweepConcurrency <= 0 {
		s.sweepConcurrency = defaultSweepConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

// ListForDriver returns the open requests where the driver is requester or candidate.
func (s *Service) ListForDriver(ctx context.Context, driverID types.ID) ([]*Request, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	return s.store.FindRequests(ctx, Filter{PartyID: driverID})
}

// outcome classifies an operation result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case Moot(err):
		return "moot"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrValidationFailed):
		return "denied"
	default:
		return "error"
	}
}

type notice struct {
	to    []types.ID
	title string
	body  string
}

// effects collects what a committed transaction should tell the outside world.
type effects struct {
	audit    []AuditEntry
	notices  []notice
	requests []*Request
	removed  []types.ID
	drivers  []*Driver
	vehicles []*Vehicle
}

func (fx *effects) record(e AuditEntry) { fx.audit = append(fx.audit, e) }

func (fx *effects) notify(title, body string, to ...types.ID) {
	fx.notices = append(fx.notices, notice{to: to, title: title, body: body})
}

func (fx *effects) sync(r *Request)        { fx.requests = append(fx.requests, r.clone()) }
func (fx *effects) remove(id types.ID)     { fx.removed = append(fx.removed, id) }
func (fx *effects) driver(ds ...*Driver)   { fx.drivers = append(fx.drivers, ds...) }
func (fx *effects) vehicle(vs ...*Vehicle) { fx.vehicles = append(fx.vehicles, vs...) }

// dispatch runs the side effects of a committed transition. Failures are logged
// and counted, never returned.
func (s *Service) dispatch(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if s.audit != nil {
		for _, e := range fx.audit {
			if err := s.audit.Record(ctx, e); err != nil {
				s.sideEffectFailed("audit", err, zap.String("request_id", string(e.RequestID)), zap.String("action", e.Action))
			}
		}
	}
	if s.mirror != nil {
		for _, r := range fx.requests {
			if err := s.mirror.SyncRequest(ctx, r); err != nil {
				s.sideEffectFailed("mirror", err, zap.String("request_id", string(r.ID)))
			}
		}
		for _, id := range fx.removed {
			if err := s.mirror.RemoveRequest(ctx, id); err != nil {
				s.sideEffectFailed("mirror", err, zap.String("request_id", string(id)))
			}
		}
		for _, d := range fx.drivers {
			if err := s.mirror.SyncDriver(ctx, d); err != nil {
				s.sideEffectFailed("mirror", err, zap.String("driver_id", string(d.ID)))
			}
		}
		for _, v := range fx.vehicles {
			if err := s.mirror.SyncVehicle(ctx, v); err != nil {
				s.sideEffectFailed("mirror", err, zap.String("vehicle_id", string(v.ID)))
			}
		}
	}
	if s.notifier != nil {
		for _, n := range fx.notices {
			if err := s.notifier.Notify(ctx, n.to, n.title, n.body); err != nil {
				s.sideEffectFailed("notify", err, zap.String("title", n.title))
			}
		}
	}
}

func (s *Service) sideEffectFailed(sink string, err error, fields ...zap.Field) {
	s.metrics.SideEffectFailed(sink)
	s.log.Warn("side effect failed", append(fields, zap.String("sink", sink), zap.Error(err))...)
}

func (s *Service) finish(op string, start time.Time, err error, fields ...zap.Field) {
	s.metrics.ObserveOp(op, outcome(err), start)
	if err == nil {
		s.log.Info("swap "+op, fields...)
		return
	}
	if errors.Is(err, ErrStoreConflict) || outcome(err) == "error" {
		s.log.Warn("swap "+op+" failed", append(fields, zap.Error(err))...)
	}
}

func actorFields(id types.ID, a Actor) []zap.Field {
	return []zap.Field{
		zap.String("request_id", string(id)),
		zap.String("actor", string(a.ID)),
		zap.String("role", string(a.Role)),
	}
}

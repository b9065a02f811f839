// README: Swap store backed by PostgreSQL; reads inside a transaction take row locks.
package swap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetswap/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(&pgTx{q: tx}); err != nil {
		return mapErr(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id types.ID) (*Request, error) {
	r, err := getRequest(ctx, s.db, id, false)
	return r, mapErr(err)
}

func (s *Store) FindRequests(ctx context.Context, f Filter) ([]*Request, error) {
	rs, err := findRequests(ctx, s.db, f)
	return rs, mapErr(err)
}

type pgTx struct {
	q querier
}

func (t *pgTx) Driver(ctx context.Context, id types.ID) (*Driver, error) {
	row := t.q.QueryRow(ctx, `
		SELECT id, name, status, current_vehicle_id, current_route_id, updated_at
		FROM drivers
		WHERE id = $1
		FOR UPDATE`, string(id),
	)
	var d Driver
	var vehicleID, routeID sql.NullString
	err := row.Scan(&d.ID, &d.Name, &d.Status, &vehicleID, &routeID, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	d.CurrentVehicleID = toIDPtr(vehicleID)
	d.CurrentRouteID = toIDPtr(routeID)
	return &d, nil
}

func (t *pgTx) Vehicle(ctx context.Context, id types.ID) (*Vehicle, error) {
	row := t.q.QueryRow(ctx, `
		SELECT id, label, active_driver_id, assigned_driver_id, active_trip_id, updated_at
		FROM vehicles
		WHERE id = $1
		FOR UPDATE`, string(id),
	)
	var v Vehicle
	var active, assigned, trip sql.NullString
	err := row.Scan(&v.ID, &v.Label, &active, &assigned, &trip, &v.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	v.ActiveDriverID = toIDPtr(active)
	v.AssignedDriverID = toIDPtr(assigned)
	v.ActiveTripID = toIDPtr(trip)
	return &v, nil
}

func (t *pgTx) Request(ctx context.Context, id types.ID) (*Request, error) {
	r, err := getRequest(ctx, t.q, id, true)
	return r, mapErr(err)
}

func (t *pgTx) FindRequests(ctx context.Context, f Filter) ([]*Request, error) {
	rs, err := findRequests(ctx, t.q, f)
	return rs, mapErr(err)
}

func (t *pgTx) PutDriver(ctx context.Context, d *Driver) error {
	d.UpdatedAt = time.Now().UTC()
	_, err := t.q.Exec(ctx, `
		INSERT INTO drivers (id, name, status, current_vehicle_id, current_route_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			current_vehicle_id = EXCLUDED.current_vehicle_id,
			current_route_id = EXCLUDED.current_route_id,
			updated_at = EXCLUDED.updated_at`,
		string(d.ID), d.Name, string(d.Status),
		toStringPtr(d.CurrentVehicleID), toStringPtr(d.CurrentRouteID), d.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) PutVehicle(ctx context.Context, v *Vehicle) error {
	v.UpdatedAt = time.Now().UTC()
	_, err := t.q.Exec(ctx, `
		INSERT INTO vehicles (id, label, active_driver_id, assigned_driver_id, active_trip_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			active_driver_id = EXCLUDED.active_driver_id,
			assigned_driver_id = EXCLUDED.assigned_driver_id,
			active_trip_id = EXCLUDED.active_trip_id,
			updated_at = EXCLUDED.updated_at`,
		string(v.ID), v.Label,
		toStringPtr(v.ActiveDriverID), toStringPtr(v.AssignedDriverID), toStringPtr(v.ActiveTripID), v.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) InsertRequest(ctx context.Context, r *Request) error {
	sec, _ := r.SecondaryVehicle()
	rev := revertColumns(r.Revert)
	r.Version = 1
	_, err := t.q.Exec(ctx, `
		INSERT INTO swap_requests (
			id, requester_id, candidate_id, primary_vehicle_id, secondary_vehicle_id, kind,
			requester_route_id, candidate_route_id,
			scheduled_start, scheduled_end, accept_by, status, reason,
			pending_revert_since, revert_checked_at, revert_trips, partial_revert,
			version, created_at, accepted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`,
		string(r.ID), string(r.RequesterID), string(r.CandidateID), string(r.PrimaryVehicleID),
		toStringPtr(types.Ptr(sec)), KindName(r.Kind),
		toStringPtr(r.RequesterRouteID), toStringPtr(r.CandidateRouteID),
		r.ScheduledStart, r.ScheduledEnd, r.AcceptBy, string(r.Status), r.Reason,
		rev.since, rev.checkedAt, rev.trips, rev.partial,
		r.Version, r.CreatedAt, r.AcceptedAt,
	)
	return mapErr(err)
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *Request) error {
	rev := revertColumns(r.Revert)
	tag, err := t.q.Exec(ctx, `
		UPDATE swap_requests
		SET status = $1,
			requester_route_id = $2,
			candidate_route_id = $3,
			pending_revert_since = $4,
			revert_checked_at = $5,
			revert_trips = $6,
			partial_revert = $7,
			accepted_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(r.Status),
		toStringPtr(r.RequesterRouteID), toStringPtr(r.CandidateRouteID),
		rev.since, rev.checkedAt, rev.trips, rev.partial,
		r.AcceptedAt,
		string(r.ID), r.Version,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: request %s version %d", ErrStoreConflict, r.ID, r.Version)
	}
	r.Version++
	return nil
}

func (t *pgTx) DeleteRequest(ctx context.Context, id types.ID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM swap_requests WHERE id = $1`, string(id))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteAuditTrail(ctx context.Context, requestID types.ID) error {
	_, err := t.q.Exec(ctx, `DELETE FROM swap_audit WHERE request_id = $1`, string(requestID))
	return mapErr(err)
}

const requestColumns = `
	id, requester_id, candidate_id, primary_vehicle_id, secondary_vehicle_id, kind,
	requester_route_id, candidate_route_id,
	scheduled_start, scheduled_end, accept_by, status, reason,
	pending_revert_since, revert_checked_at, revert_trips, partial_revert,
	version, created_at, accepted_at`

func getRequest(ctx context.Context, q querier, id types.ID, lock bool) (*Request, error) {
	query := `SELECT` + requestColumns + ` FROM swap_requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanRequest(q.QueryRow(ctx, query, string(id)))
}

func findRequests(ctx context.Context, q querier, f Filter) ([]*Request, error) {
	where, args := filterClause(f)
	query := `SELECT` + requestColumns + ` FROM swap_requests` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(ss)+")")
	}
	if f.RequesterID != "" {
		conds = append(conds, "requester_id = "+arg(string(f.RequesterID)))
	}
	if f.CandidateID != "" {
		conds = append(conds, "candidate_id = "+arg(string(f.CandidateID)))
	}
	if f.PrimaryVehicleID != "" {
		conds = append(conds, "primary_vehicle_id = "+arg(string(f.PrimaryVehicleID)))
	}
	if f.VehicleID != "" {
		p := arg(string(f.VehicleID))
		conds = append(conds, "(primary_vehicle_id = "+p+" OR secondary_vehicle_id = "+p+")")
	}
	if f.PartyID != "" {
		p := arg(string(f.PartyID))
		conds = append(conds, "(requester_id = "+p+" OR candidate_id = "+p+")")
	}
	if !f.EndsBy.IsZero() {
		conds = append(conds, "scheduled_end <= "+arg(f.EndsBy))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var kind string
	var secondary, requesterRoute, candidateRoute sql.NullString
	var since, checkedAt, acceptedAt sql.NullTime
	var trips, partial sql.NullString

	err := row.Scan(
		&r.ID, &r.RequesterID, &r.CandidateID, &r.PrimaryVehicleID, &secondary, &kind,
		&requesterRoute, &candidateRoute,
		&r.ScheduledStart, &r.ScheduledEnd, &r.AcceptBy, &r.Status, &r.Reason,
		&since, &checkedAt, &trips, &partial,
		&r.Version, &r.CreatedAt, &acceptedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind, err = DecodeKind(kind, toIDPtr(secondary))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID, err)
	}
	r.RequesterRouteID = toIDPtr(requesterRoute)
	r.CandidateRouteID = toIDPtr(candidateRoute)
	r.AcceptedAt = toTimePtr(acceptedAt)
	if since.Valid {
		r.Revert = &RevertState{
			Since:     since.Time,
			CheckedAt: checkedAt.Time,
			Trips:     ParseTripState(trips.String),
			Partial:   PartialRevert(partial.String),
		}
	}
	return &r, nil
}

type revertCols struct {
	since, checkedAt *time.Time
	trips, partial   *string
}

func revertColumns(rs *RevertState) revertCols {
	if rs == nil {
		return revertCols{}
	}
	since, checked := rs.Since, rs.CheckedAt
	trips, partial := rs.Trips.String(), string(rs.Partial)
	return revertCols{since: &since, checkedAt: &checked, trips: &trips, partial: &partial}
}

// mapErr translates driver errors into the swap error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505", "55P03":
			return fmt.Errorf("%w: %s (%s)", ErrStoreConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func toIDPtr(v sql.NullString) *types.ID {
	if !v.Valid {
		return nil
	}
	return types.Ptr(types.ID(v.String))
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// README: Trip liveness oracles over the session table and the broadcast heartbeat.
package trip

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"fleetswap/internal/types"
)

// Oracle answers whether a vehicle has an unterminated trip.
type Oracle interface {
	IsVehicleOnActiveTrip(ctx context.Context, vehicleID types.ID) (bool, error)
}

// PostgresOracle treats a vehicle as mid-trip when its active_trip_id refers
// to a session that has not ended. A dangling pointer counts as idle.
type PostgresOracle struct {
	db *pgxpool.Pool
}

func NewPostgresOracle(db *pgxpool.Pool) *PostgresOracle {
	return &PostgresOracle{db: db}
}

func (o *PostgresOracle) IsVehicleOnActiveTrip(ctx context.Context, vehicleID types.ID) (bool, error) {
	var live bool
	err := o.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM vehicles v
			JOIN trip_sessions t ON t.id = v.active_trip_id
			WHERE v.id = $1 AND t.ended_at IS NULL
		)`, string(vehicleID),
	).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("query trip session: %w", err)
	}
	return live, nil
}

// BroadcastOracle treats a vehicle as mid-trip while its location broadcast
// heartbeat key exists.
type BroadcastOracle struct {
	redis     *redis.Client
	keyPrefix string
}

func NewBroadcastOracle(rdb *redis.Client, keyPrefix string) *BroadcastOracle {
	return &BroadcastOracle{redis: rdb, keyPrefix: keyPrefix}
}

func (o *BroadcastOracle) IsVehicleOnActiveTrip(ctx context.Context, vehicleID types.ID) (bool, error) {
	n, err := o.redis.Exists(ctx, o.keyPrefix+string(vehicleID)).Result()
	if err != nil {
		return false, fmt.Errorf("check broadcast key: %w", err)
	}
	return n > 0, nil
}

// anyOf reports a trip when any source does. Every source is asked so that
// an unreachable source is never mistaken for an idle vehicle.
type anyOf []Oracle

// AnyOf combines oracles. With a single oracle it is returned as is.
func AnyOf(oracles ...Oracle) Oracle {
	if len(oracles) == 1 {
		return oracles[0]
	}
	return anyOf(oracles)
}

func (a anyOf) IsVehicleOnActiveTrip(ctx context.Context, vehicleID types.ID) (bool, error) {
	var errs []error
	live := false
	for _, o := range a {
		ok, err := o.IsVehicleOnActiveTrip(ctx, vehicleID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		live = live || ok
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return live, nil
}

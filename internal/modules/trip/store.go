// README: Trip session store backed by Postgres with a Redis broadcast heartbeat.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"fleetswap/internal/types"
)

// HeartbeatTTL is how long a broadcast key survives without a refresh.
const HeartbeatTTL = 2 * time.Minute

type Store struct {
	db        *pgxpool.Pool
	redis     *redis.Client
	keyPrefix string
}

// NewStore builds the session store. rdb may be nil, in which case no
// heartbeat keys are written.
func NewStore(db *pgxpool.Pool, rdb *redis.Client, keyPrefix string) *Store {
	return &Store{db: db, redis: rdb, keyPrefix: keyPrefix}
}

// Start opens a trip on vehicleID for its active driver.
func (s *Store) Start(ctx context.Context, vehicleID, driverID types.ID) (*Session, error) {
	sess := &Session{
		ID:        types.ID(uuid.NewString()),
		VehicleID: vehicleID,
		DriverID:  driverID,
		StartedAt: time.Now().UTC(),
	}
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var active *string
		err := tx.QueryRow(ctx, `
			SELECT active_driver_id FROM vehicles WHERE id = $1 FOR UPDATE`, string(vehicleID),
		).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if active == nil || types.ID(*active) != driverID {
			return ErrNotDriver
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO trip_sessions (id, vehicle_id, driver_id, started_at)
			VALUES ($1, $2, $3, $4)`,
			string(sess.ID), string(vehicleID), string(driverID), sess.StartedAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrAlreadyActive
			}
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE vehicles SET active_trip_id = $1, updated_at = NOW() WHERE id = $2`,
			string(sess.ID), string(vehicleID),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.Heartbeat(ctx, vehicleID); err != nil {
		return sess, fmt.Errorf("trip %s started, heartbeat failed: %w", sess.ID, err)
	}
	return sess, nil
}

// Finish closes the open trip on vehicleID.
func (s *Store) Finish(ctx context.Context, vehicleID types.ID) (*Session, error) {
	var sess Session
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var ended time.Time
		err := tx.QueryRow(ctx, `
			UPDATE trip_sessions SET ended_at = NOW()
			WHERE vehicle_id = $1 AND ended_at IS NULL
			RETURNING id, vehicle_id, driver_id, started_at, ended_at`, string(vehicleID),
		).Scan(&sess.ID, &sess.VehicleID, &sess.DriverID, &sess.StartedAt, &ended)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		sess.EndedAt = &ended
		_, err = tx.Exec(ctx, `
			UPDATE vehicles SET active_trip_id = NULL, updated_at = NOW()
			WHERE id = $1 AND active_trip_id = $2`,
			string(vehicleID), string(sess.ID),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.redis != nil {
		if err := s.redis.Del(ctx, s.key(vehicleID)).Err(); err != nil {
			return &sess, fmt.Errorf("trip %s finished, heartbeat cleanup failed: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

// Heartbeat refreshes the broadcast key of a vehicle on a trip.
func (s *Store) Heartbeat(ctx context.Context, vehicleID types.ID) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Set(ctx, s.key(vehicleID), time.Now().UTC().Unix(), HeartbeatTTL).Err()
}

// OpenSession returns the vehicle's open session, or ErrNotFound.
func (s *Store) OpenSession(ctx context.Context, vehicleID types.ID) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, vehicle_id, driver_id, started_at
		FROM trip_sessions
		WHERE vehicle_id = $1 AND ended_at IS NULL`, string(vehicleID),
	).Scan(&sess.ID, &sess.VehicleID, &sess.DriverID, &sess.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) key(vehicleID types.ID) string {
	return s.keyPrefix + string(vehicleID)
}

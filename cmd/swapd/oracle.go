// README: Builds the trip liveness oracle from the configured sources.
package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"fleetswap/internal/config"
	"fleetswap/internal/modules/trip"
)

func livenessOracle(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client) trip.Oracle {
	var oracles []trip.Oracle
	for _, src := range cfg.Trip.LivenessSources {
		switch src {
		case "postgres":
			oracles = append(oracles, trip.NewPostgresOracle(db))
		case "redis":
			oracles = append(oracles, trip.NewBroadcastOracle(rdb, cfg.Trip.BroadcastKeyPrefix))
		}
	}
	return trip.AnyOf(oracles...)
}

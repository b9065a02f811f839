// README: Audit store backed by PostgreSQL (JSONB request snapshots).
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleetswap/internal/modules/swap"
	"fleetswap/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Record implements swap.AuditLog.
func (s *Store) Record(ctx context.Context, e swap.AuditEntry) error {
	entry := fromSwap(e)
	before, err := marshalDoc(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalDoc(entry.After)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO swap_audit (request_id, action, actor_id, actor_role, before_doc, after_doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(entry.RequestID), entry.Action, string(entry.ActorID), entry.ActorRole,
		before, after, entry.CreatedAt,
	)
	return err
}

// ListByRequest returns a request's trail, oldest first.
func (s *Store) ListByRequest(ctx context.Context, requestID types.ID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, action, actor_id, actor_role, before_doc, after_doc, created_at
		FROM swap_audit
		WHERE request_id = $1
		ORDER BY id`, string(requestID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Action, &e.ActorID, &e.ActorRole, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Before, err = unmarshalDoc(before); err != nil {
			return nil, fmt.Errorf("audit %d before: %w", e.ID, err)
		}
		if e.After, err = unmarshalDoc(after); err != nil {
			return nil, fmt.Errorf("audit %d after: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalDoc(d *swap.RequestDoc) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal audit doc: %w", err)
	}
	return b, nil
}

func unmarshalDoc(b []byte) (*swap.RequestDoc, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var d swap.RequestDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

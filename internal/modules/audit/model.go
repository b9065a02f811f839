// README: Audit trail entry as persisted and returned to admins.
package audit

import (
	"time"

	"fleetswap/internal/modules/swap"
	"fleetswap/internal/types"
)

type Entry struct {
	ID        int64            `json:"id"`
	RequestID types.ID         `json:"request_id"`
	Action    string           `json:"action"`
	ActorID   types.ID         `json:"actor_id"`
	ActorRole string           `json:"actor_role"`
	Before    *swap.RequestDoc `json:"before,omitempty"`
	After     *swap.RequestDoc `json:"after,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func fromSwap(e swap.AuditEntry) Entry {
	out := Entry{
		RequestID: e.RequestID,
		Action:    e.Action,
		ActorID:   e.Actor.ID,
		ActorRole: string(e.Actor.Role),
		CreatedAt: e.At,
	}
	if e.Before != nil {
		d := swap.ToDoc(e.Before)
		out.Before = &d
	}
	if e.After != nil {
		d := swap.ToDoc(e.After)
		out.After = &d
	}
	return out
}

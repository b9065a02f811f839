// README: Realtime lease ledger mirrored into Firebase RTDB for live subscribers.
package ledger

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"

	"fleetswap/internal/modules/swap"
	"fleetswap/internal/types"
)

const (
	requestsNode = "swap_requests"
	driversNode  = "drivers"
	vehiclesNode = "vehicles"
)

// Writer sets and deletes documents by path.
type Writer interface {
	Set(ctx context.Context, path string, v any) error
	Delete(ctx context.Context, path string) error
}

type rtdbWriter struct {
	client *db.Client
}

// NewRTDBWriter adapts a Firebase RTDB client.
func NewRTDBWriter(client *db.Client) Writer {
	return &rtdbWriter{client: client}
}

func (w *rtdbWriter) Set(ctx context.Context, path string, v any) error {
	return w.client.NewRef(path).Set(ctx, v)
}

func (w *rtdbWriter) Delete(ctx context.Context, path string) error {
	return w.client.NewRef(path).Delete(ctx)
}

// Mirror implements swap.Mirror. The authoritative store wins on any
// disagreement; the mirror is rewritten wholesale on every sync.
type Mirror struct {
	w Writer
}

func NewMirror(w Writer) *Mirror {
	return &Mirror{w: w}
}

func (m *Mirror) SyncRequest(ctx context.Context, r *swap.Request) error {
	if err := m.w.Set(ctx, requestsNode+"/"+string(r.ID), swap.ToDoc(r)); err != nil {
		return fmt.Errorf("mirror request %s: %w", r.ID, err)
	}
	return nil
}

func (m *Mirror) RemoveRequest(ctx context.Context, id types.ID) error {
	if err := m.w.Delete(ctx, requestsNode+"/"+string(id)); err != nil {
		return fmt.Errorf("mirror remove request %s: %w", id, err)
	}
	return nil
}

func (m *Mirror) SyncDriver(ctx context.Context, d *swap.Driver) error {
	if err := m.w.Set(ctx, driversNode+"/"+string(d.ID), swap.DriverToDoc(d)); err != nil {
		return fmt.Errorf("mirror driver %s: %w", d.ID, err)
	}
	return nil
}

func (m *Mirror) SyncVehicle(ctx context.Context, v *swap.Vehicle) error {
	if err := m.w.Set(ctx, vehiclesNode+"/"+string(v.ID), swap.VehicleToDoc(v)); err != nil {
		return fmt.Errorf("mirror vehicle %s: %w", v.ID, err)
	}
	return nil
}

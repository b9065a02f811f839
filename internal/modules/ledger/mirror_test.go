package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetswap/internal/modules/swap"
	"fleetswap/internal/types"
)

type memWriter struct {
	mu   sync.Mutex
	docs map[string]any
}

func newMemWriter() *memWriter { return &memWriter{docs: map[string]any{}} }

func (w *memWriter) Set(_ context.Context, path string, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs[path] = v
	return nil
}

func (w *memWriter) Delete(_ context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.docs, path)
	return nil
}

func TestMirrorRequestLifecycle(t *testing.T) {
	w := newMemWriter()
	m := NewMirror(w)
	ctx := context.Background()

	r := &swap.Request{
		ID:               "R1",
		RequesterID:      "D1",
		CandidateID:      "D2",
		PrimaryVehicleID: "V1",
		Kind:             swap.Exchange{SecondaryVehicleID: "V2"},
		Status:           swap.StatusPendingRevert,
		Revert: &swap.RevertState{
			Since:   time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
			Trips:   swap.PrimaryActive,
			Partial: swap.PartialSecondary,
		},
	}
	if err := m.SyncRequest(ctx, r); err != nil {
		t.Fatalf("sync: %v", err)
	}
	doc, ok := w.docs["swap_requests/R1"].(swap.RequestDoc)
	if !ok {
		t.Fatalf("request not mirrored: %v", w.docs)
	}
	if doc.Kind != "exchange" || doc.SecondaryVehicleID != "V2" || doc.Status != "pending_revert" {
		t.Fatalf("unexpected doc %+v", doc)
	}
	if doc.Revert == nil || doc.Revert.Trips != "primary_active" || doc.Revert.Partial != "secondary" {
		t.Fatalf("revert metadata not mirrored: %+v", doc.Revert)
	}

	if err := m.RemoveRequest(ctx, "R1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := w.docs["swap_requests/R1"]; ok {
		t.Fatalf("request still mirrored after remove")
	}
}

func TestMirrorDriverAndVehicle(t *testing.T) {
	w := newMemWriter()
	m := NewMirror(w)
	ctx := context.Background()

	if err := m.SyncDriver(ctx, &swap.Driver{ID: "D2", Status: swap.DriverActive}); err != nil {
		t.Fatalf("driver: %v", err)
	}
	if err := m.SyncVehicle(ctx, &swap.Vehicle{ID: "V1", ActiveDriverID: types.Ptr("D2")}); err != nil {
		t.Fatalf("vehicle: %v", err)
	}
	d := w.docs["drivers/D2"].(swap.DriverDoc)
	if d.CurrentVehicleID != "" {
		t.Fatalf("reserved driver should mirror an empty vehicle, got %q", d.CurrentVehicleID)
	}
	v := w.docs["vehicles/V1"].(swap.VehicleDoc)
	if v.ActiveDriverID != "D2" {
		t.Fatalf("vehicle active driver = %q", v.ActiveDriverID)
	}
}

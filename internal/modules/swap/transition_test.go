package swap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetswap/internal/types"
)

func TestCreatePersistsPendingRequest(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.onVehicle("D2", "V2", "R2")

	r := e.create(t, "D1", "D2", "V1")
	if r.Status != StatusPending || r.Version != 1 {
		t.Fatalf("unexpected request %+v", r)
	}
	if !r.AcceptBy.Equal(t0.Add(DefaultAcceptWindow)) {
		t.Fatalf("accept by = %s", r.AcceptBy)
	}
	if sec, ok := r.SecondaryVehicle(); !ok || sec != "V2" {
		t.Fatalf("expected exchange with V2, got %#v", r.Kind)
	}
	if types.Deref(r.RequesterRouteID) != "R1" || types.Deref(r.CandidateRouteID) != "R2" {
		t.Fatalf("route snapshot missing")
	}
	if got := e.notes.titlesFor("D2"); len(got) != 1 || got[0] != "New swap request" {
		t.Fatalf("candidate notifications %v", got)
	}
	if s, ok := e.mirror.status(r.ID); !ok || s != StatusPending {
		t.Fatalf("mirror status %q %v", s, ok)
	}
	// nothing moved yet
	assertVehicle(t, e, "V1", "D1")
	assertDriver(t, e, "D1", "V1", "R1")
}

func TestCreateRejections(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	ctx := context.Background()

	_, err := e.svc.Create(ctx, CreateCommand{RequesterID: "D1", VehicleID: "V1", ScheduledStart: t0, ScheduledEnd: t0.Add(time.Hour)})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("missing candidate: %v", err)
	}

	_, err = e.svc.Create(ctx, CreateCommand{RequesterID: "D1", CandidateID: "D2", VehicleID: "V1", ScheduledStart: t0.Add(time.Hour), ScheduledEnd: t0})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonBadWindow {
		t.Fatalf("inverted window: %v", err)
	}

	_, err = e.svc.Create(ctx, CreateCommand{RequesterID: "D1", CandidateID: "D2", VehicleID: "V1", ScheduledStart: t0.Add(-2 * time.Hour), ScheduledEnd: t0.Add(-time.Hour)})
	if !errors.As(err, &ve) || ve.Reason != ReasonBadWindow {
		t.Fatalf("past window: %v", err)
	}

	e.create(t, "D1", "D2", "V1")
	_, err = e.svc.Create(ctx, CreateCommand{RequesterID: "D1", CandidateID: "D2", VehicleID: "V1", ScheduledStart: t0, ScheduledEnd: t0.Add(time.Hour)})
	if !errors.As(err, &ve) || ve.Reason != ReasonDuplicatePending {
		t.Fatalf("duplicate: %v", err)
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("validation error should unwrap to ErrValidationFailed")
	}
}

func TestAcceptAssignment(t *testing.T) {
	e, r := assignmentSwap(t)

	assertVehicle(t, e, "V1", "D2")
	assertDriver(t, e, "D2", "V1", "R1")
	assertDriver(t, e, "D1", "", "")

	got, ok := e.store.request(r.ID)
	if !ok || got.Status != StatusAccepted || got.AcceptedAt == nil {
		t.Fatalf("request after accept %+v", got)
	}
	if got := e.audit.actions(r.ID); len(got) != 1 || got[0] != "accepted" {
		t.Fatalf("audit %v", got)
	}
	if got := e.notes.titlesFor("D1"); len(got) != 1 || got[0] != "Swap accepted" {
		t.Fatalf("requester notifications %v", got)
	}
}

func TestAcceptExchange(t *testing.T) {
	e, _ := exchangeSwap(t)

	assertVehicle(t, e, "V1", "D2")
	assertVehicle(t, e, "V2", "D1")
	assertDriver(t, e, "D1", "V2", "R2")
	assertDriver(t, e, "D2", "V1", "R1")
}

func TestAcceptGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("not the candidate", func(t *testing.T) {
		e := newTestEnv(t)
		e.onVehicle("D1", "V1", "R1")
		e.reserved("D2")
		r := e.create(t, "D1", "D2", "V1")
		if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "D1"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("already accepted", func(t *testing.T) {
		e, r := assignmentSwap(t)
		if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrAlreadyResolved) {
			t.Fatalf("expected ErrAlreadyResolved, got %v", err)
		}
	})

	t.Run("primary vehicle moved", func(t *testing.T) {
		e := newTestEnv(t)
		e.onVehicle("D1", "V1", "R1")
		e.reserved("D2")
		r := e.create(t, "D1", "D2", "V1")
		e.store.putVehicle(&Vehicle{ID: "V1", ActiveDriverID: types.Ptr("D5"), AssignedDriverID: types.Ptr("D5")})

		if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrStaleAssignment) {
			t.Fatalf("expected ErrStaleAssignment, got %v", err)
		}
		if got, ok := e.store.request(r.ID); !ok || got.Status != StatusPending {
			t.Fatalf("request should stay pending, got %+v", got)
		}
		assertDriver(t, e, "D2", "", "")
	})

	t.Run("reserved candidate picked up a vehicle", func(t *testing.T) {
		e := newTestEnv(t)
		e.onVehicle("D1", "V1", "R1")
		e.reserved("D2")
		r := e.create(t, "D1", "D2", "V1")
		e.onVehicle("D2", "V5", "R5")

		if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrStaleAssignment) {
			t.Fatalf("expected ErrStaleAssignment, got %v", err)
		}
	})

	t.Run("exchange candidate moved", func(t *testing.T) {
		e := newTestEnv(t)
		e.onVehicle("D1", "V1", "R1")
		e.onVehicle("D2", "V2", "R2")
		r := e.create(t, "D1", "D2", "V1")
		e.onVehicle("D2", "V3", "R3")

		if _, err := e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrStaleAssignment) {
			t.Fatalf("expected ErrStaleAssignment, got %v", err)
		}
	})
}

// Scenario C: acceptance after the window deletes the request and moves nothing.
func TestAcceptAfterWindowExpires(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	r := e.create(t, "D1", "D2", "V1")

	e.advance(DefaultAcceptWindow + time.Minute)
	_, err := e.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: "D2"})
	if !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("expected ErrWindowExpired, got %v", err)
	}
	if _, ok := e.store.request(r.ID); ok {
		t.Fatalf("expired request should be deleted")
	}
	if _, ok := e.mirror.status(r.ID); ok {
		t.Fatalf("expired request should leave the mirror")
	}
	assertVehicle(t, e, "V1", "D1")
	assertDriver(t, e, "D1", "V1", "R1")
	assertDriver(t, e, "D2", "", "")
	if got := e.notes.titlesFor("D1"); len(got) != 1 || got[0] != "Swap request expired" {
		t.Fatalf("requester notifications %v", got)
	}
}

func TestAcceptExactlyAtDeadlineExpires(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	r := e.create(t, "D1", "D2", "V1")

	e.advance(DefaultAcceptWindow)
	if _, err := e.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrWindowExpired) {
		t.Fatalf("expected ErrWindowExpired at the deadline, got %v", err)
	}
}

func TestConcurrentAcceptSameRequest(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	r := e.create(t, "D1", "D2", "V1")

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: "D2"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrAlreadyResolved) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	assertVehicle(t, e, "V1", "D2")
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	r := e.create(t, "D1", "D2", "V1")
	ctx := context.Background()

	var wg sync.WaitGroup
	var acceptErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = e.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "D2"})
	}()
	go func() {
		defer wg.Done()
		cancelErr = e.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: "D1"})
	}()
	wg.Wait()

	switch {
	case acceptErr == nil:
		if !errors.Is(cancelErr, ErrAlreadyResolved) {
			t.Fatalf("accept won, cancel got %v", cancelErr)
		}
		assertVehicle(t, e, "V1", "D2")
	case cancelErr == nil:
		if !errors.Is(acceptErr, ErrNotFound) {
			t.Fatalf("cancel won, accept got %v", acceptErr)
		}
		assertVehicle(t, e, "V1", "D1")
	default:
		t.Fatalf("neither succeeded: accept=%v cancel=%v", acceptErr, cancelErr)
	}
}

func TestRejectAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("reject by candidate", func(t *testing.T) {
		e := newTestEnv(t)
		e.onVehicle("D1", "V1", "R1")
		e.reserved("D2")
		r := e.create(t, "D1", "D2", "V1")

		if err := e.svc.Reject(ctx, RejectCommand{RequestID: r.ID, ActorID: "D1"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("requester reject: %v", err)
		}
		if err := e.svc.Reject(ctx, RejectCommand{RequestID: r.ID, ActorID: "D2"}); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if _, ok := e.store.request(r.ID); ok {
			t.Fatalf("rejected request should be deleted")
		}
		if got := e.audit.actions(r.ID); len(got) != 0 {
			t.Fatalf("reject must not audit, got %v", got)
		}
		if got := e.notes.titlesFor("D1"); len(got) != 1 || got[0] != "Swap rejected" {
			t.Fatalf("requester notifications %v", got)
		}
	})

	t.Run("cancel by requester", func(t *testing.T) {
		e := newTestEnv(t)
		e.onVehicle("D1", "V1", "R1")
		e.reserved("D2")
		r := e.create(t, "D1", "D2", "V1")

		if err := e.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("candidate cancel: %v", err)
		}
		if err := e.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: "D1"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got := e.notes.titlesFor("D2"); len(got) != 2 || got[1] != "Swap cancelled" {
			t.Fatalf("candidate notifications %v", got)
		}
	})

	t.Run("accepted requests cannot be rejected", func(t *testing.T) {
		e, r := assignmentSwap(t)
		if err := e.svc.Reject(ctx, RejectCommand{RequestID: r.ID, ActorID: "D2"}); !errors.Is(err, ErrAlreadyResolved) {
			t.Fatalf("expected ErrAlreadyResolved, got %v", err)
		}
	})
}

func TestListForDriver(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	e.reserved("D3")
	r := e.create(t, "D1", "D2", "V1")
	ctx := context.Background()

	for _, id := range []types.ID{"D1", "D2"} {
		got, err := e.svc.ListForDriver(ctx, id)
		if err != nil {
			t.Fatalf("list %s: %v", id, err)
		}
		if len(got) != 1 || got[0].ID != r.ID {
			t.Fatalf("list %s = %v", id, got)
		}
	}
	got, err := e.svc.ListForDriver(ctx, "D3")
	if err != nil || len(got) != 0 {
		t.Fatalf("stranger should see nothing, got %v %v", got, err)
	}
	if _, err := e.svc.ListForDriver(ctx, ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("empty driver id: %v", err)
	}
}

func TestSideEffectFailuresAreSwallowed(t *testing.T) {
	e := newTestEnv(t)
	e.notes.err = errBoom
	e.audit.err = errBoom
	e.mirror.err = errBoom
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")

	r := e.create(t, "D1", "D2", "V1")
	e.accept(t, r)
	assertVehicle(t, e, "V1", "D2")

	if got := counterValue(t, e.metrics.SideEffectFailures.WithLabelValues("notify")); got != 2 {
		t.Fatalf("notify failures = %v", got)
	}
	if got := counterValue(t, e.metrics.SideEffectFailures.WithLabelValues("audit")); got != 1 {
		t.Fatalf("audit failures = %v", got)
	}
	if got := counterValue(t, e.metrics.SideEffectFailures.WithLabelValues("mirror")); got == 0 {
		t.Fatalf("mirror failures not counted")
	}
}

func TestStoreFailureSurfaces(t *testing.T) {
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	e.store.txErr = ErrStoreConflict

	_, err := e.svc.Create(context.Background(), CreateCommand{RequesterID: "D1", CandidateID: "D2", VehicleID: "V1", ScheduledStart: t0, ScheduledEnd: t0.Add(time.Hour)})
	if !Retryable(err) {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
	if len(e.notes.titlesFor("D2")) != 0 {
		t.Fatalf("no notification may leave a failed transaction")
	}
}

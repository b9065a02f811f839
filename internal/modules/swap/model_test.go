package swap

import (
	"testing"
	"time"

	"fleetswap/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusPending, true},
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusPendingRevert, false},
		{StatusAccepted, StatusPendingRevert, true},
		{StatusAccepted, StatusReverted, true},
		{StatusAccepted, StatusPending, false},
		{StatusPendingRevert, StatusPendingRevert, true},
		{StatusPendingRevert, StatusReverted, true},
		{StatusPendingRevert, StatusAccepted, false},
		{StatusReverted, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTripState(t *testing.T) {
	cases := []struct {
		primary, secondary bool
		want               TripState
	}{
		{false, false, NoneActive},
		{true, false, PrimaryActive},
		{false, true, SecondaryActive},
		{true, true, BothActive},
	}
	for _, tc := range cases {
		got := tripStateOf(tc.primary, tc.secondary)
		if got != tc.want {
			t.Fatalf("tripStateOf(%v, %v) = %s", tc.primary, tc.secondary, got)
		}
		if got.PrimaryActive() != tc.primary || got.SecondaryActive() != tc.secondary {
			t.Fatalf("%s reports wrong sides", got)
		}
		if ParseTripState(got.String()) != got {
			t.Fatalf("%s does not survive String/Parse", got)
		}
	}
}

func TestTripStateUnion(t *testing.T) {
	if got := NoneActive.union(NoneActive); got != NoneActive {
		t.Fatalf("none|none = %s", got)
	}
	if got := PrimaryActive.union(SecondaryActive); got != BothActive {
		t.Fatalf("primary|secondary = %s", got)
	}
	if got := NoneActive.union(SecondaryActive); got != SecondaryActive {
		t.Fatalf("none|secondary = %s", got)
	}
	if got := BothActive.union(NoneActive); got != BothActive {
		t.Fatalf("both|none = %s", got)
	}
}

func TestDecodeKind(t *testing.T) {
	if k, err := DecodeKind(KindAssignment, nil); err != nil || k != (Assignment{}) {
		t.Fatalf("assignment: %v %v", k, err)
	}
	k, err := DecodeKind(KindExchange, types.Ptr("V2"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if ex, ok := k.(Exchange); !ok || ex.SecondaryVehicleID != "V2" {
		t.Fatalf("unexpected kind %#v", k)
	}
	for _, bad := range []struct {
		name string
		sec  *types.ID
	}{
		{KindAssignment, types.Ptr("V2")},
		{KindExchange, nil},
		{"loan", nil},
	} {
		if _, err := DecodeKind(bad.name, bad.sec); err == nil {
			t.Fatalf("DecodeKind(%q, %v) should fail", bad.name, bad.sec)
		}
	}
}

func TestFilterMatch(t *testing.T) {
	r := &Request{
		ID:               "R1",
		RequesterID:      "D1",
		CandidateID:      "D2",
		PrimaryVehicleID: "V1",
		Kind:             Exchange{SecondaryVehicleID: "V2"},
		Status:           StatusAccepted,
		ScheduledEnd:     t0,
	}
	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"live status", Filter{Statuses: liveStatuses}, true},
		{"pending only", Filter{Statuses: []Status{StatusPending}}, false},
		{"secondary vehicle", Filter{VehicleID: "V2"}, true},
		{"other vehicle", Filter{VehicleID: "V3"}, false},
		{"party candidate", Filter{PartyID: "D2"}, true},
		{"party stranger", Filter{PartyID: "D3"}, false},
		{"primary vehicle", Filter{PrimaryVehicleID: "V2"}, false},
		{"ends by now", Filter{EndsBy: t0}, true},
		{"ends by earlier", Filter{EndsBy: t0.Add(-time.Second)}, false},
	}
	for _, tc := range cases {
		if got := tc.f.Match(r); got != tc.want {
			t.Errorf("%s: Match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRequestCloneIsDeep(t *testing.T) {
	at := t0
	r := &Request{
		ID:               "R1",
		RequesterRouteID: types.Ptr("R1"),
		Revert:           &RevertState{Since: t0},
		AcceptedAt:       &at,
	}
	cp := r.clone()
	*cp.RequesterRouteID = "RX"
	cp.Revert.Partial = PartialPrimary
	*cp.AcceptedAt = t0.Add(time.Hour)
	if *r.RequesterRouteID != "R1" || r.Revert.Partial != PartialNone || !r.AcceptedAt.Equal(t0) {
		t.Fatalf("clone shares state with original")
	}
}

package swap

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"fleetswap/internal/obs"
	"fleetswap/internal/types"
)

// memStore serializes transactions behind one mutex, which gives the same
// outcome as row locks for the single-process tests here. A transaction works
// on copies and publishes them only when fn returns nil.
type memStore struct {
	mu       sync.Mutex
	drivers  map[types.ID]*Driver
	vehicles map[types.ID]*Vehicle
	requests map[types.ID]*Request
	trail    *fakeAudit
	txErr    error
}

func newMemStore(trail *fakeAudit) *memStore {
	return &memStore{
		drivers:  map[types.ID]*Driver{},
		vehicles: map[types.ID]*Vehicle{},
		requests: map[types.ID]*Request{},
		trail:    trail,
	}
}

func (m *memStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErr != nil {
		return m.txErr
	}
	tx := &memTx{
		drivers:  map[types.ID]*Driver{},
		vehicles: map[types.ID]*Vehicle{},
		requests: map[types.ID]*Request{},
	}
	for id, d := range m.drivers {
		tx.drivers[id] = cloneDriver(d)
	}
	for id, v := range m.vehicles {
		tx.vehicles[id] = cloneVehicle(v)
	}
	for id, r := range m.requests {
		tx.requests[id] = r.clone()
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.drivers, m.vehicles, m.requests = tx.drivers, tx.vehicles, tx.requests
	if m.trail != nil {
		for _, id := range tx.purged {
			m.trail.purge(id)
		}
	}
	return nil
}

func (m *memStore) GetRequest(ctx context.Context, id types.ID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *memStore) FindRequests(ctx context.Context, f Filter) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return find(m.requests, f), nil
}

// seeding and inspection helpers; they bypass transactions.

func (m *memStore) putDriver(d *Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = cloneDriver(d)
}

func (m *memStore) putVehicle(v *Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = cloneVehicle(v)
}

func (m *memStore) putRequest(r *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r.clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.requests[r.ID] = cp
}

func (m *memStore) driver(t *testing.T, id types.ID) *Driver {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		t.Fatalf("driver %s missing", id)
	}
	return cloneDriver(d)
}

func (m *memStore) vehicle(t *testing.T, id types.ID) *Vehicle {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		t.Fatalf("vehicle %s missing", id)
	}
	return cloneVehicle(v)
}

func (m *memStore) request(id types.ID) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

type memTx struct {
	drivers  map[types.ID]*Driver
	vehicles map[types.ID]*Vehicle
	requests map[types.ID]*Request
	purged   []types.ID
}

func (t *memTx) Driver(_ context.Context, id types.ID) (*Driver, error) {
	d, ok := t.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (t *memTx) Vehicle(_ context.Context, id types.ID) (*Vehicle, error) {
	v, ok := t.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVehicle(v), nil
}

func (t *memTx) Request(_ context.Context, id types.ID) (*Request, error) {
	r, ok := t.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (t *memTx) FindRequests(_ context.Context, f Filter) ([]*Request, error) {
	return find(t.requests, f), nil
}

func (t *memTx) PutDriver(_ context.Context, d *Driver) error {
	t.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (t *memTx) PutVehicle(_ context.Context, v *Vehicle) error {
	t.vehicles[v.ID] = cloneVehicle(v)
	return nil
}

func (t *memTx) InsertRequest(_ context.Context, r *Request) error {
	if _, ok := t.requests[r.ID]; ok {
		return ErrStoreConflict
	}
	r.Version = 1
	t.requests[r.ID] = r.clone()
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, r *Request) error {
	cur, ok := t.requests[r.ID]
	if !ok || cur.Version != r.Version {
		return ErrStoreConflict
	}
	r.Version++
	t.requests[r.ID] = r.clone()
	return nil
}

func (t *memTx) DeleteRequest(_ context.Context, id types.ID) error {
	if _, ok := t.requests[id]; !ok {
		return ErrNotFound
	}
	delete(t.requests, id)
	return nil
}

func (t *memTx) DeleteAuditTrail(_ context.Context, requestID types.ID) error {
	t.purged = append(t.purged, requestID)
	return nil
}

func find(requests map[types.ID]*Request, f Filter) []*Request {
	var out []*Request
	for _, r := range requests {
		if f.Match(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func cloneDriver(d *Driver) *Driver {
	cp := *d
	cp.CurrentVehicleID = copyID(d.CurrentVehicleID)
	cp.CurrentRouteID = copyID(d.CurrentRouteID)
	return &cp
}

func cloneVehicle(v *Vehicle) *Vehicle {
	cp := *v
	cp.ActiveDriverID = copyID(v.ActiveDriverID)
	cp.AssignedDriverID = copyID(v.AssignedDriverID)
	cp.ActiveTripID = copyID(v.ActiveTripID)
	return &cp
}

// ---------------------------------------------------------------------------
// Side-effect fakes
// ---------------------------------------------------------------------------

type fakeOracle struct {
	mu    sync.Mutex
	live  map[types.ID]bool
	fail  map[types.ID]error
	calls map[types.ID]int
	// answered runs after each reply, outside the oracle lock.
	answered func(vehicleID types.ID)
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{live: map[types.ID]bool{}, fail: map[types.ID]error{}, calls: map[types.ID]int{}}
}

func (o *fakeOracle) IsVehicleOnActiveTrip(_ context.Context, vehicleID types.ID) (bool, error) {
	o.mu.Lock()
	o.calls[vehicleID]++
	live, err := o.live[vehicleID], o.fail[vehicleID]
	hook := o.answered
	o.mu.Unlock()
	if hook != nil {
		hook(vehicleID)
	}
	if err != nil {
		return false, err
	}
	return live, nil
}

func (o *fakeOracle) set(vehicleID types.ID, live bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live[vehicleID] = live
}

func (o *fakeOracle) callCount(vehicleID types.ID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[vehicleID]
}

type sentNotice struct {
	to    []types.ID
	title string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, userIDs []types.ID, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotice{to: append([]types.ID(nil), userIDs...), title: title})
	return nil
}

func (n *fakeNotifier) titlesFor(id types.ID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		for _, to := range s.to {
			if to == id {
				out = append(out, s.title)
			}
		}
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (a *fakeAudit) Record(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) purge(requestID types.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.RequestID != requestID {
			kept = append(kept, e)
		}
	}
	a.entries = kept
}

func (a *fakeAudit) actions(requestID types.ID) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.RequestID == requestID {
			out = append(out, e.Action)
		}
	}
	return out
}

type fakeMirror struct {
	mu       sync.Mutex
	requests map[types.ID]Status
	drivers  map[types.ID]*Driver
	vehicles map[types.ID]*Vehicle
	err      error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{requests: map[types.ID]Status{}, drivers: map[types.ID]*Driver{}, vehicles: map[types.ID]*Vehicle{}}
}

func (m *fakeMirror) SyncRequest(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.requests[r.ID] = r.Status
	return nil
}

func (m *fakeMirror) RemoveRequest(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.requests, id)
	return nil
}

func (m *fakeMirror) SyncDriver(_ context.Context, d *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (m *fakeMirror) SyncVehicle(_ context.Context, v *Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.vehicles[v.ID] = cloneVehicle(v)
	return nil
}

func (m *fakeMirror) status(id types.ID) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.requests[id]
	return s, ok
}

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *memStore
	trips   *fakeOracle
	notes   *fakeNotifier
	audit   *fakeAudit
	mirror  *fakeMirror
	metrics *obs.Metrics
	svc     *Service

	clockMu sync.Mutex
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		trips:   newFakeOracle(),
		notes:   &fakeNotifier{},
		audit:   &fakeAudit{},
		mirror:  newFakeMirror(),
		metrics: obs.NewMetrics(prometheus.NewRegistry()),
		now:     t0,
	}
	e.store = newMemStore(e.audit)
	e.svc = NewService(Deps{
		Store:    e.store,
		Trips:    e.trips,
		Notifier: e.notes,
		Audit:    e.audit,
		Mirror:   e.mirror,
		Metrics:  e.metrics,
		Now:      e.clock,
	})
	return e
}

func (e *testEnv) clock() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.now = e.now.Add(d)
	return e.now
}

// onVehicle seeds a driver that holds vehicleID (with matching vehicle record)
// and drives routeID.
func (e *testEnv) onVehicle(driverID, vehicleID, routeID types.ID) {
	e.store.putDriver(&Driver{
		ID:               driverID,
		Status:           DriverActive,
		CurrentVehicleID: types.Ptr(vehicleID),
		CurrentRouteID:   types.Ptr(routeID),
	})
	e.store.putVehicle(&Vehicle{
		ID:               vehicleID,
		ActiveDriverID:   types.Ptr(driverID),
		AssignedDriverID: types.Ptr(driverID),
	})
}

func (e *testEnv) reserved(driverID types.ID) {
	e.store.putDriver(&Driver{ID: driverID, Status: DriverActive})
}

func (e *testEnv) create(t *testing.T, requesterID, candidateID, vehicleID types.ID) *Request {
	t.Helper()
	now := e.clock()
	r, err := e.svc.Create(context.Background(), CreateCommand{
		RequesterID:    requesterID,
		CandidateID:    candidateID,
		VehicleID:      vehicleID,
		ScheduledStart: now,
		ScheduledEnd:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create %s->%s: %v", requesterID, candidateID, err)
	}
	return r
}

func (e *testEnv) accept(t *testing.T, r *Request) {
	t.Helper()
	if _, err := e.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: r.CandidateID}); err != nil {
		t.Fatalf("accept %s: %v", r.ID, err)
	}
}

// assignmentSwap leaves D1(V1,R1) swapped out to reserved D2.
func assignmentSwap(t *testing.T) (*testEnv, *Request) {
	t.Helper()
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.reserved("D2")
	r := e.create(t, "D1", "D2", "V1")
	e.accept(t, r)
	return e, r
}

// exchangeSwap leaves D1(V1,R1) and D2(V2,R2) exchanged.
func exchangeSwap(t *testing.T) (*testEnv, *Request) {
	t.Helper()
	e := newTestEnv(t)
	e.onVehicle("D1", "V1", "R1")
	e.onVehicle("D2", "V2", "R2")
	r := e.create(t, "D1", "D2", "V1")
	e.accept(t, r)
	return e, r
}

func assertDriver(t *testing.T, e *testEnv, id, vehicleID, routeID types.ID) {
	t.Helper()
	d := e.store.driver(t, id)
	if types.Deref(d.CurrentVehicleID) != vehicleID || types.Deref(d.CurrentRouteID) != routeID {
		t.Fatalf("driver %s: vehicle=%q route=%q, want vehicle=%q route=%q",
			id, types.Deref(d.CurrentVehicleID), types.Deref(d.CurrentRouteID), vehicleID, routeID)
	}
}

func assertVehicle(t *testing.T, e *testEnv, id, driverID types.ID) {
	t.Helper()
	v := e.store.vehicle(t, id)
	if types.Deref(v.ActiveDriverID) != driverID || types.Deref(v.AssignedDriverID) != driverID {
		t.Fatalf("vehicle %s: active=%q assigned=%q, want %q",
			id, types.Deref(v.ActiveDriverID), types.Deref(v.AssignedDriverID), driverID)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

var errBoom = errors.New("boom")

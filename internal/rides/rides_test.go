package rides

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type recordedEvents struct {
	mu  sync.Mutex
	evs []models.RideEvent
}

func (r *recordedEvents) PublishRideEvent(ctx context.Context, ev models.RideEvent) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recordedEvents) types() []models.RideEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RideEventType, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Type
	}
	return out
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestService(store storage.RideStore, mem *storage.MemoryStore) (*Service, *recordedEvents) {
	ev := &recordedEvents{}
	return New(store, mem, ev, discard()), ev
}

var pickupX = models.Place{Lat: 53.35, Lng: -6.26, Name: "X"}

func TestSubmitThenAccept(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, ev := newTestService(mem, mem)
	ctx := context.Background()

	if err := svc.SubmitRequest(ctx, "ride_1", "rider_9", pickupX, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !svc.AcceptPendingRequest(ctx, "ride_1") {
		t.Fatal("expected accept to succeed")
	}

	ride := svc.Get(ctx, "ride_1")
	if ride.Status != models.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", ride.Status)
	}
	if ride.PendingRequest != nil {
		t.Fatal("pending request should be cleared")
	}
	if ride.AcceptedRequest == nil || ride.AcceptedRequest.RiderID != "rider_9" || ride.AcceptedRequest.Pickup != pickupX {
		t.Fatalf("unexpected accepted request %+v", ride.AcceptedRequest)
	}
	got := ev.types()
	if len(got) != 2 || got[0] != models.EventRequestSubmitted || got[1] != models.EventRequestAccepted {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSubmitThenDecline(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(mem, mem)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, PublishInput{HostID: "h1", Pickup: &pickupX, Drop: &pickupX, Seats: 3, Price: 5}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rides, _ := mem.ListRidesByHost(ctx, "h1")
	id := rides[0].ID

	for i, rider := range []string{"a", "b"} {
		if err := svc.SubmitRequest(ctx, id, rider, pickupX, "Rider "+rider); err != nil {
			t.Fatalf("submit: %v", err)
		}
		before := svc.Get(ctx, id)
		if !svc.DeclinePendingRequest(ctx, id) {
			t.Fatal("expected decline to succeed")
		}
		after := svc.Get(ctx, id)
		if after.PendingRequest != nil {
			t.Fatal("pending request should be cleared")
		}
		if len(after.DeclinedRequests) != i+1 {
			t.Fatalf("expected %d declined, got %d", i+1, len(after.DeclinedRequests))
		}
		if last := after.DeclinedRequests[i]; last != *before.PendingRequest {
			t.Fatalf("declined entry %+v != submitted %+v", last, *before.PendingRequest)
		}
		if after.Status != models.StatusPublished {
			t.Fatalf("decline must not change status, got %s", after.Status)
		}
	}
}

func TestResolveWithoutPendingLeavesRideUntouched(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, ev := newTestService(mem, mem)
	ctx := context.Background()

	if svc.AcceptPendingRequest(ctx, "missing") || svc.DeclinePendingRequest(ctx, "missing") {
		t.Fatal("expected false for a missing ride")
	}

	if err := svc.UpdateHostLocation(ctx, "r1", 53.35, -6.26); err != nil {
		t.Fatalf("location: %v", err)
	}
	before := svc.Get(ctx, "r1")
	if svc.AcceptPendingRequest(ctx, "r1") || svc.DeclinePendingRequest(ctx, "r1") {
		t.Fatal("expected false without a pending request")
	}
	after := svc.Get(ctx, "r1")
	if after.Version != before.Version || after.Status != before.Status || after.AcceptedRequest != nil || len(after.DeclinedRequests) != 0 {
		t.Fatalf("ride modified: before=%+v after=%+v", before, after)
	}
	if len(ev.types()) != 0 {
		t.Fatalf("no events expected, got %v", ev.types())
	}
}

func TestApplyHostLocationSkipsOlderReports(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(mem, mem)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	if err := svc.ApplyHostLocation(ctx, "r1", 53.35, -6.26, t0.Add(time.Minute)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before := svc.Get(ctx, "r1")

	// a replayed report from before the stored one
	if err := svc.ApplyHostLocation(ctx, "r1", 53.30, -6.20, t0); err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	got := svc.Get(ctx, "r1")
	if got.HostLocation.Lat != 53.35 || !got.HostLocation.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("stale report moved the host: %+v", got.HostLocation)
	}
	if got.Version != before.Version {
		t.Fatalf("stale report wrote the ride: version %d -> %d", before.Version, got.Version)
	}

	if err := svc.ApplyHostLocation(ctx, "r1", 53.36, -6.27, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("apply newer: %v", err)
	}
	got = svc.Get(ctx, "r1")
	if got.HostLocation.Lat != 53.36 || !got.HostLocation.UpdatedAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("newer report not applied: %+v", got.HostLocation)
	}
}

func TestSecondSubmitOverwritesPending(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(mem, mem)
	ctx := context.Background()

	first := models.Place{Lat: 53.30, Lng: -6.20, Name: "first"}
	second := models.Place{Lat: 53.40, Lng: -6.30, Name: "second"}
	_ = svc.SubmitRequest(ctx, "r1", "u1", first, "")
	_ = svc.SubmitRequest(ctx, "r1", "u2", second, "")

	ride := svc.Get(ctx, "r1")
	if ride.PendingRequest.Pickup != second || ride.PendingRequest.RiderID != "u2" {
		t.Fatalf("expected second request to win, got %+v", ride.PendingRequest)
	}
}

func TestSubmitValidates(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(mem, mem)
	ctx := context.Background()
	if err := svc.SubmitRequest(ctx, "", "u1", pickupX, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := svc.SubmitRequest(ctx, "r1", "u1", models.Place{Lat: 91}, ""); err == nil {
		t.Fatal("expected invalid latitude error")
	}
}

// racingStore lets another writer sneak in between read and write.
type racingStore struct {
	*storage.MemoryStore
	once sync.Once
}

func (r *racingStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	ride, err := r.MemoryStore.GetRide(ctx, id)
	r.once.Do(func() {
		_, _ = r.MemoryStore.MergeRide(ctx, id, func(r *models.Ride) {
			r.DeclinedRequests = append(r.DeclinedRequests, *r.PendingRequest)
			r.PendingRequest = nil
		})
	})
	return ride, err
}

func TestAcceptLosesToConcurrentWriter(t *testing.T) {
	mem := storage.NewMemoryStore()
	plain, _ := newTestService(mem, mem)
	ctx := context.Background()
	if err := plain.SubmitRequest(ctx, "r1", "u1", pickupX, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	racer := &racingStore{MemoryStore: mem}
	svc, ev := newTestService(racer, mem)
	if svc.AcceptPendingRequest(ctx, "r1") {
		t.Fatal("accept should lose the race")
	}
	ride := plain.Get(ctx, "r1")
	if ride.AcceptedRequest != nil || ride.Status == models.StatusAccepted {
		t.Fatalf("stale accept was applied: %+v", ride)
	}
	if len(ride.DeclinedRequests) != 1 {
		t.Fatalf("winner's decline missing: %+v", ride.DeclinedRequests)
	}
	if len(ev.types()) != 0 {
		t.Fatal("loser must not publish an event")
	}
}

type failingStore struct{ storage.RideStore }

var errDown = errors.New("store down")

func (failingStore) GetRide(context.Context, string) (*models.Ride, error) { return nil, errDown }
func (failingStore) ListRidesByHost(context.Context, string) ([]*models.Ride, error) {
	return nil, errDown
}
func (failingStore) MergeRide(context.Context, string, func(*models.Ride)) (*models.Ride, error) {
	return nil, errDown
}

func TestStoreFailuresDegrade(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(failingStore{}, mem)
	ctx := context.Background()

	if svc.AcceptPendingRequest(ctx, "r1") {
		t.Fatal("expected false on read failure")
	}
	if svc.Get(ctx, "r1") != nil {
		t.Fatal("expected nil ride")
	}
	if got := svc.ListPendingRequests(ctx, "h1"); got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
	if err := svc.SubmitRequest(ctx, "r1", "u1", pickupX, ""); !errors.Is(err, errDown) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestPublishAndActivate(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, ev := newTestService(mem, mem)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, PublishInput{HostID: "h1", Pickup: &pickupX}); !errors.Is(err, ErrMissingRoute) {
		t.Fatalf("expected ErrMissingRoute, got %v", err)
	}
	if _, err := svc.Publish(ctx, PublishInput{HostID: "h1", Pickup: &pickupX, Drop: &pickupX, Seats: -1}); !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected ErrInvalidTerms, got %v", err)
	}

	ride, err := svc.Publish(ctx, PublishInput{HostID: "h1", Pickup: &pickupX, Drop: &pickupX, Seats: 2, Price: 7.5, CountryCode: "GB"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ride.Status != models.StatusPublished || ride.Currency != "£" || ride.TripType != models.TripOneTime || ride.ID == "" {
		t.Fatalf("unexpected ride %+v", ride)
	}

	ride, err = svc.Activate(ctx, ride.ID, "h2")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !ride.Matchable() || ride.HostID != "h2" || ride.Seats != 2 {
		t.Fatalf("unexpected activated ride %+v", ride)
	}
	got := ev.types()
	if len(got) != 2 || got[1] != models.EventRideActivated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestListPendingRequests(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(mem, mem)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if _, err := svc.Activate(ctx, id, "h1"); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	_ = svc.SubmitRequest(ctx, "r2", "u1", pickupX, "Una")

	got := svc.ListPendingRequests(ctx, "h1")
	if len(got) != 1 || got[0].RideID != "r2" || got[0].Request.RiderName != "Una" {
		t.Fatalf("unexpected pending list %+v", got)
	}
}

func TestSubscribeRideSnapshots(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc, _ := newTestService(mem, mem)
	ctx := context.Background()

	snaps := make(chan *models.Ride, 8)
	sub := svc.SubscribeRide(ctx, "r1", func(r *models.Ride) { snaps <- r })
	defer sub.Cancel()

	next := func() *models.Ride {
		t.Helper()
		select {
		case r := <-snaps:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
	if r := next(); r != nil {
		t.Fatalf("expected nil for missing ride, got %+v", r)
	}
	_ = svc.SubmitRequest(ctx, "r1", "u1", pickupX, "")
	if r := next(); r == nil || r.PendingRequest == nil {
		t.Fatalf("expected pending request in snapshot, got %+v", r)
	}
}

package storage

import (
	"context"
	"errors"
	"go/parser"
	"go/token"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/watch"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s, err := newRedisStore(context.Background(), c, "test:", nil)
			if err != nil {
				t.Fatalf("redis store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func TestMergeRideCreatesThenMerges(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r, err := s.MergeRide(ctx, "r1", func(r *models.Ride) {
			r.HostID = "h1"
			r.Status = models.StatusPublished
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if r.Version != 1 || r.CreatedAt.IsZero() {
			t.Fatalf("expected fresh ride at version 1, got %+v", r)
		}

		r, err = s.MergeRide(ctx, "r1", func(r *models.Ride) {
			r.PendingRequest = &models.Request{RiderID: "u1"}
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if r.HostID != "h1" || r.Status != models.StatusPublished || r.Version != 2 {
			t.Fatalf("merge lost fields: %+v", r)
		}

		got, err := s.GetRide(ctx, "r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PendingRequest == nil || got.PendingRequest.RiderID != "u1" {
			t.Fatalf("pending request not stored: %+v", got)
		}
	})
}

func TestUpdateRideVersionCheck(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.MergeRide(ctx, "r1", func(r *models.Ride) { r.Status = models.StatusPublished }); err != nil {
			t.Fatalf("merge: %v", err)
		}
		a, _ := s.GetRide(ctx, "r1")
		b, _ := s.GetRide(ctx, "r1")

		a.Status = models.StatusAccepted
		if err := s.UpdateRide(ctx, a); err != nil {
			t.Fatalf("first update: %v", err)
		}
		if a.Version != 2 {
			t.Fatalf("expected version bump to 2, got %d", a.Version)
		}

		b.Status = models.StatusPending
		if err := s.UpdateRide(ctx, b); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected version conflict, got %v", err)
		}

		missing := &models.Ride{ID: "nope"}
		if err := s.UpdateRide(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		got, _ := s.GetRide(ctx, "r1")
		if got.Status != models.StatusAccepted {
			t.Fatalf("stale write applied: %s", got.Status)
		}
	})
}

func TestListRidesIndexesFollowUpdates(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"r1", "r2"} {
			if _, err := s.MergeRide(ctx, id, func(r *models.Ride) {
				r.HostID = "h1"
				r.Status = models.StatusPublished
			}); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		r, _ := s.GetRide(ctx, "r2")
		r.Status = models.StatusAccepted
		if err := s.UpdateRide(ctx, r); err != nil {
			t.Fatalf("update: %v", err)
		}

		published, _ := s.ListRidesByStatus(ctx, models.StatusPublished)
		accepted, _ := s.ListRidesByStatus(ctx, models.StatusAccepted)
		if len(published) != 1 || published[0].ID != "r1" {
			t.Fatalf("unexpected published set %v", ids(published))
		}
		if len(accepted) != 1 || accepted[0].ID != "r2" {
			t.Fatalf("unexpected accepted set %v", ids(accepted))
		}
		hosted, _ := s.ListRidesByHost(ctx, "h1")
		if len(hosted) != 2 {
			t.Fatalf("expected 2 rides for host, got %v", ids(hosted))
		}
	})
}

func TestGetRideNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		if _, err := s.GetRide(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestThreadMessagesOrderedAndStatus(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		for i, id := range []string{"m2", "m1", "m3"} {
			m := &models.Message{ID: id, ThreadID: "t1", From: "u1", Text: id, Status: models.MessageSent,
				CreatedAt: base.Add(time.Duration(2-i) * time.Second)}
			if err := s.AddMessage(ctx, m); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		if err := s.AddMessage(ctx, &models.Message{ID: "x", ThreadID: "t2", CreatedAt: base}); err != nil {
			t.Fatalf("add: %v", err)
		}

		msgs, err := s.ListThread(ctx, "t1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 3 || msgs[0].ID != "m3" || msgs[2].ID != "m2" {
			t.Fatalf("unexpected order %+v", msgs)
		}

		if err := s.SetMessageStatus(ctx, "m1", models.MessageRead); err != nil {
			t.Fatalf("status: %v", err)
		}
		if err := s.SetMessageStatus(ctx, "ghost", models.MessageRead); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		msgs, _ = s.ListThread(ctx, "t1")
		if msgs[1].ID != "m1" || msgs[1].Status != models.MessageRead {
			t.Fatalf("status not updated: %+v", msgs[1])
		}
	})
}

func TestTypingAndRatings(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		_ = s.SetTyping(ctx, models.Typing{ThreadID: "t1", UserID: "b", IsTyping: true, UpdatedAt: now})
		_ = s.SetTyping(ctx, models.Typing{ThreadID: "t1", UserID: "a", IsTyping: true, UpdatedAt: now})
		_ = s.SetTyping(ctx, models.Typing{ThreadID: "t1", UserID: "b", IsTyping: false, UpdatedAt: now})
		typing, err := s.ListTyping(ctx, "t1")
		if err != nil {
			t.Fatalf("typing: %v", err)
		}
		if len(typing) != 2 || typing[0].UserID != "a" || typing[1].IsTyping {
			t.Fatalf("unexpected typing %+v", typing)
		}

		_ = s.AddRating(ctx, &models.Rating{ID: "1", HostID: "h1", Rating: 5, CreatedAt: now})
		_ = s.AddRating(ctx, &models.Rating{ID: "2", HostID: "h1", Rating: 3, CreatedAt: now.Add(time.Second)})
		rs, err := s.ListHostRatings(ctx, "h1")
		if err != nil {
			t.Fatalf("ratings: %v", err)
		}
		if len(rs) != 2 || rs[0].Rating != 5 || rs[1].Rating != 3 {
			t.Fatalf("unexpected ratings %+v", rs)
		}
	})
}

func TestChangeFeedAnnouncesWrites(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		events := make(chan watch.Event, 16)
		cancel := s.Listen(func(ev watch.Event) { events <- ev })
		defer cancel()

		ctx := context.Background()
		_, _ = s.MergeRide(ctx, "r9", func(r *models.Ride) { r.Status = models.StatusPublished })
		_ = s.AddRating(ctx, &models.Rating{ID: "1", HostID: "h9", Rating: 4})

		want := []watch.Event{
			{Collection: CollectionRides, Key: "r9"},
			{Collection: CollectionRatings, Key: "h9"},
		}
		for _, w := range want {
			select {
			case ev := <-events:
				if ev != w {
					t.Fatalf("expected %+v, got %+v", w, ev)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %+v", w)
			}
		}
	})
}

func TestMemoryStoreDoesNotShareRides(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r, _ := s.MergeRide(ctx, "r1", func(r *models.Ride) {
		r.HostLocation = &models.HostLocation{Lat: 1, Lng: 2}
	})
	r.HostLocation.Lat = 99

	got, _ := s.GetRide(ctx, "r1")
	if got.HostLocation.Lat != 1 {
		t.Fatalf("caller mutation leaked into store: %v", got.HostLocation.Lat)
	}
}

func TestDecodeRideTakesVersionFromColumn(t *testing.T) {
	r, err := decodeRide(rideRow{ID: "r1", Doc: []byte(`{"id":"stale","status":"ACCEPTED","version":1}`), Version: 4})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.ID != "r1" || r.Version != 4 || r.Status != models.StatusAccepted {
		t.Fatalf("unexpected ride %+v", r)
	}
	if _, err := decodeRide(rideRow{ID: "r2", Doc: []byte(`{`)}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeChange(t *testing.T) {
	ev, err := decodeChange(`{"collection":"messages","key":"t1"}`)
	if err != nil || ev != (watch.Event{Collection: CollectionMessages, Key: "t1"}) {
		t.Fatalf("unexpected %+v %v", ev, err)
	}
}

func TestMessageRowRoundTrip(t *testing.T) {
	m := models.Message{ID: "m1", ThreadID: "t1", From: "u1", Text: "hi", Status: models.MessageDelivered, CreatedAt: time.Unix(10, 0).UTC()}
	if got := toMessageRow(m).toModel(); got != m {
		t.Fatalf("row mapping lost data: %+v", got)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "cassandra"}, nil); err == nil {
		t.Fatal("expected error")
	}
	s, err := Open(context.Background(), Options{}, nil)
	if err != nil {
		t.Fatalf("memory open: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}

func TestOpenSelectsBackendByName(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: BackendMemory}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}

func TestStorageDoesNotImportConfig(t *testing.T) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, ".", func(fi fs.FileInfo) bool {
		return !strings.HasSuffix(fi.Name(), "_test.go")
	}, parser.ImportsOnly)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, pkg := range pkgs {
		for name, f := range pkg.Files {
			for _, imp := range f.Imports {
				if strings.HasSuffix(strings.Trim(imp.Path.Value, `"`), "/internal/config") {
					t.Errorf("%s imports %s", name, imp.Path.Value)
				}
			}
		}
	}
}

func ids(rs []*models.Ride) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

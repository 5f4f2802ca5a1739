package ratings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

func newService() *Service {
	mem := storage.NewMemoryStore()
	return New(mem, mem, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmitValidatesRange(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	for _, bad := range []int{0, 6, -1} {
		if _, err := svc.Submit(ctx, "h1", "u1", bad); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("rating %d: expected ErrInvalidRating, got %v", bad, err)
		}
	}
	if _, err := svc.Submit(ctx, "", "u1", 4); !errors.Is(err, ErrMissingHost) {
		t.Fatalf("expected ErrMissingHost, got %v", err)
	}
}

func TestHostStats(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	if st := svc.HostStats(ctx, "h1"); st.Avg != 0 || st.Count != 0 || st.Items == nil {
		t.Fatalf("unexpected empty stats %+v", st)
	}
	for _, r := range []int{5, 4, 3} {
		if _, err := svc.Submit(ctx, "h1", "", r); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, _ = svc.Submit(ctx, "h2", "u1", 1)

	st := svc.HostStats(ctx, "h1")
	if st.Count != 3 || st.Avg != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSubscribeHost(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	snaps := make(chan []models.Rating, 4)
	sub := svc.SubscribeHost(ctx, "h1", func(rs []models.Rating) { snaps <- rs })
	defer sub.Cancel()

	next := func() []models.Rating {
		t.Helper()
		select {
		case v := <-snaps:
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
			return nil
		}
	}
	if len(next()) != 0 {
		t.Fatal("expected empty initial snapshot")
	}
	_, _ = svc.Submit(ctx, "h1", "u1", 5)
	if got := next(); len(got) != 1 || got[0].Rating != 5 {
		t.Fatalf("unexpected snapshot %v", got)
	}
}

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/users"
)

type recordingTransport struct {
	mu    sync.Mutex
	calls []struct {
		Token string
		Kind  Kind
	}
	err error
}

func (r *recordingTransport) Push(ctx context.Context, token string, kind Kind, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		Token string
		Kind  Kind
	}{token, kind})
	return r.err
}

func newTestDispatcher(tr Transport) (*Dispatcher, *users.MemoryStore) {
	us := users.NewMemoryStore()
	d := NewDispatcher(us, tr, nil, slog.Default())
	return d, us
}

func TestSendDeliversToCredential(t *testing.T) {
	tr := &recordingTransport{}
	d, us := newTestDispatcher(tr)
	us.Put(models.User{ID: "p1", Name: "Ana", PushToken: "tok-1"})

	if err := d.Send(context.Background(), "p1", KindRideAccepted, map[string]any{"request_id": "r1"}); err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 1 || tr.calls[0].Token != "tok-1" || tr.calls[0].Kind != KindRideAccepted {
		t.Fatalf("unexpected calls: %+v", tr.calls)
	}
}

func TestSendMissingCredentialIsNotAFailure(t *testing.T) {
	tr := &recordingTransport{}
	d, us := newTestDispatcher(tr)
	us.Put(models.User{ID: "d1", Name: "Bo"}) // no token

	if err := d.Send(context.Background(), "d1", KindRideRequest, nil); err != nil {
		t.Fatalf("missing credential must return success, got %v", err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("transport should not be called, got %+v", tr.calls)
	}
}

func TestSendSurfacesTransportError(t *testing.T) {
	tr := &recordingTransport{err: errors.New("fcm 503")}
	d, us := newTestDispatcher(tr)
	us.Put(models.User{ID: "d1", PushToken: "tok"})

	if err := d.Send(context.Background(), "d1", KindRideRequest, nil); err == nil {
		t.Fatal("expected transport error to surface")
	}
}

func TestSendUnknownUser(t *testing.T) {
	tr := &recordingTransport{}
	d, _ := newTestDispatcher(tr)
	if err := d.Send(context.Background(), "ghost", KindRideRequest, nil); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestOfferRidePayloadShape(t *testing.T) {
	var captured map[string]any
	tr := transportFunc(func(ctx context.Context, token string, kind Kind, data map[string]any) error {
		captured = data
		return nil
	})
	d, us := newTestDispatcher(tr)
	us.Put(models.User{ID: "d1", PushToken: "tok"})

	req := &models.RideRequest{
		ID:            "r1",
		PassengerID:   "p1",
		PassengerName: "Ana",
		Pickup:        models.Place{Lat: 40.7128, Lng: -74.0060, Address: "downtown"},
		ProposedFare:  12.5,
		Priority:      models.PriorityHigh,
	}
	if err := d.OfferRide(context.Background(), "d1", req); err != nil {
		t.Fatal(err)
	}
	if captured["request_id"] != "r1" {
		t.Fatalf("missing request_id: %v", captured)
	}
	trip, ok := captured["trip"].(map[string]any)
	if !ok {
		t.Fatalf("missing trip object: %v", captured)
	}
	if trip["passenger_name"] != "Ana" || trip["proposed_fare"] != 12.5 {
		t.Fatalf("trip payload wrong: %v", trip)
	}
}

type transportFunc func(ctx context.Context, token string, kind Kind, data map[string]any) error

func (f transportFunc) Push(ctx context.Context, token string, kind Kind, data map[string]any) error {
	return f(ctx, token, kind, data)
}

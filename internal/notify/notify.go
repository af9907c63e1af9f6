package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/users"
)

// Kind enumerates the typed push messages the dispatch path emits.
type Kind string

const (
	KindRideRequest        Kind = "ride_request"
	KindRideRequestExpired Kind = "ride_request_expired"
	KindRideAccepted       Kind = "ride_accepted"
	KindNoDrivers          Kind = "no_drivers_available"
	KindDriverArrived      Kind = "driver_arrived"
	KindTripStarted        Kind = "trip_started"
	KindTripCompleted      Kind = "trip_completed"
	KindPaymentRequest     Kind = "payment_request"
)

// Transport delivers one typed message to one push credential.
type Transport interface {
	Push(ctx context.Context, token string, kind Kind, data map[string]any) error
}

// Dispatcher resolves a user id to a push credential and delivers a typed
// message, preferring the live WebSocket session when one exists. A missing
// credential is a warning, not a failure; a transport error is surfaced to
// the caller, who decides whether it matters.
type Dispatcher struct {
	Users     users.Store
	Transport Transport
	WS        *WSRegistry
	Logger    *slog.Logger
}

func NewDispatcher(us users.Store, tr Transport, ws *WSRegistry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{Users: us, Transport: tr, WS: ws, Logger: logger}
}

func (d *Dispatcher) Send(ctx context.Context, userID string, kind Kind, payload map[string]any) error {
	if d.WS != nil {
		if err := d.WS.Send(userID, kind, payload); err == nil {
			observability.PushSendsTotal.WithLabelValues(string(kind), "ws").Inc()
			return nil
		}
	}
	u, err := d.Users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if u.PushToken == "" {
		d.Logger.Warn("push credential missing, dropping notification",
			"user_id", userID, "kind", string(kind))
		observability.PushSendsTotal.WithLabelValues(string(kind), "no_credential").Inc()
		return nil
	}
	if d.Transport == nil {
		observability.PushSendsTotal.WithLabelValues(string(kind), "no_transport").Inc()
		return nil
	}
	if err := d.Transport.Push(ctx, u.PushToken, kind, payload); err != nil {
		observability.PushSendsTotal.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("push %s to %s: %w", kind, userID, err)
	}
	observability.PushSendsTotal.WithLabelValues(string(kind), "ok").Inc()
	return nil
}

// OfferRide sends the full trip object to the driver currently being
// offered the request.
func (d *Dispatcher) OfferRide(ctx context.Context, driverID string, req *models.RideRequest) error {
	return d.Send(ctx, driverID, KindRideRequest, map[string]any{
		"request_id": req.ID,
		"trip": map[string]any{
			"passenger_id":    req.PassengerID,
			"passenger_name":  req.PassengerName,
			"passenger_phone": req.PassengerPhone,
			"pickup":          req.Pickup,
			"dropoff":         req.Dropoff,
			"distance_km":     req.DistanceKm,
			"duration_min":    req.DurationMin,
			"priority":        req.Priority,
			"proposed_fare":   req.ProposedFare,
		},
	})
}

func (d *Dispatcher) OfferExpired(ctx context.Context, driverID, requestID string) error {
	return d.Send(ctx, driverID, KindRideRequestExpired, map[string]any{
		"request_id": requestID,
	})
}

func (d *Dispatcher) RideAccepted(ctx context.Context, passengerID, requestID, driverID string, etaMinutes int) error {
	return d.Send(ctx, passengerID, KindRideAccepted, map[string]any{
		"request_id":  requestID,
		"driver_id":   driverID,
		"eta_minutes": etaMinutes,
	})
}

func (d *Dispatcher) NoDriversAvailable(ctx context.Context, passengerID, requestID string) error {
	return d.Send(ctx, passengerID, KindNoDrivers, map[string]any{
		"request_id": requestID,
	})
}

func (d *Dispatcher) DriverArrived(ctx context.Context, passengerID, requestID string) error {
	return d.Send(ctx, passengerID, KindDriverArrived, map[string]any{
		"request_id": requestID,
	})
}

func (d *Dispatcher) TripStarted(ctx context.Context, passengerID, requestID string) error {
	return d.Send(ctx, passengerID, KindTripStarted, map[string]any{
		"request_id": requestID,
	})
}

func (d *Dispatcher) TripCompleted(ctx context.Context, passengerID, requestID string, finalFare float64, completedAt time.Time) error {
	return d.Send(ctx, passengerID, KindTripCompleted, map[string]any{
		"request_id":   requestID,
		"final_fare":   finalFare,
		"completed_at": completedAt.UTC().Format(time.RFC3339),
	})
}

// PaymentRequest relays a driver-initiated invoice to the passenger.
// Currency is an HBD or HIVE token symbol; settlement happens on-chain,
// outside this service.
func (d *Dispatcher) PaymentRequest(ctx context.Context, passengerID, invoice string, amount float64, currency, payeeAccount, driverName string) error {
	return d.Send(ctx, passengerID, KindPaymentRequest, map[string]any{
		"invoice":       invoice,
		"amount":        amount,
		"currency_code": currency,
		"payee_account": payeeAccount,
		"driver_name":   driverName,
	})
}

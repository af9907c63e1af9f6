package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/state"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrNotAssignedDriver rejects a trip transition from a driver who is not
// assigned to the ride.
var ErrNotAssignedDriver = errors.New("driver is not assigned to this ride")

// ErrInvalidTransition rejects a trip transition the canonical state does
// not allow.
var ErrInvalidTransition = errors.New("ride is not in a state that allows this transition")

// API is the entry point the HTTP handlers call into: request admission,
// driver responses, cancellation, and the post-accept trip transitions.
type API struct {
	rides    storage.RideStore
	state    state.Store
	engine   *engine.Engine
	presence presence.Index
	notifier *notify.Dispatcher
	eta      *eta.Estimator
	cfg      config.DispatchConfig
	logger   *slog.Logger
}

func New(rides storage.RideStore, st state.Store, eng *engine.Engine, idx presence.Index, notifier *notify.Dispatcher, est *eta.Estimator, cfg config.DispatchConfig, logger *slog.Logger) *API {
	return &API{
		rides:    rides,
		state:    st,
		engine:   eng,
		presence: idx,
		notifier: notifier,
		eta:      est,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateAndDispatch persists the canonical request, initializes ephemeral
// status, and kicks off candidate selection in the background so the
// caller sees pending immediately.
func (a *API) CreateAndDispatch(ctx context.Context, req *models.RideRequest) (*models.RideRequest, error) {
	if req.ID == "" {
		req.ID = models.NewID()
	}
	now := time.Now().UTC()
	req.Status = models.StatusPending
	req.DriverID = ""
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if req.DurationMin == 0 && a.eta != nil {
		// the rider app usually supplies an estimate; fill the gap so
		// offers never show a zero-duration trip
		sec := a.eta.EstimateSeconds(ctx, req.Pickup, req.Dropoff)
		req.DurationMin = int(sec/60) + 1
	}
	if err := a.rides.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persist ride request: %w", err)
	}
	if err := a.state.InitDispatch(ctx, req.ID, a.cfg.QueueTTL); err != nil {
		return nil, fmt.Errorf("init dispatch state: %w", err)
	}
	if err := a.state.AddPending(ctx, req.ID); err != nil {
		a.logger.Warn("pending registry add failed", "request_id", req.ID, "error", err)
	}

	go a.dispatch(req)

	return req, nil
}

func (a *API) dispatch(req *models.RideRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	candidates, err := a.presence.Nearest(ctx, req.Pickup.Lat, req.Pickup.Lng, a.cfg.SearchRadiusKm, a.cfg.SearchLimit)
	if err != nil {
		a.logger.Error("candidate lookup failed", "request_id", req.ID, "error", err)
		candidates = nil
	}
	if err := a.engine.Admit(ctx, req, candidates); err != nil {
		a.logger.Error("admission failed", "request_id", req.ID, "error", err)
	}
}

// Respond applies a driver's verdict. The bool reports whether it was
// applied; a false always comes with the reason as the error:
// engine.ErrNotCurrentOfferee when the driver was not the current offeree,
// engine.ErrAlreadyResolved when the request had already resolved, or a
// store error.
func (a *API) Respond(ctx context.Context, requestID, driverID string, verdict models.DriverResponse, etaMinutes int) (bool, error) {
	if err := a.engine.Respond(ctx, requestID, driverID, verdict, etaMinutes); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel transitions the request to cancelled unless it is already
// terminal.
func (a *API) Cancel(ctx context.Context, requestID string) error {
	return a.engine.Cancel(ctx, requestID)
}

// Status projects the dispatch state for one request.
func (a *API) Status(ctx context.Context, requestID string) (engine.StatusView, error) {
	return a.engine.Status(ctx, requestID)
}

// Trip returns the canonical ride row, used as the trip projection handed
// to a driver right after accepting.
func (a *API) Trip(ctx context.Context, requestID string) (*models.RideRequest, error) {
	return a.rides.Get(ctx, requestID)
}

// Arrived marks the assigned driver at the pickup point and tells the
// passenger.
func (a *API) Arrived(ctx context.Context, requestID, driverID string) error {
	return a.transition(ctx, requestID, driverID, models.StatusArrivedAtPickup,
		[]models.Status{models.StatusAccepted},
		func(req *models.RideRequest) error {
			return a.notifier.DriverArrived(ctx, req.PassengerID, requestID)
		})
}

// Start marks the trip as underway.
func (a *API) Start(ctx context.Context, requestID, driverID string) error {
	return a.transition(ctx, requestID, driverID, models.StatusInTransit,
		[]models.Status{models.StatusAccepted, models.StatusArrivedAtPickup},
		func(req *models.RideRequest) error {
			return a.notifier.TripStarted(ctx, req.PassengerID, requestID)
		})
}

// Complete finishes the trip and sends the passenger the final fare.
func (a *API) Complete(ctx context.Context, requestID, driverID string) error {
	return a.transition(ctx, requestID, driverID, models.StatusCompleted,
		[]models.Status{models.StatusInTransit, models.StatusArrivedAtPickup},
		func(req *models.RideRequest) error {
			return a.notifier.TripCompleted(ctx, req.PassengerID, requestID, req.ProposedFare, time.Now().UTC())
		})
}

func (a *API) transition(ctx context.Context, requestID, driverID string, to models.Status, from []models.Status, notifyFn func(*models.RideRequest) error) error {
	req, err := a.rides.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.DriverID == "" || req.DriverID != driverID {
		return ErrNotAssignedDriver
	}
	allowed := false
	for _, s := range from {
		if req.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		if req.Status == to {
			// repeated transition is a no-op
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, to)
	}
	if err := a.rides.UpdateStatus(ctx, requestID, to, ""); err != nil {
		return err
	}
	if err := notifyFn(req); err != nil {
		a.logger.Warn("trip transition notification failed",
			"request_id", requestID, "status", string(to), "error", err)
	}
	a.logger.Info("trip transition", "request_id", requestID, "status", string(to))
	return nil
}

// RequestPayment relays a driver-initiated invoice to the passenger.
// Settlement happens on-chain; this only delivers the payment_request
// push.
func (a *API) RequestPayment(ctx context.Context, requestID, driverID, driverName, invoice string, amount float64, currency, payeeAccount string) error {
	if currency != "HBD" && currency != "HIVE" {
		return fmt.Errorf("unsupported currency %q", currency)
	}
	req, err := a.rides.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.DriverID != driverID {
		return ErrNotAssignedDriver
	}
	return a.notifier.PaymentRequest(ctx, req.PassengerID, invoice, amount, currency, payeeAccount, driverName)
}

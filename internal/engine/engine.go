package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/state"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrNotCurrentOfferee rejects a response from a driver who does not
	// hold the open offer.
	ErrNotCurrentOfferee = errors.New("driver is not the current offeree")
	// ErrAlreadyResolved rejects a response or cancel against a request
	// that reached a terminal state.
	ErrAlreadyResolved = errors.New("request already resolved")
	// ErrStoreUnavailable wraps coordinator failures; callers surface 5xx
	// and may retry, since no state is assumed changed.
	ErrStoreUnavailable = errors.New("dispatch store unavailable")
)

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Notifier is the slice of the notification dispatcher the engine drives.
type Notifier interface {
	OfferRide(ctx context.Context, driverID string, req *models.RideRequest) error
	OfferExpired(ctx context.Context, driverID, requestID string) error
	RideAccepted(ctx context.Context, passengerID, requestID, driverID string, etaMinutes int) error
	NoDriversAvailable(ctx context.Context, passengerID, requestID string) error
}

// EventPublisher receives terminal resolutions, best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

// Engine runs the per-request dispatch state machine: it offers the ride
// to one candidate at a time, arms an acceptance window per offer, and
// resolves the request on accept, exhaustion, or cancel. All decisions are
// derived from store reads; the compare-and-set on the offeree key is the
// only synchronization, so any worker can handle any event.
type Engine struct {
	store    state.Store
	rides    storage.RideStore
	notifier Notifier
	events   EventPublisher
	cfg      config.DispatchConfig
	logger   *slog.Logger
	timers   *offerTimers
}

func New(st state.Store, rides storage.RideStore, notifier Notifier, events EventPublisher, cfg config.DispatchConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		rides:    rides,
		notifier: notifier,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		timers:   newOfferTimers(),
	}
}

// Close flushes in-flight offer timers. Pending requests survive in the
// store and are picked up by another worker's sweeper.
func (e *Engine) Close() {
	e.timers.Close()
}

// Admit starts dispatch for a freshly persisted request. An empty
// candidate list resolves the request immediately.
func (e *Engine) Admit(ctx context.Context, req *models.RideRequest, candidates []models.Candidate) error {
	if len(candidates) == 0 {
		return e.markExhausted(ctx, req)
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.DriverID
	}
	if _, err := e.store.SeedQueue(ctx, req.ID, ids, e.cfg.QueueTTL); err != nil {
		return storeErr(err)
	}
	e.logger.Info("dispatch started", "request_id", req.ID, "candidates", len(ids))
	return e.advance(ctx, req)
}

// advance ends one offer and starts the next: pop the head candidate,
// claim the offeree slot via CAS, notify, arm the acceptance window. An
// empty queue resolves the request as exhausted.
func (e *Engine) advance(ctx context.Context, req *models.RideRequest) error {
	next, err := e.store.PopNext(ctx, req.ID)
	if err != nil {
		return storeErr(err)
	}
	if next == "" {
		return e.markExhausted(ctx, req)
	}
	won, err := e.store.SetCurrentOfferee(ctx, req.ID, "", next, e.cfg.OffereeTTL)
	if err != nil {
		return storeErr(err)
	}
	if !won {
		// Another worker holds the offer slot. The popped candidate is
		// dropped rather than pushed back; see DESIGN.md.
		e.logger.Debug("offeree slot taken, dropping candidate",
			"request_id", req.ID, "driver_id", next)
		return nil
	}
	if err := e.store.SetLastOffer(ctx, req.ID, next, e.cfg.QueueTTL); err != nil {
		return storeErr(err)
	}
	if err := e.notifier.OfferRide(ctx, next, req); err != nil {
		// Not retried in place: if the driver never sees the offer, the
		// acceptance window lapses and the next candidate is tried.
		e.logger.Warn("offer delivery failed",
			"request_id", req.ID, "driver_id", next, "error", err)
	}
	driverID := next
	e.timers.Arm(req.ID, e.cfg.OfferTimeout, func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Timeout(tctx, req.ID, driverID); err != nil {
			e.logger.Error("offer timeout handling failed",
				"request_id", req.ID, "driver_id", driverID, "error", err)
		}
	})
	observability.OffersTotal.Inc()
	e.logger.Info("offer sent", "request_id", req.ID, "driver_id", next)
	return nil
}

// Respond applies a driver's accept or decline. Returns
// ErrNotCurrentOfferee or ErrAlreadyResolved when the verdict cannot be
// applied; a nil return means it was.
func (e *Engine) Respond(ctx context.Context, requestID, driverID string, verdict models.DriverResponse, etaMinutes int) error {
	status, err := e.store.Status(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	if status != models.StatusPending {
		if status == models.StatusAccepted && verdict == models.ResponseAccept {
			assigned, err := e.store.AssignedDriver(ctx, requestID)
			if err != nil {
				return storeErr(err)
			}
			if assigned == driverID {
				// accept retried after a success is a no-op
				return nil
			}
		}
		return ErrAlreadyResolved
	}
	cur, err := e.store.CurrentOfferee(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	if cur != driverID {
		return ErrNotCurrentOfferee
	}
	switch verdict {
	case models.ResponseAccept:
		return e.accept(ctx, requestID, driverID, etaMinutes)
	case models.ResponseDecline:
		return e.decline(ctx, requestID, driverID)
	default:
		return fmt.Errorf("unknown verdict %q", verdict)
	}
}

func (e *Engine) accept(ctx context.Context, requestID, driverID string, etaMinutes int) error {
	// The CAS delete decides every race: concurrent accepts, a timeout
	// firing at the same instant, a second worker. Exactly one caller wins.
	won, err := e.store.ClearCurrentOfferee(ctx, requestID, driverID)
	if err != nil {
		return storeErr(err)
	}
	if !won {
		return ErrAlreadyResolved
	}
	e.timers.Disarm(requestID)
	now := time.Now().UTC()
	if err := e.store.SetStatus(ctx, requestID, models.StatusAccepted, e.cfg.AcceptedTTL); err != nil {
		return storeErr(err)
	}
	if err := e.store.SetAssignedDriver(ctx, requestID, driverID, e.cfg.AcceptedTTL); err != nil {
		return storeErr(err)
	}
	if err := e.store.SetETA(ctx, requestID, etaMinutes, e.cfg.AcceptedTTL); err != nil {
		return storeErr(err)
	}
	if err := e.store.AppendResponse(ctx, requestID,
		models.ResponseEntry{DriverID: driverID, Response: models.ResponseAccept, Timestamp: now},
		e.cfg.ResponseLogTTL); err != nil {
		return storeErr(err)
	}
	if err := e.store.DropQueue(ctx, requestID); err != nil {
		return storeErr(err)
	}
	_ = e.store.RemovePending(ctx, requestID)

	req, err := e.rides.Get(ctx, requestID)
	if err != nil {
		// ephemeral state is committed; the canonical row is repaired by
		// the caller's retry or by reporting jobs
		e.logger.Error("canonical ride lookup failed after accept",
			"request_id", requestID, "error", err)
	} else {
		if err := e.rides.UpdateStatus(ctx, requestID, models.StatusAccepted, driverID); err != nil {
			e.logger.Error("canonical accept update failed",
				"request_id", requestID, "error", err)
		}
		if err := e.notifier.RideAccepted(ctx, req.PassengerID, requestID, driverID, etaMinutes); err != nil {
			e.logger.Warn("accept notification failed",
				"request_id", requestID, "error", err)
		}
		observability.DispatchDuration.Observe(now.Sub(req.CreatedAt).Seconds())
	}
	observability.AcceptsTotal.Inc()
	e.publish(ctx, models.DispatchEvent{RequestID: requestID, Status: models.StatusAccepted, DriverID: driverID, At: now})
	e.logger.Info("ride accepted", "request_id", requestID, "driver_id", driverID, "eta_minutes", etaMinutes)
	return nil
}

func (e *Engine) decline(ctx context.Context, requestID, driverID string) error {
	now := time.Now().UTC()
	if err := e.store.AppendResponse(ctx, requestID,
		models.ResponseEntry{DriverID: driverID, Response: models.ResponseDecline, Timestamp: now},
		e.cfg.ResponseLogTTL); err != nil {
		return storeErr(err)
	}
	won, err := e.store.ClearCurrentOfferee(ctx, requestID, driverID)
	if err != nil {
		return storeErr(err)
	}
	if !won {
		// the offer timer beat us to it and is already advancing
		return nil
	}
	e.timers.Disarm(requestID)
	observability.DeclinesTotal.Inc()
	e.logger.Info("offer declined", "request_id", requestID, "driver_id", driverID)
	req, err := e.rides.Get(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	return e.advance(ctx, req)
}

// Timeout handles the lapse of one offer's acceptance window, whether
// raised by the in-process timer or synthesized by the sweeper after the
// offeree key's TTL expired. It is scoped to the (request, driver) pair it
// was armed for and no-ops when the engine has moved on.
func (e *Engine) Timeout(ctx context.Context, requestID, driverID string) error {
	status, err := e.store.Status(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	if status != models.StatusPending {
		return nil
	}
	cur, err := e.store.CurrentOfferee(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	viaCAS := false
	switch {
	case cur == driverID:
		won, err := e.store.ClearCurrentOfferee(ctx, requestID, driverID)
		if err != nil {
			return storeErr(err)
		}
		if !won {
			return nil
		}
		viaCAS = true
	case cur == "":
		// offeree key TTL lapsed; attribute the stall via the last-offer
		// marker before synthesizing a timeout
		last, err := e.store.LastOffer(ctx, requestID)
		if err != nil {
			return storeErr(err)
		}
		if last != driverID {
			return nil
		}
	default:
		// offer moved to another driver
		return nil
	}

	responses, err := e.store.Responses(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	responded := false
	for _, r := range responses {
		if r.DriverID == driverID {
			responded = true
			break
		}
	}
	if !viaCAS && responded {
		// normal inter-offer gap, not a stall
		return nil
	}
	first, err := e.store.MarkTimeoutOnce(ctx, requestID, driverID, e.cfg.ResponseLogTTL)
	if err != nil {
		return storeErr(err)
	}
	if !first {
		return nil
	}
	if !responded {
		now := time.Now().UTC()
		if err := e.store.AppendResponse(ctx, requestID,
			models.ResponseEntry{DriverID: driverID, Response: models.ResponseTimeout, Timestamp: now},
			e.cfg.ResponseLogTTL); err != nil {
			return storeErr(err)
		}
		if err := e.notifier.OfferExpired(ctx, driverID, requestID); err != nil {
			e.logger.Warn("expiry notification failed",
				"request_id", requestID, "driver_id", driverID, "error", err)
		}
		observability.TimeoutsTotal.Inc()
		e.logger.Info("offer expired", "request_id", requestID, "driver_id", driverID)
	}
	req, err := e.rides.Get(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	return e.advance(ctx, req)
}

// Cancel transitions a non-terminal request to cancelled and removes its
// ephemera; in-flight timers become no-ops by guard.
func (e *Engine) Cancel(ctx context.Context, requestID string) error {
	status, err := e.store.Status(ctx, requestID)
	if err != nil {
		return storeErr(err)
	}
	if status.Terminal() {
		return ErrAlreadyResolved
	}
	e.timers.Disarm(requestID)
	now := time.Now().UTC()
	if err := e.store.SetStatus(ctx, requestID, models.StatusCancelled, e.cfg.AcceptedTTL); err != nil {
		return storeErr(err)
	}
	if err := e.store.DeleteDispatchEphemera(ctx, requestID); err != nil {
		return storeErr(err)
	}
	_ = e.store.RemovePending(ctx, requestID)
	if err := e.rides.UpdateStatus(ctx, requestID, models.StatusCancelled, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("canonical cancel update failed", "request_id", requestID, "error", err)
	}
	e.publish(ctx, models.DispatchEvent{RequestID: requestID, Status: models.StatusCancelled, At: now})
	e.logger.Info("dispatch cancelled", "request_id", requestID)
	return nil
}

func (e *Engine) markExhausted(ctx context.Context, req *models.RideRequest) error {
	now := time.Now().UTC()
	if err := e.store.SetStatus(ctx, req.ID, models.StatusNoDrivers, e.cfg.QueueTTL); err != nil {
		return storeErr(err)
	}
	if err := e.store.DeleteDispatchEphemera(ctx, req.ID); err != nil {
		return storeErr(err)
	}
	_ = e.store.RemovePending(ctx, req.ID)
	e.timers.Disarm(req.ID)
	if err := e.rides.UpdateStatus(ctx, req.ID, models.StatusNoDrivers, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("canonical exhaustion update failed", "request_id", req.ID, "error", err)
	}
	if err := e.notifier.NoDriversAvailable(ctx, req.PassengerID, req.ID); err != nil {
		e.logger.Warn("exhaustion notification failed", "request_id", req.ID, "error", err)
	}
	observability.ExhaustedTotal.Inc()
	observability.DispatchDuration.Observe(now.Sub(req.CreatedAt).Seconds())
	e.publish(ctx, models.DispatchEvent{RequestID: req.ID, Status: models.StatusNoDrivers, At: now})
	e.logger.Info("candidates exhausted", "request_id", req.ID)
	return nil
}

func (e *Engine) publish(ctx context.Context, ev models.DispatchEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", "request_id", ev.RequestID, "error", err)
	}
}

package engine

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// StatusView is the caller-facing projection of a request's dispatch
// state. Driver and ETA are populated only once the request is accepted.
type StatusView struct {
	Status           models.Status `json:"status"`
	DriverID         string        `json:"driver_id,omitempty"`
	EstimatedArrival *int          `json:"estimated_arrival,omitempty"`
}

// Status projects the ephemeral state for one request. An absent status
// key reads as pending.
func (e *Engine) Status(ctx context.Context, requestID string) (StatusView, error) {
	st, err := e.store.Status(ctx, requestID)
	if err != nil {
		return StatusView{}, storeErr(err)
	}
	view := StatusView{Status: st}
	if st != models.StatusAccepted {
		return view, nil
	}
	driver, err := e.store.AssignedDriver(ctx, requestID)
	if err != nil {
		return StatusView{}, storeErr(err)
	}
	view.DriverID = driver
	minutes, ok, err := e.store.ETA(ctx, requestID)
	if err != nil {
		return StatusView{}, storeErr(err)
	}
	if ok {
		view.EstimatedArrival = &minutes
	}
	return view, nil
}

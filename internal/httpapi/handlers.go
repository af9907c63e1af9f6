package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/admission"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

// driverIDHeader carries the authenticated driver identity, resolved by
// the auth layer in front of this service.
const driverIDHeader = "X-Driver-ID"

type Server struct {
	API      *admission.API
	Presence presence.Index
	Kafka    *ingest.LocationProducer
	WSReg    *notify.WSRegistry
	cfg      config.DispatchConfig
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(api *admission.API, idx presence.Index, kafka *ingest.LocationProducer, wsreg *notify.WSRegistry, cfg config.DispatchConfig, logger *slog.Logger) *Server {
	s := &Server{
		API:      api,
		Presence: idx,
		Kafka:    kafka,
		WSReg:    wsreg,
		cfg:      cfg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/status", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/arrived", s.handleArrived).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/payment-request", s.handlePaymentRequest).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/status", s.handleDriverStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func validCoord(p models.Place) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PassengerID == "" {
		writeError(w, http.StatusBadRequest, "passenger_id is required")
		return
	}
	if !validCoord(req.Pickup) || !validCoord(req.Dropoff) {
		writeError(w, http.StatusBadRequest, "pickup/dropoff coordinates out of range")
		return
	}
	if req.Priority != "" && req.Priority != models.PriorityNormal && req.Priority != models.PriorityHigh {
		writeError(w, http.StatusBadRequest, "priority must be normal or high")
		return
	}
	stored, err := s.API.CreateAndDispatch(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create ride request")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	driverID := r.Header.Get(driverIDHeader)
	if driverID == "" {
		writeError(w, http.StatusUnauthorized, "driver identity missing")
		return
	}
	var body struct {
		ETAMinutes int `json:"eta_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applied, err := s.API.Respond(r.Context(), requestID, driverID, models.ResponseAccept, body.ETAMinutes)
	if !applied {
		s.writeRespondFailure(w, err)
		return
	}
	trip, err := s.API.Trip(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "accepted, trip lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true, "trip": trip})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body struct {
		DriverID string `json:"driver_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	driverID := body.DriverID
	if driverID == "" {
		driverID = r.Header.Get(driverIDHeader)
	}
	if driverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	applied, err := s.API.Respond(r.Context(), requestID, driverID, models.ResponseDecline, 0)
	if applied {
		writeJSON(w, http.StatusOK, map[string]any{"applied": true, "reason": ""})
		return
	}
	s.writeRespondFailure(w, err)
}

func (s *Server) writeRespondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotCurrentOfferee):
		writeJSON(w, http.StatusConflict, map[string]any{"applied": false, "reason": err.Error()})
	case errors.Is(err, engine.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, map[string]any{"applied": false, "reason": err.Error()})
	default:
		writeError(w, http.StatusServiceUnavailable, "dispatch store unavailable")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	err := s.API.Cancel(r.Context(), requestID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": models.StatusCancelled})
	case errors.Is(err, engine.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "request already resolved")
	default:
		writeError(w, http.StatusServiceUnavailable, "dispatch store unavailable")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	view, err := s.API.Status(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.API.Arrived)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.API.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.API.Complete)
}

func (s *Server) runTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, requestID, driverID string) error) {
	requestID := mux.Vars(r)["id"]
	driverID := r.Header.Get(driverIDHeader)
	if driverID == "" {
		writeError(w, http.StatusUnauthorized, "driver identity missing")
		return
	}
	err := fn(r.Context(), requestID, driverID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "ride request not found")
	case errors.Is(err, admission.ErrNotAssignedDriver):
		writeError(w, http.StatusForbidden, "driver is not assigned to this ride")
	case errors.Is(err, admission.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "transition failed")
	}
}

func (s *Server) handlePaymentRequest(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	driverID := r.Header.Get(driverIDHeader)
	if driverID == "" {
		writeError(w, http.StatusUnauthorized, "driver identity missing")
		return
	}
	var body struct {
		Invoice      string  `json:"invoice"`
		Amount       float64 `json:"amount"`
		CurrencyCode string  `json:"currency_code"`
		PayeeAccount string  `json:"payee_account"`
		DriverName   string  `json:"driver_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	err := s.API.RequestPayment(r.Context(), requestID, driverID, body.DriverName, body.Invoice, body.Amount, body.CurrencyCode, body.PayeeAccount)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "ride request not found")
	case errors.Is(err, admission.ErrNotAssignedDriver):
		writeError(w, http.StatusForbidden, "driver is not assigned to this ride")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if loc.DriverID == "" {
		loc.DriverID = r.Header.Get(driverIDHeader)
	}
	if loc.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	// fan the heartbeat onto the topic when configured
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("location publish failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	if err := s.Presence.Heartbeat(r.Context(), loc.DriverID, loc.Lat, loc.Lng, loc.Timestamp); err != nil {
		writeError(w, http.StatusServiceUnavailable, "presence index unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := r.Header.Get(driverIDHeader)
	if driverID == "" {
		writeError(w, http.StatusUnauthorized, "driver identity missing")
		return
	}
	var body struct {
		IsOnline bool `json:"is_online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.IsOnline {
		observability.DriversOnline.Inc()
		writeJSON(w, http.StatusOK, map[string]any{"is_online": true})
		return
	}
	if err := s.Presence.MarkOffline(r.Context(), driverID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "presence index unavailable")
		return
	}
	if s.WSReg != nil {
		s.WSReg.Remove(driverID)
	}
	observability.DriversOnline.Dec()
	writeJSON(w, http.StatusOK, map[string]any{"is_online": false})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := s.cfg.SearchRadiusKm
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := s.cfg.SearchLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cands, err := s.Presence.Nearest(r.Context(), lat, lng, radius, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "presence index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed")
		return
	}
	s.WSReg.Add(id, conn)
}

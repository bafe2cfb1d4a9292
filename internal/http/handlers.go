package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/homeward-matching/internal/dispatch"
	"github.com/example/homeward-matching/internal/escrow"
	"github.com/example/homeward-matching/internal/geo"
	"github.com/example/homeward-matching/internal/matcher"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/session"
)

// LocationSink receives driver location pings from the ingest endpoint;
// in production it is the Kafka producer, locally the geo index directly.
type LocationSink interface {
	PublishDriverLocation(ctx context.Context, d models.Driver) error
}

type Server struct {
	Sessions *session.Manager
	Ranker   *matcher.Ranker
	Escrow   *escrow.Engine
	Geo      geo.DriverDirectory
	WSReg    *dispatch.WSRegistry
	Sink     LocationSink // optional

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(sessions *session.Manager, ranker *matcher.Ranker, eng *escrow.Engine,
	directory geo.DriverDirectory, wsreg *dispatch.WSRegistry, sink LocationSink, logger *slog.Logger) *Server {
	s := &Server{
		Sessions: sessions,
		Ranker:   ranker,
		Escrow:   eng,
		Geo:      directory,
		WSReg:    wsreg,
		Sink:     sink,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/homeward/sessions", s.handleActivate).Methods("POST")
	api.HandleFunc("/homeward/sessions/{driver_id}", s.handleGetActive).Methods("GET")
	api.HandleFunc("/homeward/sessions/{driver_id}", s.handleDeactivate).Methods("DELETE")
	api.HandleFunc("/homeward/sessions/{driver_id}/matches", s.handleFindRides).Methods("GET")
	api.HandleFunc("/homeward/matches/search", s.handleFindSessions).Methods("POST")
	api.HandleFunc("/homeward/matches", s.handleRecordMatch).Methods("POST")
	api.HandleFunc("/homeward/home/{user_id}", s.handleSaveHome).Methods("PUT")
	api.HandleFunc("/homeward/home/{user_id}", s.handleGetHome).Methods("GET")

	api.HandleFunc("/escrow/intents", s.handleCreateIntent).Methods("POST")
	api.HandleFunc("/escrow/intents/{id}", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/escrow/intents/{id}/fund", s.handleFund).Methods("POST")
	api.HandleFunc("/escrow/intents/{id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/escrow/intents/{id}/release", s.handleRelease).Methods("POST")
	api.HandleFunc("/escrow/intents/{id}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type activateRequest struct {
	DriverID          string              `json:"driver_id"`
	Destination       *models.Destination `json:"destination"`
	UseSavedHome      bool                `json:"use_saved_home"`
	TimeWindowMinutes int                 `json:"time_window_minutes"`
	MaxDetourPercent  float64             `json:"max_detour_percent"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}

	dest := models.Destination{}
	switch {
	case req.UseSavedHome:
		var err error
		dest, err = s.Sessions.HomeFor(r.Context(), req.DriverID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	case req.Destination != nil:
		dest = *req.Destination
	}

	sess, err := s.Sessions.Activate(r.Context(), req.DriverID, dest, req.TimeWindowMinutes, req.MaxDetourPercent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	sess, err := s.Sessions.GetActive(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": sess})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	reason := models.SessionStatus(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = models.SessionCancelled
	}
	sess, err := s.Sessions.Deactivate(r.Context(), driverID, reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"deactivated": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deactivated": true, "session": sess})
}

func (s *Server) handleFindRides(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	sess, err := s.Sessions.GetActive(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"matches": []models.CompatibilityResult{}, "reason": "no active homeward session"})
		return
	}
	results, err := s.Ranker.FindCompatibleRides(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"matches": results})
}

type findSessionsRequest struct {
	Pickup        models.Coord `json:"pickup"`
	Dropoff       models.Coord `json:"dropoff"`
	BaseFareCents models.Cents `json:"base_fare_cents"`
}

func (s *Server) handleFindSessions(w http.ResponseWriter, r *http.Request) {
	var req findSessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	matches, err := s.Ranker.FindSessionsForRide(r.Context(), req.Pickup, req.Dropoff, req.BaseFareCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type recordMatchRequest struct {
	SessionID string                     `json:"session_id"`
	RideID    string                     `json:"ride_id"`
	Result    models.CompatibilityResult `json:"result"`
	Accepted  bool                       `json:"accepted"`
}

func (s *Server) handleRecordMatch(w http.ResponseWriter, r *http.Request) {
	var req recordMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	rec, err := s.Ranker.RecordMatch(r.Context(), req.SessionID, req.RideID, req.Result, req.Accepted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"recorded": false})
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSaveHome(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	var dest models.Destination
	if err := json.NewDecoder(r.Body).Decode(&dest); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	if err := s.Sessions.SaveHome(r.Context(), userID, dest); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHome(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	dest, err := s.Sessions.HomeFor(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dest)
}

type createIntentRequest struct {
	RideID        string       `json:"ride_id"`
	RiderID       string       `json:"rider_id"`
	DriverID      string       `json:"driver_id"`
	BaseFareCents models.Cents `json:"base_fare_cents"`
	PremiumCents  models.Cents `json:"premium_cents"`
	LocalCurrency string       `json:"local_currency"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	if req.LocalCurrency == "" {
		req.LocalCurrency = "USD"
	}
	it, err := s.Escrow.CreateIntent(r.Context(), req.RideID, req.RiderID, req.DriverID,
		req.BaseFareCents, req.PremiumCents, req.LocalCurrency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.Escrow.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	it, err := s.Escrow.FundEscrow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	it, err := s.Escrow.StartTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	it, err := s.Escrow.ReleaseEscrow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	it, err := s.Escrow.CancelEscrow(r.Context(), mux.Vars(r)["id"], req.CancelledBy, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	if d.ID == "" || !d.Loc.Valid() {
		s.writeError(w, r, badRequest(errors.New("driver id and valid coordinates required")))
		return
	}
	d.Online = true
	if s.Sink != nil {
		if err := s.Sink.PublishDriverLocation(r.Context(), d); err != nil {
			s.logger.Error("publish driver location", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)

	// drain the connection until the driver app disconnects
	go func() {
		defer func() {
			s.WSReg.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

type httpError struct {
	status int
	err    error
}

func (h httpError) Error() string { return h.err.Error() }
func (h httpError) Unwrap() error { return h.err }

func badRequest(err error) error { return httpError{status: http.StatusBadRequest, err: err} }

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var he httpError
	switch {
	case errors.As(err, &he):
		status = he.status
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrSessionConflict), errors.Is(err, models.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, models.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, models.ErrRestricted):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrQuotaExceeded), errors.Is(err, models.ErrCooldown):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrLocationUnavailable):
		status = http.StatusUnprocessableEntity
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

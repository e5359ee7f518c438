package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationPublisher hands location snapshots to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, c models.Candidate) error
}

// ReadyCheck is one dependency probed by /ready.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Store     storage.Store
	Engine    *matcher.Service
	Locations geo.Upserter
	Kafka     LocationPublisher // optional; locations go straight to Locations without it
	WSReg     *dispatch.WSRegistry
	Ready     map[string]ReadyCheck
	Logger    *slog.Logger
}

type Server struct {
	store     storage.Store
	engine    *matcher.Service
	locations geo.Upserter
	kafka     LocationPublisher
	wsReg     *dispatch.WSRegistry
	ready     map[string]ReadyCheck
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:     d.Store,
		engine:    d.Engine,
		locations: d.Locations,
		kafka:     d.Kafka,
		wsReg:     d.WSReg,
		ready:     d.Ready,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/candidates/locations", s.handleCandidateLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests/{id}/status", s.handleAdvance).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/candidates/{candidate_id}/responses", s.handleCandidateResponse).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{candidate_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCandidateLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if c.ID == "" || !validCoord(c.Loc) {
		writeError(w, http.StatusBadRequest, errors.New("id and a valid loc are required"))
		return
	}
	if c.Updated.IsZero() {
		c.Updated = time.Now().UTC()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(r.Context(), c); err != nil {
			s.logger.Error("publish location", "candidate_id", c.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New("location not accepted"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.locations.Upsert(r.Context(), c); err != nil {
		s.logger.Error("upsert location", "candidate_id", c.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("location not stored"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequestBody struct {
	Kind         models.Kind  `json:"kind"`
	RiderID      string       `json:"rider_id"`
	Origin       models.Coord `json:"origin"`
	Destination  models.Coord `json:"destination"`
	Capability   string       `json:"capability"`
	FareEstimate float64      `json:"fare_estimate"`
}

func (b createRequestBody) validate() error {
	switch {
	case b.RiderID == "":
		return errors.New("rider_id is required")
	case b.Kind != models.KindRide && b.Kind != models.KindDelivery:
		return errors.New("kind must be ride or delivery")
	case !validCoord(b.Origin) || !validCoord(b.Destination):
		return errors.New("origin and destination must be valid coordinates")
	case b.FareEstimate < 0:
		return errors.New("fare_estimate must not be negative")
	}
	return nil
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Kind == "" {
		body.Kind = models.KindRide
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now := time.Now().UTC()
	req := &models.Request{
		ID:           uuid.NewString(),
		Kind:         body.Kind,
		RiderID:      body.RiderID,
		Origin:       body.Origin,
		Destination:  body.Destination,
		Capability:   body.Capability,
		FareEstimate: body.FareEstimate,
		Status:       models.StatusSearching,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRequest(r.Context(), req); err != nil {
		s.logger.Error("create request", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("request not stored"))
		return
	}
	if err := s.engine.StartSearch(r.Context(), req.ID); err != nil {
		if errors.Is(err, matcher.ErrPersistenceFailure) {
			// stored and still searching; the engine retries the first batch itself
			s.logger.Warn("first batch deferred", "request_id", req.ID, "error", err)
			writeJSON(w, http.StatusAccepted, req)
			return
		}
		s.writeEngineError(w, err)
		return
	}
	if cur, err := s.store.GetRequest(r.Context(), req.ID); err == nil {
		req = cur
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("a valid status is required"))
		return
	}
	ok, err := s.engine.Machine().Advance(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": ok})
}

func (s *Server) handleCandidateResponse(w http.ResponseWriter, r *http.Request) {
	var resp models.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp.CandidateID = mux.Vars(r)["candidate_id"]
	if err := s.engine.HandleResponse(r.Context(), resp); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(resp.Decision)})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["candidate_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	s.wsReg.Serve(context.WithoutCancel(r.Context()), id, conn, s.engine.HandleResponse)
}

// writeEngineError maps engine errors to status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, matcher.ErrStaleAcceptRejected):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, matcher.ErrInvalidResponse):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, matcher.ErrPersistenceFailure):
		s.logger.Error("persistence failure", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("temporarily unavailable"))
	default:
		s.logger.Error("unexpected engine error", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}


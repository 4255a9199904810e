package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stagepass/platform/event-lifecycle/internal/auth"
	"github.com/stagepass/platform/event-lifecycle/internal/lifecycle"
	"github.com/stagepass/platform/event-lifecycle/internal/models"
	"github.com/stagepass/platform/event-lifecycle/internal/ownership"
	"github.com/stagepass/platform/event-lifecycle/internal/salesrule"
	"github.com/stagepass/platform/event-lifecycle/internal/scheduling"
)

// RoleManager is the per-event role that may delete the event and manage its members.
const RoleManager = "manager"

// Lifecycle is the part of *lifecycle.Manager the API drives.
type Lifecycle interface {
	Create(ctx context.Context, ownerID uuid.UUID, in lifecycle.NewEvent) (models.Event, error)
	Get(ctx context.Context, eventID uuid.UUID) (models.Event, error)
	Approve(ctx context.Context, eventID, actorID uuid.UUID) (models.Event, error)
	Reject(ctx context.Context, eventID, actorID uuid.UUID, reason string) (models.Event, error)
	Delete(ctx context.Context, eventID, actorID uuid.UUID) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	lifecycle Lifecycle
	owners    ownership.Lookup
	registry  *ownership.Registry
	db        Pinger
	verifier  *auth.Verifier
	log       zerolog.Logger

	rateLimit int
}

func New(lc Lifecycle, owners ownership.Lookup, registry *ownership.Registry, db Pinger, verifier *auth.Verifier, logger zerolog.Logger) *Server {
	return &Server{
		lifecycle: lc,
		owners:    owners,
		registry:  registry,
		db:        db,
		verifier:  verifier,
		log:       logger,
	}
}

// SetRateLimit caps requests under /events per client IP per minute. Zero disables the limit.
func (s *Server) SetRateLimit(perMinute int) {
	s.rateLimit = perMinute
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/events", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(httprate.Limit(
				s.rateLimit,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Retry-After", "60")
					respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				}),
			))
		}
		r.Use(auth.Middleware(s.verifier, s.log))
		r.Post("/", s.handleCreate)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
			})

			r.Put("/members/{userId}", s.handleGrant)
			r.Delete("/members/{userId}", s.handleRevoke)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

type sessionRequest struct {
	StartTime      *time.Time            `json:"startTime"`
	EndTime        *time.Time            `json:"endTime"`
	SalesStartRule models.SalesStartRule `json:"salesStartRule"`
	SalesStartTime *time.Time            `json:"salesStartTime"`
}

type createEventRequest struct {
	Title    string           `json:"title"`
	Sessions []sessionRequest `json:"sessions"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	var req createEventRequest
	if err := decodeJSON(w, r, &req, 256*1024); err != nil {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", err.Error())
		return
	}
	in := lifecycle.NewEvent{Title: req.Title}
	for _, sr := range req.Sessions {
		in.Sessions = append(in.Sessions, lifecycle.NewSession{
			StartTime:      sr.StartTime,
			EndTime:        sr.EndTime,
			SalesStartRule: sr.SalesStartRule,
			SalesStartTime: sr.SalesStartTime,
		})
	}
	ev, err := s.lifecycle.Create(r.Context(), p.UserID, in)
	if err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	ev, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	now := time.Now().UTC()
	editable := make([]uuid.UUID, 0, len(ev.Sessions))
	for _, sess := range ev.Sessions {
		if sess.Editable(now) {
			editable = append(editable, sess.ID)
		}
	}
	respondJSON(w, http.StatusOK, eventResponse{Event: ev, EditableSessions: editable})
}

// eventResponse lists the sessions upstream editors may still change alongside the event.
type eventResponse struct {
	models.Event
	EditableSessions []uuid.UUID `json:"editableSessions"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	p, _ := auth.FromContext(r.Context())
	ev, err := s.lifecycle.Approve(r.Context(), id, p.UserID)
	if err != nil {
		if fault, isFault := scheduling.AsFault(err); isFault && ev.Status == models.EventStatusApproved {
			respondJSON(w, http.StatusAccepted, map[string]interface{}{
				"event":          ev,
				"failedSessions": fault.SessionIDs(),
			})
			return
		}
		s.respondLifecycleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := decodeJSON(w, r, &req, 16*1024); err != nil {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", err.Error())
		return
	}
	p, _ := auth.FromContext(r.Context())
	ev, err := s.lifecycle.Reject(r.Context(), id, p.UserID, req.Reason)
	if err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	p, _ := auth.FromContext(r.Context())
	if _, err := s.lifecycle.Get(r.Context(), id); err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	if !s.authorizeEvent(w, r, id, p) {
		return
	}
	if err := s.lifecycle.Delete(r.Context(), id, p.UserID); err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", "invalid user id")
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req, 16*1024); err != nil {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.Role) == "" {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", "role is required")
		return
	}
	p, _ := auth.FromContext(r.Context())
	if !s.authorizeEvent(w, r, id, p) {
		return
	}
	if err := s.registry.Grant(r.Context(), id, userID, strings.TrimSpace(req.Role)); err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", "invalid user id")
		return
	}
	p, _ := auth.FromContext(r.Context())
	if !s.authorizeEvent(w, r, id, p) {
		return
	}
	if err := s.registry.Revoke(r.Context(), id, userID); err != nil {
		s.respondLifecycleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeEvent allows admins, the event owner and members holding RoleManager. It writes
// the error response and returns false otherwise.
func (s *Server) authorizeEvent(w http.ResponseWriter, r *http.Request, eventID uuid.UUID, p auth.Principal) bool {
	if p.HasRole(auth.RoleAdmin) {
		return true
	}
	owner, err := s.owners.IsOwner(r.Context(), eventID, p.UserID)
	if err == nil && !owner {
		owner, err = s.owners.HasRole(r.Context(), eventID, p.UserID, RoleManager)
	}
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID.String()).Msg("ownership lookup")
		respondError(w, http.StatusInternalServerError, "EVENT_INTERNAL", "ownership lookup failed")
		return false
	}
	if !owner {
		respondError(w, http.StatusForbidden, "EVENT_FORBIDDEN", "not permitted for this event")
		return false
	}
	return true
}

func (s *Server) respondLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	if fault, ok := scheduling.AsFault(err); ok {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":          err.Error(),
			"code":           "EVENT_SCHEDULING_FAULT",
			"failedSessions": fault.SessionIDs(),
		})
		return
	}
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		respondError(w, http.StatusNotFound, "EVENT_NOT_FOUND", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		respondError(w, http.StatusConflict, "EVENT_INVALID_STATE", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidArgument), errors.Is(err, salesrule.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", err.Error())
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "EVENT_INTERNAL", "internal error")
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func eventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "EVENT_BAD_REQUEST", "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

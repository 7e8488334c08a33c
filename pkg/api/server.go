package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/events"
	"github.com/stagehq/stagehand/pkg/log"
	"github.com/stagehq/stagehand/pkg/metrics"
	"github.com/stagehq/stagehand/pkg/rollout"
	"github.com/stagehq/stagehand/pkg/types"
)

// Store is the read/write surface the API needs from the state store.
// The raft-backed manager satisfies it.
type Store interface {
	PutService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	GetServiceByName(name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	GetRevision(id string) (*types.Revision, error)
	PutDeployment(dep *types.Deployment) error
	GetDeployment(serviceID, env string) (*types.Deployment, error)
	ListDeployments(serviceID string) ([]*types.Deployment, error)
	ClearFailure(serviceID, env string) error
	GetAttempt(id string) (*types.RolloutAttempt, error)
	ListAttempts(serviceID, env string) ([]*types.RolloutAttempt, error)
	GetPromotion(id string) (*types.Promotion, error)
	ListPromotions(serviceID string) ([]*types.Promotion, error)
	ListPendingPromotions() ([]*types.Promotion, error)
}

// Promoter is the promotion pipeline surface the API drives
type Promoter interface {
	Promote(ctx context.Context, serviceName, fromEnv, toEnv, tag string) (*types.Promotion, error)
	Approve(ctx context.Context, promotionID string) (*types.Promotion, error)
	Deny(promotionID, reason string) (*types.Promotion, error)
}

// Rollbacker is the rollout engine surface the API drives
type Rollbacker interface {
	RollbackDeployment(ctx context.Context, service *types.Service, env string) (*types.RolloutAttempt, error)
	Cancel(attemptID string) error
}

// Server exposes the controller over HTTP/JSON
type Server struct {
	store    Store
	pipeline Promoter
	engine   Rollbacker
	broker   *events.Broker
	srv      *http.Server
}

// NewServer creates the API server
func NewServer(store Store, pipeline Promoter, engine Rollbacker, broker *events.Broker) *Server {
	return &Server{
		store:    store,
		pipeline: pipeline,
		engine:   engine,
		broker:   broker,
	}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/services", s.handleApplyService).Methods(http.MethodPost)
	v1.HandleFunc("/services", s.handleListServices).Methods(http.MethodGet)
	v1.HandleFunc("/services/{name}", s.handleGetService).Methods(http.MethodGet)
	v1.HandleFunc("/services/{name}/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/services/{name}/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/services/{name}/environments/{env}/rollback", s.handleRollback).Methods(http.MethodPost)
	v1.HandleFunc("/services/{name}/environments/{env}/clear", s.handleClear).Methods(http.MethodPost)
	v1.HandleFunc("/promotions", s.handlePromote).Methods(http.MethodPost)
	v1.HandleFunc("/promotions", s.handleListPromotions).Methods(http.MethodGet)
	v1.HandleFunc("/promotions/{id}", s.handleGetPromotion).Methods(http.MethodGet)
	v1.HandleFunc("/promotions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/promotions/{id}/deny", s.handleDeny).Methods(http.MethodPost)
	v1.HandleFunc("/attempts/{id}/cancel", s.handleCancelAttempt).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Start begins serving on addr. It blocks until the listener fails or
// the server is stopped.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// instrument records per-route request counts and latency
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServiceSpec is the declarative service definition accepted by apply
type ServiceSpec struct {
	Name   string             `json:"name" yaml:"name"`
	Repo   string             `json:"repo" yaml:"repo"`
	Stages []string           `json:"stages" yaml:"stages"`
	Plan   *types.RolloutPlan `json:"plan,omitempty" yaml:"plan,omitempty"`
	Probe  *types.ProbeSpec   `json:"probe,omitempty" yaml:"probe,omitempty"`
	Labels map[string]string  `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Validate rejects specs that cannot become a service
func (spec *ServiceSpec) Validate() error {
	if spec.Name == "" {
		return errdefs.Invalid("service name is required")
	}
	if spec.Repo == "" {
		return errdefs.Invalid("service repo is required")
	}
	if len(spec.Stages) == 0 {
		return errdefs.Invalid("service needs at least one stage")
	}
	seen := make(map[string]bool, len(spec.Stages))
	for _, stage := range spec.Stages {
		if stage == "" || stage == "-" {
			return errdefs.Invalid("stage name %q is reserved", stage)
		}
		if seen[stage] {
			return errdefs.Invalid("duplicate stage %q", stage)
		}
		seen[stage] = true
	}
	if spec.Plan != nil {
		rollout.FillDefaults(spec.Plan)
		return rollout.ValidatePlan(spec.Plan)
	}
	return nil
}

func (s *Server) handleApplyService(w http.ResponseWriter, r *http.Request) {
	var spec ServiceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.Invalid("bad service spec: %v", err))
		return
	}

	service, err := s.applyService(&spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service)
}

// applyService upserts a service and ensures every stage has a
// deployment record.
func (s *Server) applyService(spec *ServiceSpec) (*types.Service, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	service := &types.Service{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		Repo:      spec.Repo,
		Stages:    spec.Stages,
		Plan:      spec.Plan,
		Probe:     spec.Probe,
		Labels:    spec.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if existing, err := s.store.GetServiceByName(spec.Name); err == nil {
		service.ID = existing.ID
		service.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	if err := s.store.PutService(service); err != nil {
		return nil, err
	}

	for _, stage := range service.Stages {
		_, err := s.store.GetDeployment(service.ID, stage)
		if err == nil {
			continue
		}
		if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}
		dep := &types.Deployment{
			ServiceID:   service.ID,
			Environment: stage,
			Status:      types.DeploymentStatusStable,
			UpdatedAt:   now,
		}
		if err := s.store.PutDeployment(dep); err != nil {
			return nil, err
		}
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventServiceRegistered,
			Service: service.Name,
			Message: fmt.Sprintf("service applied with stages %v", service.Stages),
		})
	}
	logger := log.WithService(service.Name)
	logger.Info().Strs("stages", service.Stages).Msg("service applied")

	return service, nil
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	service, err := s.store.GetServiceByName(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service)
}

// EnvStatus is one environment row of a service status report
type EnvStatus struct {
	Environment     string                 `json:"environment"`
	Status          types.DeploymentStatus `json:"status"`
	Tag             string                 `json:"tag,omitempty"`
	Digest          string                 `json:"digest,omitempty"`
	ActiveAttemptID string                 `json:"active_attempt_id,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// StatusReport is the full per-service status response
type StatusReport struct {
	Service      *types.Service     `json:"service"`
	Environments []EnvStatus        `json:"environments"`
	Pending      []*types.Promotion `json:"pending_promotions,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	service, err := s.store.GetServiceByName(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}

	report := StatusReport{Service: service}
	for _, stage := range service.Stages {
		dep, err := s.store.GetDeployment(service.ID, stage)
		if err != nil {
			writeError(w, err)
			return
		}
		env := EnvStatus{
			Environment:     stage,
			Status:          dep.Status,
			ActiveAttemptID: dep.ActiveAttemptID,
			UpdatedAt:       dep.UpdatedAt,
		}
		if dep.RevisionID != "" {
			if rev, err := s.store.GetRevision(dep.RevisionID); err == nil {
				env.Tag = rev.Tag
				env.Digest = rev.Digest.String()
			}
		}
		report.Environments = append(report.Environments, env)
	}

	pending, err := s.store.ListPendingPromotions()
	if err == nil {
		for _, promo := range pending {
			if promo.ServiceID == service.ID {
				report.Pending = append(report.Pending, promo)
			}
		}
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	service, err := s.store.GetServiceByName(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}

	attempts, err := s.store.ListAttempts(service.ID, r.URL.Query().Get("env"))
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].StartedAt.After(attempts[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, attempts)
}

// PromoteRequest is the body of POST /v1/promotions
type PromoteRequest struct {
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
	Tag     string `json:"tag"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req PromoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Invalid("bad promote request: %v", err))
		return
	}
	if req.Service == "" || req.From == "" || req.To == "" || req.Tag == "" {
		writeError(w, errdefs.Invalid("service, from, to and tag are all required"))
		return
	}

	promo, err := s.pipeline.Promote(r.Context(), req.Service, req.From, req.To, req.Tag)
	writeOutcome(w, promo, err)
}

func (s *Server) handleListPromotions(w http.ResponseWriter, r *http.Request) {
	serviceID := ""
	if name := r.URL.Query().Get("service"); name != "" {
		service, err := s.store.GetServiceByName(name)
		if err != nil {
			writeError(w, err)
			return
		}
		serviceID = service.ID
	}

	promotions, err := s.store.ListPromotions(serviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(promotions, func(i, j int) bool {
		return promotions[i].RequestedAt.After(promotions[j].RequestedAt)
	})
	writeJSON(w, http.StatusOK, promotions)
}

func (s *Server) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	promo, err := s.store.GetPromotion(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	promo, err := s.pipeline.Approve(r.Context(), mux.Vars(r)["id"])
	writeOutcome(w, promo, err)
}

// DenyRequest is the body of POST /v1/promotions/{id}/deny
type DenyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req DenyRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "denied by operator"
	}

	promo, err := s.pipeline.Deny(mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service, err := s.store.GetServiceByName(vars["name"])
	if err != nil {
		writeError(w, err)
		return
	}

	attempt, err := s.engine.RollbackDeployment(r.Context(), service, vars["env"])
	if err != nil && attempt == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]interface{}{
			"error":   err.Error(),
			"code":    codeFor(err),
			"attempt": attempt,
		})
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service, err := s.store.GetServiceByName(vars["name"])
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.ClearFailure(service.ID, vars["env"]); err != nil {
		writeError(w, err)
		return
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventFailureCleared,
			Service: service.Name,
			Env:     vars["env"],
			Message: "failure cleared by operator",
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleCancelAttempt(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleEvents streams controller events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errdefs.Invalid("streaming not supported by this connection"))
		return
	}
	if s.broker == nil {
		writeError(w, errdefs.Unavailable("event broker not running"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeOutcome writes a promotion along with any terminal error so the
// client can surface both the record and the failure class.
func writeOutcome(w http.ResponseWriter, promo *types.Promotion, err error) {
	if err != nil && promo == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]interface{}{
			"error":     err.Error(),
			"code":      codeFor(err),
			"promotion": promo,
		})
		return
	}
	writeJSON(w, http.StatusOK, promo)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"code":  codeFor(err),
	})
}

// statusFor maps the failure taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, errdefs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrRolloutFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// codeFor is the wire form of the failure class; the client maps it
// back to the matching sentinel.
func codeFor(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errdefs.ErrInvalid):
		return "invalid"
	case errors.Is(err, errdefs.ErrConflict):
		return "conflict"
	case errors.Is(err, errdefs.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, errdefs.ErrRolloutFailed):
		return "rollout_failed"
	default:
		return "internal"
	}
}

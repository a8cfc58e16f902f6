package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/decision"
	"lodestar/api/internal/graph"
	"lodestar/api/internal/metrics"
	"lodestar/api/internal/rbac"
	"lodestar/api/internal/search"
	"lodestar/api/internal/store"
)

const (
	defaultTraversalDepth = 2
	defaultTraversalLimit = 100
	defaultTimelineLimit  = 20
)

type HTTPServer struct {
	service    *Service
	sessions   SessionResolver
	metrics    *metrics.Collector
	logger     *zap.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, sessions SessionResolver, collector *metrics.Collector, logger *zap.Logger, corsOrigin string) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		sessions:   sessions,
		metrics:    collector,
		logger:     logger,
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.withLogging)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	router.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	router.Route("/api/orgs/{org}", func(r chi.Router) {
		r.Use(s.requireSession)

		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(rbac.ActionRead))
			r.Get("/graph", s.handleGetGraph)
			r.Get("/decisions/timeline", s.handleTimeline)
			r.Get("/decisions/context", s.handleDecisionContext)
			r.Get("/decisions/{id}", s.handleGetDecision)
			r.Get("/topics/{topicId}/experts", s.handleTopicExperts)
			r.Post("/search", s.handleSearch)
			r.Get("/search/quick", s.handleQuickSearch)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(rbac.ActionWrite))
			r.Post("/graph/nodes", s.handleUpsertNode)
			r.Post("/graph/edges", s.handleUpsertEdge)
			r.Post("/decisions", s.handleCreateDecision)
			r.Patch("/decisions/{id}", s.handleUpdateDecision)
			r.Post("/decisions/{id}/supersede", s.handleSupersede)
			r.Put("/decisions/{id}/participants/{userId}", s.handleAddParticipant)
			r.Delete("/decisions/{id}/participants/{userId}", s.handleRemoveParticipant)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return router
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for _, result := range s.service.Ready(ctx) {
		if result.Error != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[result.Name] = map[string]any{"status": "error", "error": result.Error.Error()}
			continue
		}
		checks[result.Name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	depth, err := intParam(query.Get("depth"), defaultTraversalDepth)
	if err != nil {
		s.fail(w, err)
		return
	}
	limit, err := intParam(query.Get("limit"), defaultTraversalLimit)
	if err != nil {
		s.fail(w, err)
		return
	}
	g, err := s.service.GetGraph(r.Context(), graph.TraverseRequest{
		OrganizationID:    orgParam(r),
		CenterID:          query.Get("centerId"),
		CenterType:        store.NodeType(query.Get("centerType")),
		Depth:             depth,
		RelationshipTypes: listParam(query["relationshipTypes"]),
		Limit:             limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graphPayload(g))
}

func (s *HTTPServer) handleUpsertNode(w http.ResponseWriter, r *http.Request) {
	var body graph.NodeInput
	if !s.decode(w, r, &body) {
		return
	}
	body.OrganizationID = orgParam(r)
	id, err := s.service.UpsertNode(r.Context(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *HTTPServer) handleUpsertEdge(w http.ResponseWriter, r *http.Request) {
	var body graph.EdgeInput
	if !s.decode(w, r, &body) {
		return
	}
	body.OrganizationID = orgParam(r)
	id, err := s.service.UpsertEdge(r.Context(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *HTTPServer) handleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var body decision.CreateInput
	if !s.decode(w, r, &body) {
		return
	}
	body.OrganizationID = orgParam(r)
	d, err := s.service.CreateDecision(r.Context(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, decisionPayload(d))
}

func (s *HTTPServer) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.GetDecision(r.Context(), orgParam(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionPayload(d))
}

func (s *HTTPServer) handleUpdateDecision(w http.ResponseWriter, r *http.Request) {
	var patch decision.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	principal := principalFrom(r.Context())
	d, err := s.service.UpdateDecision(r.Context(), orgParam(r), chi.URLParam(r, "id"), patch, principal.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionPayload(d))
}

func (s *HTTPServer) handleSupersede(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewDecisionID string `json:"newDecisionId"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	principal := principalFrom(r.Context())
	d, err := s.service.SupersedeDecision(r.Context(), orgParam(r), chi.URLParam(r, "id"), body.NewDecisionID, principal.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionPayload(d))
}

func (s *HTTPServer) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.service.AddParticipant(r.Context(), orgParam(r), chi.URLParam(r, "id"), chi.URLParam(r, "userId")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveParticipant(r.Context(), orgParam(r), chi.URLParam(r, "id"), chi.URLParam(r, "userId")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDecisionContext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	decisions, err := s.service.DecisionContext(r.Context(), orgParam(r), query.Get("ref"), query.Get("entityType"), query.Get("entityId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisionsPayload(decisions)})
}

func (s *HTTPServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), defaultTimelineLimit)
	if err != nil {
		s.fail(w, err)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	from, err := timeParam("from", query.Get("from"))
	if err != nil {
		s.fail(w, err)
		return
	}
	to, err := timeParam("to", query.Get("to"))
	if err != nil {
		s.fail(w, err)
		return
	}
	timeline, err := s.service.DecisionTimeline(r.Context(), decision.TimelineQuery{
		OrganizationID: orgParam(r),
		Topic:          query.Get("topic"),
		PersonID:       query.Get("personId"),
		From:           from,
		To:             to,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisionsPayload(timeline.Decisions),
		"hasMore":   timeline.HasMore,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *HTTPServer) handleTopicExperts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	experts, err := s.service.TopicExperts(r.Context(), orgParam(r), chi.URLParam(r, "topicId"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": experts})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body search.Request
	if !s.decode(w, r, &body) {
		return
	}
	body.OrganizationID = orgParam(r)
	resp, err := s.service.Search(r.Context(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleQuickSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp, err := s.service.QuickSearch(r.Context(), query.Get("q"), orgParam(r), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		principal, err := s.sessions.Resolve(r.Context(), token)
		if err != nil {
			apiErr := mapError(err)
			if apiErr.Status != http.StatusUnauthorized {
				s.logger.Error("session lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
				return
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// requireRole rejects callers that are not members of the path organization
// or whose role there does not allow action.
func (s *HTTPServer) requireRole(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := principalFrom(r.Context())
			role, member := principal.RoleIn(orgParam(r))
			if !member || !rbac.Can(role, action) {
				s.logger.Debug("access denied",
					zap.String("user_id", principal.UserID),
					zap.String("organization_id", orgParam(r)),
					zap.String("action", string(action)),
				)
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := middleware.GetReqID(r.Context())
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type principalKey struct{}

func principalFrom(ctx context.Context) Principal {
	principal, _ := ctx.Value(principalKey{}).(Principal)
	return principal
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	apiErr := mapError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("code", apiErr.Code), zap.Error(err))
	}
	writeJSON(w, apiErr.Status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func orgParam(r *http.Request) string {
	return chi.URLParam(r, "org")
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("VALIDATION_ERROR", "expected an integer").WithDetail("value", raw)
	}
	return value, nil
}

func timeParam(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation("VALIDATION_ERROR", name+" must be an RFC 3339 timestamp").WithDetail("field", name)
	}
	return &parsed, nil
}

// listParam accepts both repeated and comma-separated values.
func listParam(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

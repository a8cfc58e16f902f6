package app

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/decision"
	"lodestar/api/internal/expertise"
	"lodestar/api/internal/graph"
	"lodestar/api/internal/metrics"
	"lodestar/api/internal/search"
	"lodestar/api/internal/store"
)

// Deps wires the components the facade delegates to. Metrics and Logger may
// be nil.
type Deps struct {
	Graph   *graph.Service
	Ledger  *decision.Ledger
	Experts *expertise.Ranker
	Search  *search.Engine
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Service is the single entry point the transport layer talks to. It holds no
// state of its own besides readiness checks.
type Service struct {
	graph   *graph.Service
	ledger  *decision.Ledger
	experts *expertise.Ranker
	search  *search.Engine
	metrics *metrics.Collector
	logger  *zap.Logger
	checks  []readinessCheck
}

type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		graph:   deps.Graph,
		ledger:  deps.Ledger,
		experts: deps.Experts,
		search:  deps.Search,
		metrics: deps.Metrics,
		logger:  logger,
	}
}

// AddReadinessCheck registers a dependency check reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, fn func(ctx context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, fn: fn})
}

type CheckResult struct {
	Name  string
	Error error
}

// Ready runs every readiness check in registration order.
func (s *Service) Ready(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(s.checks))
	for _, check := range s.checks {
		results = append(results, CheckResult{Name: check.name, Error: check.fn(ctx)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (s *Service) GetGraph(ctx context.Context, req graph.TraverseRequest) (graph.Graph, error) {
	g, err := s.graph.Traverse(ctx, req)
	if err != nil {
		return graph.Graph{}, s.failed("traverse", err)
	}
	s.metrics.ObserveTraversal(g.Stats.NodeCount, g.Truncated)
	return g, nil
}

func (s *Service) UpsertNode(ctx context.Context, in graph.NodeInput) (string, error) {
	id, err := s.graph.UpsertNode(ctx, in)
	if err != nil {
		return "", s.failed("upsert_node", err)
	}
	return id, nil
}

func (s *Service) UpsertEdge(ctx context.Context, in graph.EdgeInput) (string, error) {
	id, err := s.graph.UpsertEdge(ctx, in)
	if err != nil {
		return "", s.failed("upsert_edge", err)
	}
	return id, nil
}

func (s *Service) CreateDecision(ctx context.Context, in decision.CreateInput) (store.Decision, error) {
	d, err := s.ledger.CreateDecision(ctx, in)
	if err != nil {
		return store.Decision{}, s.failed("create_decision", err)
	}
	s.logger.Info("decision created",
		zap.String("organization_id", d.OrganizationID),
		zap.String("decision_id", d.ID),
		zap.String("status", string(d.Status)),
	)
	return d, nil
}

func (s *Service) GetDecision(ctx context.Context, orgID, id string) (store.Decision, error) {
	d, err := s.ledger.GetDecision(ctx, orgID, id)
	if err != nil {
		return store.Decision{}, s.failed("get_decision", err)
	}
	return d, nil
}

func (s *Service) UpdateDecision(ctx context.Context, orgID, id string, patch decision.Patch, actorID string) (store.Decision, error) {
	d, err := s.ledger.UpdateDecision(ctx, orgID, id, patch, actorID)
	if err != nil {
		return store.Decision{}, s.failed("update_decision", err)
	}
	return d, nil
}

func (s *Service) SupersedeDecision(ctx context.Context, orgID, oldID, newID, actorID string) (store.Decision, error) {
	d, err := s.ledger.SupersedeDecision(ctx, orgID, oldID, newID, actorID)
	if err != nil {
		return store.Decision{}, s.failed("supersede_decision", err)
	}
	s.logger.Info("decision superseded",
		zap.String("organization_id", orgID),
		zap.String("decision_id", oldID),
		zap.String("superseded_by", newID),
		zap.String("actor_id", actorID),
	)
	return d, nil
}

func (s *Service) AddParticipant(ctx context.Context, orgID, decisionID, userID string) error {
	if err := s.ledger.AddParticipant(ctx, orgID, decisionID, userID); err != nil {
		return s.failed("add_participant", err)
	}
	return nil
}

func (s *Service) RemoveParticipant(ctx context.Context, orgID, decisionID, userID string) error {
	if err := s.ledger.RemoveParticipant(ctx, orgID, decisionID, userID); err != nil {
		return s.failed("remove_participant", err)
	}
	return nil
}

// DecisionContext resolves either an artifact reference such as
// "github:pr:123" or an explicit entity type and id.
func (s *Service) DecisionContext(ctx context.Context, orgID, ref, entityType, entityID string) ([]store.Decision, error) {
	var (
		decisions []store.Decision
		err       error
	)
	if ref != "" {
		decisions, err = s.ledger.DecisionContextForRef(ctx, orgID, ref)
	} else {
		decisions, err = s.ledger.DecisionContext(ctx, orgID, entityType, entityID)
	}
	if err != nil {
		return nil, s.failed("decision_context", err)
	}
	return decisions, nil
}

func (s *Service) DecisionTimeline(ctx context.Context, q decision.TimelineQuery) (decision.Timeline, error) {
	timeline, err := s.ledger.Timeline(ctx, q)
	if err != nil {
		return decision.Timeline{}, s.failed("decision_timeline", err)
	}
	return timeline, nil
}

func (s *Service) TopicExperts(ctx context.Context, orgID, topicID string, limit int) ([]expertise.ExpertScore, error) {
	experts, err := s.experts.TopicExperts(ctx, orgID, topicID, limit)
	if err != nil {
		return nil, s.failed("topic_experts", err)
	}
	return experts, nil
}

func (s *Service) Search(ctx context.Context, req search.Request) (search.Response, error) {
	started := time.Now()
	resp, err := s.search.Search(ctx, req)
	if err != nil {
		return search.Response{}, s.failed("search", err)
	}
	s.metrics.ObserveSearch(string(resp.Mode), resp.Total, time.Since(started))
	return resp, nil
}

func (s *Service) QuickSearch(ctx context.Context, query, orgID string, limit int) (search.Response, error) {
	started := time.Now()
	resp, err := s.search.QuickSearch(ctx, query, orgID, limit)
	if err != nil {
		return search.Response{}, s.failed("quick_search", err)
	}
	s.metrics.ObserveSearch("quick", resp.Total, time.Since(started))
	return resp, nil
}

// failed records the error against the operation and returns it unchanged.
func (s *Service) failed(operation string, err error) error {
	kind := apperr.KindOf(err)
	label := string(kind)
	if label == "" {
		label = "internal"
	}
	s.metrics.IncOperationError(operation, label)
	if kind == apperr.KindConflict {
		s.metrics.IncDecisionConflict(operation)
	}
	switch kind {
	case apperr.KindRetrieval, "":
		s.logger.Error("operation failed", zap.String("operation", operation), zap.Error(err))
	default:
		s.logger.Debug("operation rejected", zap.String("operation", operation), zap.Error(err))
	}
	return err
}

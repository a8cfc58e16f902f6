// Package decision manages the decision lifecycle. The relational decision
// row is the source of truth; every write also maintains its decision node
// in the knowledge graph inside the same transaction.
package decision

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/store"
	"lodestar/api/internal/util"
	"lodestar/api/internal/validate"
)

type Repository interface {
	CreateDecision(ctx context.Context, nd store.NewDecision) error
	GetDecision(ctx context.Context, orgID, id string) (store.Decision, error)
	UpdateDecision(ctx context.Context, d store.Decision, node store.GraphNode, expected store.DecisionStatus) error
	SupersedeDecision(ctx context.Context, sup store.Supersession) (store.Decision, error)
	FindNodeByKey(ctx context.Context, orgID string, nodeType store.NodeType, externalID string) (store.GraphNode, error)
	EnsureNode(ctx context.Context, node store.GraphNode) (string, error)
	UpsertEdge(ctx context.Context, edge store.GraphEdge) (string, error)
	DeleteEdge(ctx context.Context, orgID, sourceNodeID, targetNodeID, relationship string) error
	ListDecisionsForNode(ctx context.Context, orgID, nodeID string) ([]store.Decision, error)
	ListDecisionTimeline(ctx context.Context, f store.TimelineFilter) ([]store.Decision, error)
}

type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

type CreateInput struct {
	OrganizationID string               `json:"organizationId" validate:"required"`
	VideoID        string               `json:"videoId"`
	Summary        string               `json:"summary" validate:"required,max=2000"`
	Context        string               `json:"context" validate:"max=20000"`
	Reasoning      string               `json:"reasoning" validate:"max=20000"`
	TimestampStart *int                 `json:"timestampStart" validate:"omitempty,min=0"`
	TimestampEnd   *int                 `json:"timestampEnd" validate:"omitempty,min=0"`
	DecisionType   store.DecisionType   `json:"decisionType" validate:"omitempty,oneof=technical product process team other"`
	Status         store.DecisionStatus `json:"status" validate:"omitempty,oneof=proposed decided"`
	Confidence     *int                 `json:"confidence" validate:"omitempty,min=0,max=100"`
	Tags           []string             `json:"tags" validate:"max=50"`
}

// Patch lists the mutable fields; nil leaves a field unchanged.
type Patch struct {
	Summary        *string               `json:"summary" validate:"omitempty,min=1,max=2000"`
	Context        *string               `json:"context" validate:"omitempty,max=20000"`
	Reasoning      *string               `json:"reasoning" validate:"omitempty,max=20000"`
	TimestampStart *int                  `json:"timestampStart" validate:"omitempty,min=0"`
	TimestampEnd   *int                  `json:"timestampEnd" validate:"omitempty,min=0"`
	DecisionType   *store.DecisionType   `json:"decisionType" validate:"omitempty,oneof=technical product process team other"`
	Status         *store.DecisionStatus `json:"status" validate:"omitempty,oneof=proposed decided revisited superseded"`
	Confidence     *int                  `json:"confidence" validate:"omitempty,min=0,max=100"`
	Tags           *[]string             `json:"tags"`
}

var transitions = map[store.DecisionStatus][]store.DecisionStatus{
	store.DecisionStatusProposed:  {store.DecisionStatusDecided},
	store.DecisionStatusDecided:   {store.DecisionStatusRevisited},
	store.DecisionStatusRevisited: {store.DecisionStatusDecided},
}

// CanTransition reports whether an update may move a decision from one
// status to another. Supersession has its own path and is never allowed here.
func CanTransition(from, to store.DecisionStatus) bool {
	if to == store.DecisionStatusSuperseded {
		return false
	}
	if from == to {
		return from != store.DecisionStatusSuperseded
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (l *Ledger) CreateDecision(ctx context.Context, in CreateInput) (store.Decision, error) {
	in.Summary = strings.TrimSpace(in.Summary)
	in.VideoID = strings.TrimSpace(in.VideoID)
	if err := validate.Struct(in); err != nil {
		return store.Decision{}, err
	}
	if err := checkTimestamps(in.TimestampStart, in.TimestampEnd); err != nil {
		return store.Decision{}, err
	}

	now := l.now().UTC()
	d := store.Decision{
		ID:             util.NewID(),
		OrganizationID: in.OrganizationID,
		VideoID:        in.VideoID,
		Summary:        in.Summary,
		Context:        in.Context,
		Reasoning:      in.Reasoning,
		TimestampStart: in.TimestampStart,
		TimestampEnd:   in.TimestampEnd,
		DecisionType:   in.DecisionType,
		Status:         in.Status,
		Tags:           NormalizeTags(in.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if d.DecisionType == "" {
		d.DecisionType = store.DecisionTypeOther
	}
	if d.Status == "" {
		d.Status = store.DecisionStatusDecided
	}
	if in.Confidence != nil {
		d.Confidence = *in.Confidence
	}
	if d.Status == store.DecisionStatusDecided {
		d.DecidedAt = &now
	}

	nd := store.NewDecision{Decision: d, Node: projection(d, util.NewID())}
	if d.VideoID != "" {
		nd.VideoNode = &store.GraphNode{
			ID:             util.NewID(),
			OrganizationID: d.OrganizationID,
			Type:           store.NodeTypeVideo,
			Name:           "video " + d.VideoID,
			ExternalID:     d.VideoID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		nd.ProducesEdgeID = util.NewID()
	}
	if err := l.repo.CreateDecision(ctx, nd); err != nil {
		return store.Decision{}, storeError("create decision", err)
	}
	return d, nil
}

func (l *Ledger) GetDecision(ctx context.Context, orgID, id string) (store.Decision, error) {
	if err := requireIDs(orgID, id); err != nil {
		return store.Decision{}, err
	}
	d, err := l.repo.GetDecision(ctx, orgID, id)
	if err != nil {
		return store.Decision{}, storeError("get decision", err)
	}
	return d, nil
}

// UpdateDecision applies patch to the current record. Status changes follow
// proposed -> decided <-> revisited; the write is guarded on the status that
// was read, so a concurrent supersession or transition yields a conflict.
func (l *Ledger) UpdateDecision(ctx context.Context, orgID, id string, patch Patch, actorID string) (store.Decision, error) {
	if err := requireIDs(orgID, id); err != nil {
		return store.Decision{}, err
	}
	if err := validate.Struct(patch); err != nil {
		return store.Decision{}, err
	}
	if patch.Status != nil && *patch.Status == store.DecisionStatusSuperseded {
		return store.Decision{}, apperr.Validation("INVALID_TRANSITION", "decisions can only be superseded through supersession")
	}

	current, err := l.repo.GetDecision(ctx, orgID, id)
	if err != nil {
		return store.Decision{}, storeError("load decision", err)
	}
	if current.Status == store.DecisionStatusSuperseded {
		return store.Decision{}, apperr.Conflict("DECISION_SUPERSEDED", "superseded decisions are immutable").
			WithDetail("supersededBy", current.SupersededBy)
	}

	next := current
	now := l.now().UTC()
	if patch.Summary != nil {
		next.Summary = strings.TrimSpace(*patch.Summary)
		if next.Summary == "" {
			return store.Decision{}, apperr.Validation("VALIDATION_ERROR", "summary is required")
		}
	}
	if patch.Context != nil {
		next.Context = *patch.Context
	}
	if patch.Reasoning != nil {
		next.Reasoning = *patch.Reasoning
	}
	if patch.TimestampStart != nil {
		next.TimestampStart = patch.TimestampStart
	}
	if patch.TimestampEnd != nil {
		next.TimestampEnd = patch.TimestampEnd
	}
	if err := checkTimestamps(next.TimestampStart, next.TimestampEnd); err != nil {
		return store.Decision{}, err
	}
	if patch.DecisionType != nil {
		next.DecisionType = *patch.DecisionType
	}
	if patch.Confidence != nil {
		next.Confidence = *patch.Confidence
	}
	if patch.Tags != nil {
		next.Tags = NormalizeTags(*patch.Tags)
	}
	if patch.Status != nil {
		if !CanTransition(current.Status, *patch.Status) {
			return store.Decision{}, apperr.Validation("INVALID_TRANSITION", "status transition is not allowed").
				WithDetail("from", string(current.Status)).
				WithDetail("to", string(*patch.Status))
		}
		next.Status = *patch.Status
		if next.Status == store.DecisionStatusDecided && next.DecidedAt == nil {
			next.DecidedAt = &now
		}
	}
	next.UpdatedAt = now

	if err := l.repo.UpdateDecision(ctx, next, projection(next, ""), current.Status); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Decision{}, apperr.Conflict("CONCURRENT_UPDATE", "decision changed while it was being updated").
				WithDetail("actorId", actorID).WithCause(err)
		}
		return store.Decision{}, storeError("update decision", err)
	}
	return next, nil
}

// SupersedeDecision marks oldID as superseded by newID. At most one call per
// decision succeeds; later calls fail with a conflict.
func (l *Ledger) SupersedeDecision(ctx context.Context, orgID, oldID, newID, actorID string) (store.Decision, error) {
	if err := requireIDs(orgID, oldID); err != nil {
		return store.Decision{}, err
	}
	if strings.TrimSpace(newID) == "" {
		return store.Decision{}, apperr.Validation("VALIDATION_ERROR", "newId is required")
	}
	if oldID == newID {
		return store.Decision{}, apperr.Validation("SELF_SUPERSESSION", "a decision cannot supersede itself")
	}

	old, err := l.repo.GetDecision(ctx, orgID, oldID)
	if err != nil {
		return store.Decision{}, storeError("load superseded decision", err)
	}
	if old.Status == store.DecisionStatusSuperseded {
		return store.Decision{}, alreadySuperseded(old)
	}
	if old.Status == store.DecisionStatusProposed {
		return store.Decision{}, apperr.Conflict("INVALID_STATE", "only decided or revisited decisions can be superseded").
			WithDetail("status", string(old.Status))
	}
	if _, err := l.repo.GetDecision(ctx, orgID, newID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Decision{}, supersedingMissing(newID)
		}
		return store.Decision{}, storeError("load superseding decision", err)
	}

	superseded, err := l.repo.SupersedeDecision(ctx, store.Supersession{
		OrganizationID: orgID,
		OldID:          oldID,
		NewID:          newID,
		ActorID:        actorID,
		EdgeID:         util.NewID(),
		At:             l.now().UTC(),
	})
	switch {
	case err == nil:
		return superseded, nil
	case errors.Is(err, store.ErrConflict):
		current, readErr := l.repo.GetDecision(ctx, orgID, oldID)
		if readErr == nil && current.Status == store.DecisionStatusSuperseded {
			return store.Decision{}, alreadySuperseded(current)
		}
		return store.Decision{}, apperr.Conflict("CONCURRENT_UPDATE", "decision changed while it was being superseded").WithCause(err)
	case errors.Is(err, store.ErrInvalidReference):
		return store.Decision{}, supersedingMissing(newID)
	}
	return store.Decision{}, storeError("supersede decision", err)
}

// AddParticipant links the user's person node to the decision. Adding an
// existing participant is a no-op.
func (l *Ledger) AddParticipant(ctx context.Context, orgID, decisionID, userID string) error {
	if err := requireIDs(orgID, decisionID); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.Validation("VALIDATION_ERROR", "userId is required")
	}
	if _, err := l.repo.GetDecision(ctx, orgID, decisionID); err != nil {
		return storeError("load decision", err)
	}
	decisionNode, err := l.repo.FindNodeByKey(ctx, orgID, store.NodeTypeDecision, decisionID)
	if err != nil {
		return storeError("load decision node", err)
	}
	now := l.now().UTC()
	personNodeID, err := l.repo.EnsureNode(ctx, store.GraphNode{
		ID:             util.NewID(),
		OrganizationID: orgID,
		Type:           store.NodeTypePerson,
		Name:           userID,
		ExternalID:     userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return storeError("ensure person node", err)
	}
	if _, err := l.repo.UpsertEdge(ctx, store.GraphEdge{
		ID:             util.NewID(),
		OrganizationID: orgID,
		SourceNodeID:   personNodeID,
		TargetNodeID:   decisionNode.ID,
		Relationship:   store.RelationshipParticipatesIn,
		Weight:         1,
		CreatedAt:      now,
	}); err != nil {
		return storeError("link participant", err)
	}
	return nil
}

// RemoveParticipant deletes the participation edge. Removing a participant
// that was never linked is a no-op.
func (l *Ledger) RemoveParticipant(ctx context.Context, orgID, decisionID, userID string) error {
	if err := requireIDs(orgID, decisionID); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.Validation("VALIDATION_ERROR", "userId is required")
	}
	person, err := l.repo.FindNodeByKey(ctx, orgID, store.NodeTypePerson, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("load person node", err)
	}
	decisionNode, err := l.repo.FindNodeByKey(ctx, orgID, store.NodeTypeDecision, decisionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("load decision node", err)
	}
	if err := l.repo.DeleteEdge(ctx, orgID, person.ID, decisionNode.ID, store.RelationshipParticipatesIn); err != nil {
		return storeError("unlink participant", err)
	}
	return nil
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		normalized = append(normalized, tag)
	}
	sort.Strings(normalized)
	return normalized
}

// projection builds the decision's graph node. nodeID is only used when the
// node is first created; updates address the node by its natural key.
func projection(d store.Decision, nodeID string) store.GraphNode {
	name := d.Summary
	if runes := []rune(name); len(runes) > 200 {
		name = string(runes[:200])
	}
	metadata := map[string]any{
		"status":       string(d.Status),
		"decisionType": string(d.DecisionType),
		"confidence":   d.Confidence,
		"tags":         d.Tags,
	}
	if d.SupersededBy != "" {
		metadata["supersededBy"] = d.SupersededBy
	}
	return store.GraphNode{
		ID:             nodeID,
		OrganizationID: d.OrganizationID,
		Type:           store.NodeTypeDecision,
		Name:           name,
		Description:    d.Context,
		ExternalID:     d.ID,
		Metadata:       metadata,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func checkTimestamps(start, end *int) error {
	if start != nil && end != nil && *end < *start {
		return apperr.Validation("VALIDATION_ERROR", "timestampEnd must not precede timestampStart")
	}
	return nil
}

func requireIDs(orgID, id string) error {
	if strings.TrimSpace(orgID) == "" {
		return apperr.Validation("VALIDATION_ERROR", "organizationId is required")
	}
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("VALIDATION_ERROR", "decision id is required")
	}
	return nil
}

func alreadySuperseded(d store.Decision) error {
	return apperr.Conflict("ALREADY_SUPERSEDED", "decision has already been superseded").
		WithDetail("supersededBy", d.SupersededBy)
}

func supersedingMissing(newID string) error {
	return apperr.Conflict("SUPERSEDING_DECISION_NOT_FOUND", "superseding decision does not exist").
		WithDetail("newId", newID)
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("DECISION_NOT_FOUND", op+": not found").WithCause(err)
	case errors.Is(err, store.ErrInvalidReference):
		return apperr.InvalidReference("INVALID_REFERENCE", op+": reference does not exist in this organization").WithCause(err)
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("CONCURRENT_UPDATE", op+": concurrent modification").WithCause(err)
	}
	return apperr.Retrieval("STORE_UNAVAILABLE", op+" failed", err)
}

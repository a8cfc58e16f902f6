package decision

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/store"
	"lodestar/api/internal/validate"
)

// ArtifactRef is an opaque reference such as "github:pr:123" or "video:<id>".
// The last colon-delimited segment is the id; everything before it is the
// entity type.
type ArtifactRef struct {
	EntityType string
	EntityID   string
}

func (r ArtifactRef) String() string {
	return r.EntityType + ":" + r.EntityID
}

func ParseArtifactRef(ref string) (ArtifactRef, error) {
	ref = strings.TrimSpace(ref)
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return ArtifactRef{}, apperr.Validation("INVALID_ARTIFACT_REF", "artifact reference must look like type[:subtype...]:id").
			WithDetail("ref", ref)
	}
	return ArtifactRef{EntityType: ref[:idx], EntityID: ref[idx+1:]}, nil
}

// nodeKey resolves the graph natural key for an artifact reference. Graph
// node types address their nodes directly; any other prefix names an
// artifact whose externalId is the full reference.
func (r ArtifactRef) nodeKey() (store.NodeType, string) {
	if t := store.NodeType(r.EntityType); t.Valid() {
		return t, r.EntityID
	}
	return store.NodeTypeArtifact, r.String()
}

// DecisionContext returns decisions linked to the referenced entity, ordered
// by timestampStart descending (unset last) and then createdAt descending.
// An unknown entity yields an empty list.
func (l *Ledger) DecisionContext(ctx context.Context, orgID, entityType, entityID string) ([]store.Decision, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, apperr.Validation("VALIDATION_ERROR", "organizationId is required")
	}
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || entityID == "" {
		return nil, apperr.Validation("VALIDATION_ERROR", "entityType and entityId are required")
	}

	nodeType, externalID := ArtifactRef{EntityType: entityType, EntityID: entityID}.nodeKey()
	node, err := l.repo.FindNodeByKey(ctx, orgID, nodeType, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return []store.Decision{}, nil
	}
	if err != nil {
		return nil, storeError("resolve artifact", err)
	}
	decisions, err := l.repo.ListDecisionsForNode(ctx, orgID, node.ID)
	if err != nil {
		return nil, storeError("list linked decisions", err)
	}
	sortForContext(decisions)
	return decisions, nil
}

// DecisionContextForRef parses ref and delegates to DecisionContext.
func (l *Ledger) DecisionContextForRef(ctx context.Context, orgID, ref string) ([]store.Decision, error) {
	parsed, err := ParseArtifactRef(ref)
	if err != nil {
		return nil, err
	}
	return l.DecisionContext(ctx, orgID, parsed.EntityType, parsed.EntityID)
}

func sortForContext(decisions []store.Decision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		a, b := decisions[i], decisions[j]
		switch {
		case a.TimestampStart != nil && b.TimestampStart == nil:
			return true
		case a.TimestampStart == nil && b.TimestampStart != nil:
			return false
		case a.TimestampStart != nil && *a.TimestampStart != *b.TimestampStart:
			return *a.TimestampStart > *b.TimestampStart
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

type TimelineQuery struct {
	OrganizationID string     `json:"organizationId" validate:"required"`
	Topic          string     `json:"topic"`
	PersonID       string     `json:"personId"`
	From           *time.Time `json:"from"`
	To             *time.Time `json:"to"`
	Limit          int        `json:"limit" validate:"min=1,max=100"`
	Offset         int        `json:"offset" validate:"min=0"`
}

type Timeline struct {
	Decisions []store.Decision
	HasMore   bool
}

// Timeline lists decisions newest first on decidedAt (createdAt when unset)
// within [From, To). One extra row is read so HasMore is never true on the
// last page.
func (l *Ledger) Timeline(ctx context.Context, q TimelineQuery) (Timeline, error) {
	if err := validate.Struct(q); err != nil {
		return Timeline{}, err
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return Timeline{}, apperr.Validation("INVALID_RANGE", "from must be before to")
	}

	decisions, err := l.repo.ListDecisionTimeline(ctx, store.TimelineFilter{
		OrganizationID: q.OrganizationID,
		Topic:          strings.TrimSpace(q.Topic),
		PersonID:       strings.TrimSpace(q.PersonID),
		From:           q.From,
		To:             q.To,
		Limit:          q.Limit + 1,
		Offset:         q.Offset,
	})
	if err != nil {
		return Timeline{}, storeError("list decision timeline", err)
	}
	hasMore := len(decisions) > q.Limit
	if hasMore {
		decisions = decisions[:q.Limit]
	}
	return Timeline{Decisions: decisions, HasMore: hasMore}, nil
}

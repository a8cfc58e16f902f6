// Package graph maintains the organization knowledge graph: typed nodes,
// weighted directed edges and bounded breadth-first traversal.
package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/store"
	"lodestar/api/internal/util"
	"lodestar/api/internal/validate"
)

type Repository interface {
	GetNode(ctx context.Context, orgID, id string) (store.GraphNode, error)
	UpsertNode(ctx context.Context, node store.GraphNode) (string, error)
	UpsertEdge(ctx context.Context, edge store.GraphEdge) (string, error)
	ListNodes(ctx context.Context, orgID string, nodeType store.NodeType, limit int) ([]store.GraphNode, error)
	ListNodesByID(ctx context.Context, orgID string, ids []string) ([]store.GraphNode, error)
	ListIncidentEdges(ctx context.Context, orgID string, nodeIDs []string, relationships []string) ([]store.GraphEdge, error)
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

type NodeInput struct {
	OrganizationID string         `json:"organizationId" validate:"required"`
	Type           store.NodeType `json:"type" validate:"required,oneof=person topic artifact decision video"`
	Name           string         `json:"name" validate:"required,max=500"`
	Description    string         `json:"description" validate:"max=10000"`
	ExternalID     string         `json:"externalId" validate:"max=500"`
	Metadata       map[string]any `json:"metadata"`
}

type EdgeInput struct {
	OrganizationID string         `json:"organizationId" validate:"required"`
	SourceNodeID   string         `json:"sourceNodeId" validate:"required"`
	TargetNodeID   string         `json:"targetNodeId" validate:"required"`
	Relationship   string         `json:"relationship" validate:"required,max=100"`
	Weight         *float64       `json:"weight" validate:"omitempty,min=0"`
	Metadata       map[string]any `json:"metadata"`
}

// UpsertNode is idempotent under (organization, type, externalId). Nodes
// without an externalId are always inserted.
func (s *Service) UpsertNode(ctx context.Context, in NodeInput) (string, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if err := validate.Struct(in); err != nil {
		return "", err
	}
	now := s.now().UTC()
	id, err := s.repo.UpsertNode(ctx, store.GraphNode{
		ID:             util.NewID(),
		OrganizationID: in.OrganizationID,
		Type:           in.Type,
		Name:           in.Name,
		Description:    in.Description,
		ExternalID:     in.ExternalID,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return "", storeError("upsert node", err)
	}
	return id, nil
}

// UpsertEdge fails with an invalid reference error when either endpoint is
// missing or belongs to another organization.
func (s *Service) UpsertEdge(ctx context.Context, in EdgeInput) (string, error) {
	in.Relationship = strings.TrimSpace(in.Relationship)
	if err := validate.Struct(in); err != nil {
		return "", err
	}
	for _, endpoint := range []string{in.SourceNodeID, in.TargetNodeID} {
		if _, err := s.repo.GetNode(ctx, in.OrganizationID, endpoint); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", apperr.InvalidReference("INVALID_REFERENCE", "edge endpoint does not exist in this organization").
					WithDetail("nodeId", endpoint)
			}
			return "", storeError("load edge endpoint", err)
		}
	}

	weight := 1.0
	if in.Weight != nil {
		weight = *in.Weight
	}
	id, err := s.repo.UpsertEdge(ctx, store.GraphEdge{
		ID:             util.NewID(),
		OrganizationID: in.OrganizationID,
		SourceNodeID:   in.SourceNodeID,
		TargetNodeID:   in.TargetNodeID,
		Relationship:   in.Relationship,
		Weight:         weight,
		Metadata:       in.Metadata,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return "", storeError("upsert edge", err)
	}
	return id, nil
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidReference):
		return apperr.InvalidReference("INVALID_REFERENCE", op+": referenced node does not exist in this organization").WithCause(err)
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("NOT_FOUND", op+": not found").WithCause(err)
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("CONFLICT", op+": concurrent modification").WithCause(err)
	}
	return apperr.Retrieval("STORE_UNAVAILABLE", op+" failed", err)
}

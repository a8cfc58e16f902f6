package graph

import (
	"context"
	"errors"
	"sort"

	"lodestar/api/internal/store"
	"lodestar/api/internal/validate"
)

const (
	MaxDepth = 5
	MaxLimit = 500
)

type TraverseRequest struct {
	OrganizationID    string         `json:"organizationId" validate:"required"`
	CenterID          string         `json:"centerId"`
	CenterType        store.NodeType `json:"centerType" validate:"omitempty,oneof=person topic artifact decision video"`
	Depth             int            `json:"depth" validate:"min=1,max=5"`
	RelationshipTypes []string       `json:"relationshipTypes"`
	Limit             int            `json:"limit" validate:"min=1,max=500"`
}

type Stats struct {
	NodeCount int
	EdgeCount int
}

type Graph struct {
	Nodes []store.GraphNode
	Edges []store.GraphEdge
	Stats Stats
	// Truncated is set when the node limit stopped the expansion early.
	Truncated bool
}

// Traverse expands breadth-first from the center node, following edges in
// both directions. Within a hop edges are visited by descending weight, so
// when the node limit is reached every retained edge weighs at least as
// much as any edge dropped at that hop. Without a center the organization's
// nodes (optionally of CenterType) up to the limit are returned together
// with the edges among them.
func (s *Service) Traverse(ctx context.Context, req TraverseRequest) (Graph, error) {
	if err := validate.Struct(req); err != nil {
		return Graph{}, err
	}
	if req.CenterID == "" {
		return s.organizationGraph(ctx, req)
	}

	center, err := s.repo.GetNode(ctx, req.OrganizationID, req.CenterID)
	if errors.Is(err, store.ErrNotFound) {
		return newGraph(nil, nil, false), nil
	}
	if err != nil {
		return Graph{}, storeError("load center node", err)
	}
	if req.CenterType != "" && center.Type != req.CenterType {
		return newGraph(nil, nil, false), nil
	}
	return s.expand(ctx, req, center)
}

func (s *Service) expand(ctx context.Context, req TraverseRequest, center store.GraphNode) (Graph, error) {
	included := map[string]store.GraphNode{center.ID: center}
	order := []string{center.ID}
	seenEdges := map[string]bool{}
	edges := make([]store.GraphEdge, 0)
	frontier := []string{center.ID}
	truncated := false

	for hop := 1; hop <= req.Depth && len(frontier) > 0 && !truncated; hop++ {
		incident, err := s.repo.ListIncidentEdges(ctx, req.OrganizationID, frontier, req.RelationshipTypes)
		if err != nil {
			return Graph{}, storeError("list incident edges", err)
		}
		sortByWeight(incident)

		discovered := map[string]bool{}
		next := make([]string, 0)
		for _, edge := range incident {
			if seenEdges[edge.ID] {
				continue
			}
			known := func(id string) bool {
				_, ok := included[id]
				return ok || discovered[id]
			}
			neighbor := ""
			switch {
			case !known(edge.SourceNodeID):
				neighbor = edge.SourceNodeID
			case !known(edge.TargetNodeID):
				neighbor = edge.TargetNodeID
			}
			if neighbor != "" {
				if len(included)+len(discovered) >= req.Limit {
					truncated = true
					break
				}
				discovered[neighbor] = true
				next = append(next, neighbor)
			}
			seenEdges[edge.ID] = true
			edges = append(edges, edge)
		}

		nodes, err := s.repo.ListNodesByID(ctx, req.OrganizationID, next)
		if err != nil {
			return Graph{}, storeError("load neighbor nodes", err)
		}
		for _, node := range nodes {
			included[node.ID] = node
		}
		frontier = frontier[:0]
		for _, id := range next {
			if _, ok := included[id]; ok {
				order = append(order, id)
				frontier = append(frontier, id)
			}
		}
	}

	nodes := make([]store.GraphNode, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, included[id])
	}
	return newGraph(nodes, keepResolvedEdges(edges, included), truncated), nil
}

func (s *Service) organizationGraph(ctx context.Context, req TraverseRequest) (Graph, error) {
	nodes, err := s.repo.ListNodes(ctx, req.OrganizationID, req.CenterType, req.Limit+1)
	if err != nil {
		return Graph{}, storeError("list nodes", err)
	}
	truncated := len(nodes) > req.Limit
	if truncated {
		nodes = nodes[:req.Limit]
	}

	included := make(map[string]store.GraphNode, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		included[node.ID] = node
		ids = append(ids, node.ID)
	}
	incident, err := s.repo.ListIncidentEdges(ctx, req.OrganizationID, ids, req.RelationshipTypes)
	if err != nil {
		return Graph{}, storeError("list incident edges", err)
	}
	sortByWeight(incident)
	return newGraph(nodes, keepResolvedEdges(incident, included), truncated), nil
}

// keepResolvedEdges drops edges with an endpoint outside included and
// duplicates by id.
func keepResolvedEdges(edges []store.GraphEdge, included map[string]store.GraphNode) []store.GraphEdge {
	seen := make(map[string]bool, len(edges))
	kept := make([]store.GraphEdge, 0, len(edges))
	for _, edge := range edges {
		if seen[edge.ID] {
			continue
		}
		if _, ok := included[edge.SourceNodeID]; !ok {
			continue
		}
		if _, ok := included[edge.TargetNodeID]; !ok {
			continue
		}
		seen[edge.ID] = true
		kept = append(kept, edge)
	}
	return kept
}

func sortByWeight(edges []store.GraphEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		return edges[i].ID < edges[j].ID
	})
}

func newGraph(nodes []store.GraphNode, edges []store.GraphEdge, truncated bool) Graph {
	if nodes == nil {
		nodes = []store.GraphNode{}
	}
	if edges == nil {
		edges = []store.GraphEdge{}
	}
	return Graph{
		Nodes:     nodes,
		Edges:     edges,
		Stats:     Stats{NodeCount: len(nodes), EdgeCount: len(edges)},
		Truncated: truncated,
	}
}

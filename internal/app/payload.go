package app

import (
	"time"

	"lodestar/api/internal/graph"
	"lodestar/api/internal/store"
)

func nodePayload(n store.GraphNode) map[string]any {
	return map[string]any{
		"id":             n.ID,
		"organizationId": n.OrganizationID,
		"type":           n.Type,
		"name":           n.Name,
		"description":    n.Description,
		"externalId":     nullableString(n.ExternalID),
		"metadata":       metadataOrEmpty(n.Metadata),
		"createdAt":      n.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      n.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func edgePayload(e store.GraphEdge) map[string]any {
	return map[string]any{
		"id":             e.ID,
		"organizationId": e.OrganizationID,
		"sourceNodeId":   e.SourceNodeID,
		"targetNodeId":   e.TargetNodeID,
		"relationship":   e.Relationship,
		"weight":         e.Weight,
		"metadata":       metadataOrEmpty(e.Metadata),
		"createdAt":      e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func graphPayload(g graph.Graph) map[string]any {
	nodes := make([]map[string]any, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, nodePayload(n))
	}
	edges := make([]map[string]any, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, edgePayload(e))
	}
	return map[string]any{
		"nodes": nodes,
		"edges": edges,
		"stats": map[string]any{
			"nodeCount": g.Stats.NodeCount,
			"edgeCount": g.Stats.EdgeCount,
		},
		"truncated": g.Truncated,
	}
}

func decisionPayload(d store.Decision) map[string]any {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	var decidedAt any
	if d.DecidedAt != nil {
		decidedAt = d.DecidedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"id":             d.ID,
		"organizationId": d.OrganizationID,
		"videoId":        nullableString(d.VideoID),
		"summary":        d.Summary,
		"context":        d.Context,
		"reasoning":      d.Reasoning,
		"timestampStart": d.TimestampStart,
		"timestampEnd":   d.TimestampEnd,
		"decisionType":   d.DecisionType,
		"status":         d.Status,
		"confidence":     d.Confidence,
		"tags":           tags,
		"supersededBy":   nullableString(d.SupersededBy),
		"decidedAt":      decidedAt,
		"createdAt":      d.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func decisionsPayload(decisions []store.Decision) []map[string]any {
	items := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		items = append(items, decisionPayload(d))
	}
	return items
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func metadataOrEmpty(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

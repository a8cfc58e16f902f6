package graph

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/store"
)

type countingRepo struct {
	Repository
	calls int
}

func (r *countingRepo) GetNode(ctx context.Context, orgID, id string) (store.GraphNode, error) {
	r.calls++
	return r.Repository.GetNode(ctx, orgID, id)
}

func (r *countingRepo) ListNodes(ctx context.Context, orgID string, nodeType store.NodeType, limit int) ([]store.GraphNode, error) {
	r.calls++
	return r.Repository.ListNodes(ctx, orgID, nodeType, limit)
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	svc := NewService(mem)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc, mem
}

func mustNode(t *testing.T, svc *Service, org string, nodeType store.NodeType, name string) string {
	t.Helper()
	id, err := svc.UpsertNode(context.Background(), NodeInput{OrganizationID: org, Type: nodeType, Name: name})
	if err != nil {
		t.Fatalf("UpsertNode(%s) error = %v", name, err)
	}
	return id
}

func mustEdge(t *testing.T, svc *Service, org, source, target, relationship string, weight float64) string {
	t.Helper()
	id, err := svc.UpsertEdge(context.Background(), EdgeInput{
		OrganizationID: org,
		SourceNodeID:   source,
		TargetNodeID:   target,
		Relationship:   relationship,
		Weight:         &weight,
	})
	if err != nil {
		t.Fatalf("UpsertEdge(%s->%s) error = %v", source, target, err)
	}
	return id
}

func nodeIDs(g Graph) map[string]bool {
	ids := map[string]bool{}
	for _, node := range g.Nodes {
		ids[node.ID] = true
	}
	return ids
}

func TestUpsertNodeIsIdempotentUnderNaturalKey(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	first, err := svc.UpsertNode(ctx, NodeInput{OrganizationID: "org1", Type: store.NodeTypePerson, Name: "Avery", ExternalID: "user-1"})
	if err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}
	second, err := svc.UpsertNode(ctx, NodeInput{OrganizationID: "org1", Type: store.NodeTypePerson, Name: "Avery Stone", ExternalID: "user-1"})
	if err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected same id for natural key, got %s and %s", first, second)
	}
	node, err := mem.GetNode(ctx, "org1", first)
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if node.Name != "Avery Stone" {
		t.Fatalf("expected name to be updated, got %q", node.Name)
	}

	otherOrg, err := svc.UpsertNode(ctx, NodeInput{OrganizationID: "org2", Type: store.NodeTypePerson, Name: "Avery", ExternalID: "user-1"})
	if err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}
	if otherOrg == first {
		t.Fatal("natural key must be scoped to the organization")
	}

	a := mustNode(t, svc, "org1", store.NodeTypeTopic, "Search")
	b := mustNode(t, svc, "org1", store.NodeTypeTopic, "Search")
	if a == b {
		t.Fatal("nodes without externalId must always insert")
	}
}

func TestUpsertNodeValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpsertNode(context.Background(), NodeInput{OrganizationID: "org1", Type: "team", Name: "x"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpsertEdgeRejectsCrossOrganizationEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	a := mustNode(t, svc, "org1", store.NodeTypePerson, "A")
	b := mustNode(t, svc, "org2", store.NodeTypeTopic, "B")

	_, err := svc.UpsertEdge(context.Background(), EdgeInput{
		OrganizationID: "org1",
		SourceNodeID:   a,
		TargetNodeID:   b,
		Relationship:   "expert_in",
	})
	if !apperr.Is(err, apperr.KindInvalidReference) {
		t.Fatalf("expected invalid reference, got %v", err)
	}

	_, err = svc.UpsertEdge(context.Background(), EdgeInput{
		OrganizationID: "org1",
		SourceNodeID:   a,
		TargetNodeID:   "missing",
		Relationship:   "expert_in",
	})
	if !apperr.Is(err, apperr.KindInvalidReference) {
		t.Fatalf("expected invalid reference for missing node, got %v", err)
	}
}

func TestUpsertEdgeAllowsSelfLoop(t *testing.T) {
	svc, _ := newTestService(t)
	a := mustNode(t, svc, "org1", store.NodeTypeTopic, "A")
	b := mustNode(t, svc, "org1", store.NodeTypeTopic, "B")
	mustEdge(t, svc, "org1", a, a, "related_to", 2)
	mustEdge(t, svc, "org1", a, b, "related_to", 1)

	g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", CenterID: a, Depth: 1, Limit: 10})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if g.Stats.NodeCount != 2 || g.Stats.EdgeCount != 2 {
		t.Fatalf("unexpected stats with a self loop: %+v", g.Stats)
	}
}

func TestUpsertEdgeUpdatesWeightUnderNaturalKey(t *testing.T) {
	svc, mem := newTestService(t)
	a := mustNode(t, svc, "org1", store.NodeTypePerson, "A")
	b := mustNode(t, svc, "org1", store.NodeTypeTopic, "B")

	first := mustEdge(t, svc, "org1", a, b, "expert_in", 1)
	second := mustEdge(t, svc, "org1", a, b, "expert_in", 4)
	if first != second {
		t.Fatalf("expected edge upsert to reuse id, got %s and %s", first, second)
	}
	edges, err := mem.ListIncidentEdges(context.Background(), "org1", []string{a}, nil)
	if err != nil {
		t.Fatalf("ListIncidentEdges() error = %v", err)
	}
	if len(edges) != 1 || edges[0].Weight != 4 {
		t.Fatalf("unexpected edges: %+v", edges)
	}
}

func TestTraverseRespectsDepth(t *testing.T) {
	svc, _ := newTestService(t)
	a := mustNode(t, svc, "org1", store.NodeTypeTopic, "A")
	b := mustNode(t, svc, "org1", store.NodeTypeTopic, "B")
	c := mustNode(t, svc, "org1", store.NodeTypeTopic, "C")
	d := mustNode(t, svc, "org1", store.NodeTypeTopic, "D")
	mustEdge(t, svc, "org1", a, b, "related_to", 1)
	mustEdge(t, svc, "org1", c, b, "related_to", 1)
	mustEdge(t, svc, "org1", c, d, "related_to", 1)

	g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", CenterID: a, Depth: 2, Limit: 10})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	ids := nodeIDs(g)
	if !ids[a] || !ids[b] || !ids[c] || ids[d] {
		t.Fatalf("unexpected nodes at depth 2: %+v", ids)
	}
	if g.Stats.NodeCount != 3 || g.Stats.EdgeCount != 2 {
		t.Fatalf("unexpected stats: %+v", g.Stats)
	}
	if g.Truncated {
		t.Fatal("traversal should not be truncated")
	}
}

func TestTraverseDepthBoundOnRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		svc, _ := newTestService(t)
		org := fmt.Sprintf("org-%d", round)
		ids := make([]string, 15)
		for i := range ids {
			ids[i] = mustNode(t, svc, org, store.NodeTypeTopic, fmt.Sprintf("n%d", i))
		}
		adjacency := map[string][]string{}
		for e := 0; e < 25; e++ {
			src, dst := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			if src == dst {
				continue
			}
			mustEdge(t, svc, org, src, dst, "related_to", float64(rng.Intn(10)))
			adjacency[src] = append(adjacency[src], dst)
			adjacency[dst] = append(adjacency[dst], src)
		}

		center := ids[0]
		distance := map[string]int{center: 0}
		queue := []string{center}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, next := range adjacency[current] {
				if _, ok := distance[next]; !ok {
					distance[next] = distance[current] + 1
					queue = append(queue, next)
				}
			}
		}

		depth := 1 + rng.Intn(3)
		g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: org, CenterID: center, Depth: depth, Limit: 500})
		if err != nil {
			t.Fatalf("Traverse() error = %v", err)
		}
		for _, node := range g.Nodes {
			dist, ok := distance[node.ID]
			if !ok || dist > depth {
				t.Fatalf("round %d: node %s at distance %d exceeds depth %d", round, node.ID, dist, depth)
			}
		}
		for id, dist := range distance {
			if dist <= depth && !nodeIDs(g)[id] {
				t.Fatalf("round %d: node %s at distance %d missing from untruncated traversal", round, id, dist)
			}
		}
	}
}

func TestTraverseTruncationKeepsHighestWeightEdges(t *testing.T) {
	svc, _ := newTestService(t)
	center := mustNode(t, svc, "org1", store.NodeTypePerson, "center")
	weights := []float64{0.5, 3, 1, 5, 2}
	byWeight := map[float64]string{}
	for i, w := range weights {
		neighbor := mustNode(t, svc, "org1", store.NodeTypeTopic, fmt.Sprintf("t%d", i))
		byWeight[w] = neighbor
		mustEdge(t, svc, "org1", center, neighbor, "expert_in", w)
	}

	g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", CenterID: center, Depth: 1, Limit: 3})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if !g.Truncated {
		t.Fatal("expected truncated traversal")
	}
	ids := nodeIDs(g)
	if len(ids) != 3 || !ids[byWeight[5]] || !ids[byWeight[3]] {
		t.Fatalf("expected center plus the two heaviest neighbors, got %+v", ids)
	}

	minKept := 1e9
	for _, edge := range g.Edges {
		if edge.Weight < minKept {
			minKept = edge.Weight
		}
	}
	for _, w := range weights {
		if !ids[byWeight[w]] && w > minKept {
			t.Fatalf("dropped edge weight %v exceeds retained weight %v", w, minKept)
		}
	}
}

func TestTraverseFiltersRelationshipTypes(t *testing.T) {
	svc, _ := newTestService(t)
	person := mustNode(t, svc, "org1", store.NodeTypePerson, "P")
	topic := mustNode(t, svc, "org1", store.NodeTypeTopic, "T")
	decision := mustNode(t, svc, "org1", store.NodeTypeDecision, "D")
	mustEdge(t, svc, "org1", person, topic, "expert_in", 1)
	mustEdge(t, svc, "org1", person, decision, store.RelationshipParticipatesIn, 1)

	g, err := svc.Traverse(context.Background(), TraverseRequest{
		OrganizationID:    "org1",
		CenterID:          person,
		Depth:             1,
		Limit:             10,
		RelationshipTypes: []string{"expert_in"},
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	ids := nodeIDs(g)
	if !ids[topic] || ids[decision] {
		t.Fatalf("unexpected nodes: %+v", ids)
	}
}

func TestTraverseFollowsIncomingEdges(t *testing.T) {
	svc, _ := newTestService(t)
	video := mustNode(t, svc, "org1", store.NodeTypeVideo, "V")
	decision := mustNode(t, svc, "org1", store.NodeTypeDecision, "D")
	mustEdge(t, svc, "org1", video, decision, store.RelationshipProduces, 1)

	g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", CenterID: decision, Depth: 1, Limit: 10})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if !nodeIDs(g)[video] {
		t.Fatal("expected incoming edge to be followed")
	}
}

func TestTraverseMissingCenterReturnsEmptyGraph(t *testing.T) {
	svc, _ := newTestService(t)
	mustNode(t, svc, "org1", store.NodeTypeTopic, "A")

	g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", CenterID: "nope", Depth: 2, Limit: 10})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if len(g.Nodes) != 0 || len(g.Edges) != 0 || g.Stats.NodeCount != 0 {
		t.Fatalf("expected empty graph, got %+v", g)
	}
}

func TestTraverseCenterTypeMismatchReturnsEmptyGraph(t *testing.T) {
	svc, _ := newTestService(t)
	topic := mustNode(t, svc, "org1", store.NodeTypeTopic, "A")

	g, err := svc.Traverse(context.Background(), TraverseRequest{
		OrganizationID: "org1",
		CenterID:       topic,
		CenterType:     store.NodeTypePerson,
		Depth:          1,
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if len(g.Nodes) != 0 {
		t.Fatalf("expected empty graph, got %+v", g.Nodes)
	}
}

func TestTraverseValidatesBeforeStoreAccess(t *testing.T) {
	repo := &countingRepo{Repository: store.NewMemoryStore()}
	svc := NewService(repo)

	tests := []TraverseRequest{
		{OrganizationID: "org1", CenterID: "x", Depth: 0, Limit: 10},
		{OrganizationID: "org1", CenterID: "x", Depth: 6, Limit: 10},
		{OrganizationID: "org1", Depth: 1, Limit: 0},
		{OrganizationID: "org1", Depth: 1, Limit: 501},
		{CenterID: "x", Depth: 1, Limit: 10},
	}
	for _, req := range tests {
		_, err := svc.Traverse(context.Background(), req)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("Traverse(%+v) error = %v, want validation", req, err)
		}
	}
	if repo.calls != 0 {
		t.Fatalf("expected no store access, got %d calls", repo.calls)
	}
}

func TestTraverseWithoutCenterReturnsOrganizationNodes(t *testing.T) {
	svc, _ := newTestService(t)
	a := mustNode(t, svc, "org1", store.NodeTypeTopic, "A")
	b := mustNode(t, svc, "org1", store.NodeTypeTopic, "B")
	p := mustNode(t, svc, "org1", store.NodeTypePerson, "P")
	mustNode(t, svc, "org2", store.NodeTypeTopic, "other org")
	mustEdge(t, svc, "org1", a, b, "related_to", 2)
	mustEdge(t, svc, "org1", p, a, "expert_in", 1)

	g, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", Depth: 1, Limit: 10})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if g.Stats.NodeCount != 3 || g.Stats.EdgeCount != 2 {
		t.Fatalf("unexpected stats: %+v", g.Stats)
	}

	topics, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", CenterType: store.NodeTypeTopic, Depth: 1, Limit: 10})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if topics.Stats.NodeCount != 2 || topics.Stats.EdgeCount != 1 {
		t.Fatalf("unexpected topic stats: %+v", topics.Stats)
	}

	limited, err := svc.Traverse(context.Background(), TraverseRequest{OrganizationID: "org1", Depth: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if !limited.Truncated || limited.Stats.NodeCount != 2 {
		t.Fatalf("expected truncated graph with 2 nodes, got %+v", limited.Stats)
	}
}

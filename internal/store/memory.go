package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"lodestar/api/internal/search"
)

type nodeKey struct {
	orgID      string
	nodeType   NodeType
	externalID string
}

type edgeKey struct {
	sourceID     string
	targetID     string
	relationship string
}

// MemoryStore keeps the whole graph, the decision ledger and the searchable
// content in process. It enforces the same keys, references and status
// guards as the Postgres schema; one mutex makes every write atomic.
type MemoryStore struct {
	mu sync.RWMutex

	nodes     map[string]GraphNode
	nodeKeys  map[nodeKey]string
	edges     map[string]GraphEdge
	edgeKeys  map[edgeKey]string
	decisions map[string]Decision
	items     map[string]ContentItem
	videos    map[string]Video
	topics    map[string]TopicCluster
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     map[string]GraphNode{},
		nodeKeys:  map[nodeKey]string{},
		edges:     map[string]GraphEdge{},
		edgeKeys:  map[edgeKey]string{},
		decisions: map[string]Decision{},
		items:     map[string]ContentItem{},
		videos:    map[string]Video{},
		topics:    map[string]TopicCluster{},
	}
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, orgID, id string) (GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok || node.OrganizationID != orgID {
		return GraphNode{}, fmt.Errorf("get graph node: %w", ErrNotFound)
	}
	return cloneNode(node), nil
}

func (m *MemoryStore) FindNodeByKey(_ context.Context, orgID string, nodeType NodeType, externalID string) (GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nodeKeys[nodeKey{orgID, nodeType, externalID}]
	if !ok {
		return GraphNode{}, fmt.Errorf("find graph node by key: %w", ErrNotFound)
	}
	return cloneNode(m.nodes[id]), nil
}

func (m *MemoryStore) UpsertNode(_ context.Context, node GraphNode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertNodeLocked(node), nil
}

func (m *MemoryStore) upsertNodeLocked(node GraphNode) string {
	now := stamp(node.UpdatedAt)
	if node.ExternalID != "" {
		key := nodeKey{node.OrganizationID, node.Type, node.ExternalID}
		if id, ok := m.nodeKeys[key]; ok {
			existing := m.nodes[id]
			existing.Name = node.Name
			existing.Description = node.Description
			existing.Metadata = cloneMap(node.Metadata)
			existing.UpdatedAt = now
			m.nodes[id] = existing
			return id
		}
		m.nodeKeys[key] = node.ID
	}
	node.Metadata = cloneMap(node.Metadata)
	node.CreatedAt = stamp(node.CreatedAt)
	node.UpdatedAt = now
	m.nodes[node.ID] = node
	return node.ID
}

func (m *MemoryStore) EnsureNode(_ context.Context, node GraphNode) (string, error) {
	if node.ExternalID == "" {
		return "", fmt.Errorf("ensure graph node: external id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureNodeLocked(node), nil
}

func (m *MemoryStore) ensureNodeLocked(node GraphNode) string {
	if id, ok := m.nodeKeys[nodeKey{node.OrganizationID, node.Type, node.ExternalID}]; ok {
		return id
	}
	return m.upsertNodeLocked(node)
}

func (m *MemoryStore) UpsertEdge(_ context.Context, edge GraphEdge) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertEdgeLocked(edge)
}

func (m *MemoryStore) upsertEdgeLocked(edge GraphEdge) (string, error) {
	for _, endpoint := range []string{edge.SourceNodeID, edge.TargetNodeID} {
		node, ok := m.nodes[endpoint]
		if !ok || node.OrganizationID != edge.OrganizationID {
			return "", fmt.Errorf("upsert graph edge: node %s: %w", endpoint, ErrInvalidReference)
		}
	}
	key := edgeKey{edge.SourceNodeID, edge.TargetNodeID, edge.Relationship}
	if id, ok := m.edgeKeys[key]; ok {
		existing := m.edges[id]
		existing.Weight = edge.Weight
		existing.Metadata = cloneMap(edge.Metadata)
		m.edges[id] = existing
		return id, nil
	}
	edge.Metadata = cloneMap(edge.Metadata)
	edge.CreatedAt = stamp(edge.CreatedAt)
	m.edges[edge.ID] = edge
	m.edgeKeys[key] = edge.ID
	return edge.ID, nil
}

func (m *MemoryStore) DeleteEdge(_ context.Context, orgID, sourceNodeID, targetNodeID, relationship string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{sourceNodeID, targetNodeID, relationship}
	id, ok := m.edgeKeys[key]
	if !ok || m.edges[id].OrganizationID != orgID {
		return nil
	}
	delete(m.edgeKeys, key)
	delete(m.edges, id)
	return nil
}

func (m *MemoryStore) ListNodes(_ context.Context, orgID string, nodeType NodeType, limit int) ([]GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]GraphNode, 0)
	for _, node := range m.nodes {
		if node.OrganizationID != orgID || (nodeType != "" && node.Type != nodeType) {
			continue
		}
		nodes = append(nodes, cloneNode(node))
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

func (m *MemoryStore) ListNodesByID(_ context.Context, orgID string, ids []string) ([]GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]GraphNode, 0, len(ids))
	for _, id := range ids {
		if node, ok := m.nodes[id]; ok && node.OrganizationID == orgID {
			nodes = append(nodes, cloneNode(node))
		}
	}
	return nodes, nil
}

func (m *MemoryStore) ListIncidentEdges(_ context.Context, orgID string, nodeIDs []string, relationships []string) ([]GraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := toSet(nodeIDs)
	allowed := toSet(relationships)
	edges := make([]GraphEdge, 0)
	for _, edge := range m.edges {
		if edge.OrganizationID != orgID {
			continue
		}
		if !wanted[edge.SourceNodeID] && !wanted[edge.TargetNodeID] {
			continue
		}
		if len(allowed) > 0 && !allowed[edge.Relationship] {
			continue
		}
		edges = append(edges, cloneEdge(edge))
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		return edges[i].ID < edges[j].ID
	})
	return edges, nil
}

func (m *MemoryStore) CreateDecision(_ context.Context, nd NewDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := nd.Decision
	if _, exists := m.decisions[d.ID]; exists {
		return fmt.Errorf("insert decision %s: %w", d.ID, ErrConflict)
	}
	d.CreatedAt = stamp(d.CreatedAt)
	d.UpdatedAt = d.CreatedAt
	d.Tags = normalizeNilTags(d.Tags)
	m.decisions[d.ID] = cloneDecision(d)

	decisionNodeID := m.upsertNodeLocked(nd.Node)
	if nd.VideoNode == nil {
		return nil
	}
	videoNodeID := m.ensureNodeLocked(*nd.VideoNode)
	_, err := m.upsertEdgeLocked(GraphEdge{
		ID:             nd.ProducesEdgeID,
		OrganizationID: d.OrganizationID,
		SourceNodeID:   videoNodeID,
		TargetNodeID:   decisionNodeID,
		Relationship:   RelationshipProduces,
		Weight:         1,
		CreatedAt:      d.CreatedAt,
	})
	return err
}

func (m *MemoryStore) GetDecision(_ context.Context, orgID, id string) (Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok || d.OrganizationID != orgID {
		return Decision{}, fmt.Errorf("get decision: %w", ErrNotFound)
	}
	return cloneDecision(d), nil
}

func (m *MemoryStore) UpdateDecision(_ context.Context, d Decision, node GraphNode, expected DecisionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.decisions[d.ID]
	if !ok || current.OrganizationID != d.OrganizationID {
		return fmt.Errorf("decision %s: %w", d.ID, ErrNotFound)
	}
	if current.Status != expected || current.Status == DecisionStatusSuperseded {
		return fmt.Errorf("decision %s: %w", d.ID, ErrConflict)
	}
	d.CreatedAt = current.CreatedAt
	d.VideoID = current.VideoID
	d.SupersededBy = current.SupersededBy
	d.UpdatedAt = stamp(d.UpdatedAt)
	d.Tags = normalizeNilTags(d.Tags)
	m.decisions[d.ID] = cloneDecision(d)

	if id, ok := m.nodeKeys[nodeKey{d.OrganizationID, NodeTypeDecision, d.ID}]; ok {
		projection := m.nodes[id]
		projection.Name = node.Name
		projection.Description = node.Description
		projection.Metadata = cloneMap(node.Metadata)
		projection.UpdatedAt = d.UpdatedAt
		m.nodes[id] = projection
	}
	return nil
}

func (m *MemoryStore) SupersedeDecision(_ context.Context, sup Supersession) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newer, ok := m.decisions[sup.NewID]; !ok || newer.OrganizationID != sup.OrganizationID {
		return Decision{}, fmt.Errorf("superseding decision %s: %w", sup.NewID, ErrInvalidReference)
	}
	old, ok := m.decisions[sup.OldID]
	if !ok || old.OrganizationID != sup.OrganizationID {
		return Decision{}, fmt.Errorf("decision %s: %w", sup.OldID, ErrNotFound)
	}
	if old.Status != DecisionStatusDecided && old.Status != DecisionStatusRevisited {
		return Decision{}, fmt.Errorf("decision %s: %w", sup.OldID, ErrConflict)
	}

	at := stamp(sup.At)
	old.Status = DecisionStatusSuperseded
	old.SupersededBy = sup.NewID
	old.UpdatedAt = at
	m.decisions[old.ID] = old

	oldNodeID, oldOK := m.nodeKeys[nodeKey{sup.OrganizationID, NodeTypeDecision, sup.OldID}]
	newNodeID, newOK := m.nodeKeys[nodeKey{sup.OrganizationID, NodeTypeDecision, sup.NewID}]
	if oldOK {
		projection := m.nodes[oldNodeID]
		projection.Metadata = cloneMap(projection.Metadata)
		if projection.Metadata == nil {
			projection.Metadata = map[string]any{}
		}
		projection.Metadata["status"] = string(DecisionStatusSuperseded)
		projection.Metadata["supersededBy"] = sup.NewID
		projection.UpdatedAt = at
		m.nodes[oldNodeID] = projection
	}
	if oldOK && newOK {
		key := edgeKey{newNodeID, oldNodeID, RelationshipSupersedes}
		if _, exists := m.edgeKeys[key]; !exists {
			m.edges[sup.EdgeID] = GraphEdge{
				ID:             sup.EdgeID,
				OrganizationID: sup.OrganizationID,
				SourceNodeID:   newNodeID,
				TargetNodeID:   oldNodeID,
				Relationship:   RelationshipSupersedes,
				Weight:         1,
				Metadata:       map[string]any{"actorId": sup.ActorID},
				CreatedAt:      at,
			}
			m.edgeKeys[key] = sup.EdgeID
		}
	}
	return cloneDecision(old), nil
}

func (m *MemoryStore) ListDecisionsForNode(_ context.Context, orgID, nodeID string) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	neighbors := map[string]bool{}
	for _, edge := range m.edges {
		if edge.OrganizationID != orgID {
			continue
		}
		if edge.SourceNodeID == nodeID {
			neighbors[edge.TargetNodeID] = true
		}
		if edge.TargetNodeID == nodeID {
			neighbors[edge.SourceNodeID] = true
		}
	}
	decisions := make([]Decision, 0)
	for id := range neighbors {
		node := m.nodes[id]
		if node.Type != NodeTypeDecision {
			continue
		}
		if d, ok := m.decisions[node.ExternalID]; ok && d.OrganizationID == orgID {
			decisions = append(decisions, cloneDecision(d))
		}
	}
	sort.Slice(decisions, func(i, j int) bool {
		a, b := decisions[i], decisions[j]
		switch {
		case a.TimestampStart != nil && b.TimestampStart == nil:
			return true
		case a.TimestampStart == nil && b.TimestampStart != nil:
			return false
		case a.TimestampStart != nil && *a.TimestampStart != *b.TimestampStart:
			return *a.TimestampStart > *b.TimestampStart
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return decisions, nil
}

func (m *MemoryStore) ListDecisionTimeline(_ context.Context, f TimelineFilter) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Decision, 0)
	for _, d := range m.decisions {
		if d.OrganizationID != f.OrganizationID {
			continue
		}
		at := d.EffectiveAt()
		if f.From != nil && at.Before(*f.From) {
			continue
		}
		if f.To != nil && !at.Before(*f.To) {
			continue
		}
		nodeID, ok := m.nodeKeys[nodeKey{d.OrganizationID, NodeTypeDecision, d.ID}]
		if !ok {
			continue
		}
		if f.Topic != "" && !m.linkedToTopicLocked(nodeID, f.Topic) {
			continue
		}
		if f.PersonID != "" && !m.hasParticipantLocked(nodeID, f.PersonID) {
			continue
		}
		matches = append(matches, cloneDecision(d))
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i].EffectiveAt(), matches[j].EffectiveAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return matches[i].ID > matches[j].ID
	})
	return paginate(matches, f.Offset, f.Limit), nil
}

func (m *MemoryStore) linkedToTopicLocked(decisionNodeID, topic string) bool {
	for _, edge := range m.edges {
		var other string
		switch decisionNodeID {
		case edge.SourceNodeID:
			other = edge.TargetNodeID
		case edge.TargetNodeID:
			other = edge.SourceNodeID
		default:
			continue
		}
		node, ok := m.nodes[other]
		if !ok || node.Type != NodeTypeTopic {
			continue
		}
		if node.ID == topic || node.ExternalID == topic || strings.EqualFold(node.Name, topic) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) hasParticipantLocked(decisionNodeID, personID string) bool {
	personNodeID, ok := m.nodeKeys[nodeKey{m.nodes[decisionNodeID].OrganizationID, NodeTypePerson, personID}]
	if !ok {
		return false
	}
	_, ok = m.edgeKeys[edgeKey{personNodeID, decisionNodeID, RelationshipParticipatesIn}]
	return ok
}

func (m *MemoryStore) GetTopicCluster(_ context.Context, orgID, topicID string) (TopicCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cluster, ok := m.topics[topicID]
	if !ok || cluster.OrganizationID != orgID {
		return TopicCluster{}, fmt.Errorf("get topic cluster: %w", ErrNotFound)
	}
	cluster.MemberContentIDs = cloneStrings(cluster.MemberContentIDs)
	return cluster, nil
}

func (m *MemoryStore) SaveTopicCluster(_ context.Context, cluster TopicCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cluster.MemberContentIDs = cloneStrings(cluster.MemberContentIDs)
	m.topics[cluster.ID] = cluster
	return nil
}

func (m *MemoryStore) ListContentItemsByID(_ context.Context, orgID string, ids []string) ([]ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]ContentItem, 0, len(ids))
	for id := range toSet(ids) {
		if item, ok := m.items[id]; ok && item.OrganizationID == orgID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAtSource.Equal(items[j].CreatedAtSource) {
			return items[i].CreatedAtSource.Before(items[j].CreatedAtSource)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *MemoryStore) UpsertContentItem(_ context.Context, item ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAtSource = stamp(item.CreatedAtSource)
	item.CreatedAt = stamp(item.CreatedAt)
	item.UpdatedAt = item.CreatedAt
	item.ProcessingStatus = processingStatus(item.ProcessingStatus)
	m.items[item.ID] = item
	return nil
}

func (m *MemoryStore) UpsertVideo(_ context.Context, video Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	video.CreatedAtSource = stamp(video.CreatedAtSource)
	video.CreatedAt = stamp(video.CreatedAt)
	m.videos[video.ID] = video
	return nil
}

// Candidates applies f to the stored videos and content items, dropping
// candidates the match hint rules out. Over the limit, the most relevant
// candidates are kept.
func (m *MemoryStore) Candidates(_ context.Context, f search.Filter) ([]search.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var members map[string]bool
	if len(f.TopicIDs) > 0 {
		members = map[string]bool{}
		for _, topicID := range f.TopicIDs {
			cluster, ok := m.topics[topicID]
			if !ok || cluster.OrganizationID != f.OrganizationID {
				continue
			}
			for _, id := range cluster.MemberContentIDs {
				members[id] = true
			}
		}
	}

	candidates := make([]search.Candidate, 0)
	for _, c := range m.allCandidatesLocked() {
		if !f.Allows(c) {
			continue
		}
		if members != nil && !members[c.ID] {
			continue
		}
		if !f.Match.Admits(c) {
			continue
		}
		candidates = append(candidates, c)
	}
	if f.Limit > 0 && len(candidates) > f.Limit {
		search.RankByHint(candidates, f.Match)
		candidates = candidates[:f.Limit]
	}
	search.SortNewestFirst(candidates)
	return candidates, nil
}

// AllCandidates returns every video and content item across organizations.
func (m *MemoryStore) AllCandidates(context.Context) ([]search.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := m.allCandidatesLocked()
	search.SortNewestFirst(candidates)
	return candidates, nil
}

func (m *MemoryStore) allCandidatesLocked() []search.Candidate {
	candidates := make([]search.Candidate, 0, len(m.items)+len(m.videos))
	for _, item := range m.items {
		candidates = append(candidates, ContentItemCandidate(item))
	}
	for _, video := range m.videos {
		candidates = append(candidates, VideoCandidate(video))
	}
	return candidates
}

func ContentItemCandidate(item ContentItem) search.Candidate {
	return search.Candidate{
		ID:              item.ID,
		Kind:            search.KindContentItem,
		OrganizationID:  item.OrganizationID,
		ContentType:     string(item.Type),
		Source:          item.Source,
		SourceID:        item.SourceID,
		AuthorID:        item.AuthorID,
		Title:           item.Title,
		Body:            item.Body,
		CreatedAtSource: item.CreatedAtSource,
		Embedding:       item.Embedding,
	}
}

func VideoCandidate(video Video) search.Candidate {
	return search.Candidate{
		ID:              video.ID,
		Kind:            search.KindVideo,
		OrganizationID:  video.OrganizationID,
		ContentType:     string(ContentTypeVideo),
		Source:          video.Source,
		SourceID:        video.SourceID,
		AuthorID:        video.AuthorID,
		Title:           video.Title,
		Body:            video.Description,
		Transcript:      video.Transcript,
		CreatedAtSource: video.CreatedAtSource,
		Embedding:       video.Embedding,
	}
}

func paginate[T any](values []T, offset, limit int) []T {
	if offset >= len(values) {
		return []T{}
	}
	end := len(values)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return values[offset:end]
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func cloneNode(node GraphNode) GraphNode {
	node.Metadata = cloneMap(node.Metadata)
	return node
}

func cloneEdge(edge GraphEdge) GraphEdge {
	edge.Metadata = cloneMap(edge.Metadata)
	return edge
}

func cloneDecision(d Decision) Decision {
	d.Tags = cloneStrings(d.Tags)
	if d.TimestampStart != nil {
		v := *d.TimestampStart
		d.TimestampStart = &v
	}
	if d.TimestampEnd != nil {
		v := *d.TimestampEnd
		d.TimestampEnd = &v
	}
	if d.DecidedAt != nil {
		v := *d.DecidedAt
		d.DecidedAt = &v
	}
	return d
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

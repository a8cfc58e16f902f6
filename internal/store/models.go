package store

import "time"

type NodeType string

const (
	NodeTypePerson   NodeType = "person"
	NodeTypeTopic    NodeType = "topic"
	NodeTypeArtifact NodeType = "artifact"
	NodeTypeDecision NodeType = "decision"
	NodeTypeVideo    NodeType = "video"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeTypePerson, NodeTypeTopic, NodeTypeArtifact, NodeTypeDecision, NodeTypeVideo:
		return true
	}
	return false
}

// Relationships written by the decision ledger. Callers may use any other
// relationship label for their own edges.
const (
	RelationshipProduces       = "produces"
	RelationshipSupersedes     = "supersedes"
	RelationshipParticipatesIn = "participates_in"
)

type GraphNode struct {
	ID             string
	OrganizationID string
	Type           NodeType
	Name           string
	Description    string
	ExternalID     string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type GraphEdge struct {
	ID             string
	OrganizationID string
	SourceNodeID   string
	TargetNodeID   string
	Relationship   string
	Weight         float64
	Metadata       map[string]any
	CreatedAt      time.Time
}

type DecisionType string

const (
	DecisionTypeTechnical DecisionType = "technical"
	DecisionTypeProduct   DecisionType = "product"
	DecisionTypeProcess   DecisionType = "process"
	DecisionTypeTeam      DecisionType = "team"
	DecisionTypeOther     DecisionType = "other"
)

type DecisionStatus string

const (
	DecisionStatusProposed   DecisionStatus = "proposed"
	DecisionStatusDecided    DecisionStatus = "decided"
	DecisionStatusRevisited  DecisionStatus = "revisited"
	DecisionStatusSuperseded DecisionStatus = "superseded"
)

type Decision struct {
	ID             string
	OrganizationID string
	VideoID        string
	Summary        string
	Context        string
	Reasoning      string
	TimestampStart *int
	TimestampEnd   *int
	DecisionType   DecisionType
	Status         DecisionStatus
	Confidence     int
	Tags           []string
	SupersededBy   string
	DecidedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveAt is the instant the timeline orders and filters on.
func (d Decision) EffectiveAt() time.Time {
	if d.DecidedAt != nil {
		return *d.DecidedAt
	}
	return d.CreatedAt
}

type ContentType string

const (
	ContentTypeMessage     ContentType = "message"
	ContentTypeThread      ContentType = "thread"
	ContentTypeDocument    ContentType = "document"
	ContentTypeIssue       ContentType = "issue"
	ContentTypePullRequest ContentType = "pull_request"
	ContentTypeComment     ContentType = "comment"
	ContentTypeFile        ContentType = "file"
	ContentTypeVideo       ContentType = "video"
)

type ContentItem struct {
	ID               string
	OrganizationID   string
	SourceID         string
	Source           string
	Type             ContentType
	Title            string
	Body             string
	AuthorID         string
	CreatedAtSource  time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ProcessingStatus string
	Embedding        []float32
}

type Video struct {
	ID              string
	OrganizationID  string
	SourceID        string
	Source          string
	Title           string
	Description     string
	Transcript      string
	AuthorID        string
	CreatedAtSource time.Time
	CreatedAt       time.Time
	Embedding       []float32
}

type TopicCluster struct {
	ID               string
	OrganizationID   string
	Name             string
	MemberContentIDs []string
}

// NewDecision bundles everything CreateDecision writes in one transaction.
// When VideoNode is set the video projection is upserted by its natural key
// and linked to the decision node with a produces edge identified by
// ProducesEdgeID.
type NewDecision struct {
	Decision       Decision
	Node           GraphNode
	VideoNode      *GraphNode
	ProducesEdgeID string
}

// Supersession describes a supersedeDecision write. The supersedes edge runs
// from NewID's decision node to OldID's decision node.
type Supersession struct {
	OrganizationID string
	OldID          string
	NewID          string
	ActorID        string
	EdgeID         string
	At             time.Time
}

type TimelineFilter struct {
	OrganizationID string
	Topic          string
	PersonID       string
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

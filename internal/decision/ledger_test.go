package decision

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	ledger := NewLedger(mem)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	ledger.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return ledger, mem
}

func intPtr(v int) *int { return &v }

func statusPtr(s store.DecisionStatus) *store.DecisionStatus { return &s }

func mustCreate(t *testing.T, ledger *Ledger, in CreateInput) store.Decision {
	t.Helper()
	if in.OrganizationID == "" {
		in.OrganizationID = "org1"
	}
	if in.Summary == "" {
		in.Summary = "Adopt Postgres for the graph store"
	}
	d, err := ledger.CreateDecision(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateDecision() error = %v", err)
	}
	return d
}

func TestCreateDecisionWritesGraphProjection(t *testing.T) {
	ledger, mem := newTestLedger(t)
	d := mustCreate(t, ledger, CreateInput{Tags: []string{" Infra", "infra", "DB "}})

	if d.Status != store.DecisionStatusDecided || d.DecidedAt == nil {
		t.Fatalf("expected decided decision with decidedAt, got %+v", d)
	}
	if d.DecisionType != store.DecisionTypeOther {
		t.Fatalf("DecisionType = %q, want other", d.DecisionType)
	}
	if len(d.Tags) != 2 || d.Tags[0] != "db" || d.Tags[1] != "infra" {
		t.Fatalf("unexpected tags: %v", d.Tags)
	}

	node, err := mem.FindNodeByKey(context.Background(), "org1", store.NodeTypeDecision, d.ID)
	if err != nil {
		t.Fatalf("FindNodeByKey() error = %v", err)
	}
	if node.Name != d.Summary || node.Metadata["status"] != "decided" {
		t.Fatalf("unexpected projection: %+v", node)
	}
}

func TestCreateDecisionLinksVideo(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	d := mustCreate(t, ledger, CreateInput{VideoID: "vid-1", TimestampStart: intPtr(30), TimestampEnd: intPtr(90)})

	videoNode, err := mem.FindNodeByKey(ctx, "org1", store.NodeTypeVideo, "vid-1")
	if err != nil {
		t.Fatalf("expected video node: %v", err)
	}
	edges, err := mem.ListIncidentEdges(ctx, "org1", []string{videoNode.ID}, []string{store.RelationshipProduces})
	if err != nil || len(edges) != 1 {
		t.Fatalf("expected one produces edge, got %v (err %v)", edges, err)
	}

	linked, err := ledger.DecisionContext(ctx, "org1", "video", "vid-1")
	if err != nil {
		t.Fatalf("DecisionContext() error = %v", err)
	}
	if len(linked) != 1 || linked[0].ID != d.ID {
		t.Fatalf("unexpected linked decisions: %+v", linked)
	}

	again := mustCreate(t, ledger, CreateInput{VideoID: "vid-1", Summary: "Second decision from the same call"})
	linked, _ = ledger.DecisionContext(ctx, "org1", "video", "vid-1")
	if len(linked) != 2 {
		t.Fatalf("expected both decisions linked to the existing video node, got %d (%s)", len(linked), again.ID)
	}
}

func TestCreateDecisionValidation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	tests := []CreateInput{
		{OrganizationID: "org1"},
		{Summary: "no org"},
		{OrganizationID: "org1", Summary: "s", Status: store.DecisionStatusRevisited},
		{OrganizationID: "org1", Summary: "s", Status: store.DecisionStatusSuperseded},
		{OrganizationID: "org1", Summary: "s", Confidence: intPtr(101)},
		{OrganizationID: "org1", Summary: "s", Confidence: intPtr(-1)},
		{OrganizationID: "org1", Summary: "s", TimestampStart: intPtr(50), TimestampEnd: intPtr(10)},
	}
	for _, in := range tests {
		if _, err := ledger.CreateDecision(context.Background(), in); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("CreateDecision(%+v) error = %v, want validation", in, err)
		}
	}
}

func TestUpdateDecisionTransitions(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	d := mustCreate(t, ledger, CreateInput{Status: store.DecisionStatusProposed})
	if d.DecidedAt != nil {
		t.Fatal("proposed decisions must not have decidedAt")
	}

	if _, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Status: statusPtr(store.DecisionStatusRevisited)}, "u1"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("proposed -> revisited error = %v, want validation", err)
	}

	decided, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Status: statusPtr(store.DecisionStatusDecided), Confidence: intPtr(80)}, "u1")
	if err != nil {
		t.Fatalf("proposed -> decided error = %v", err)
	}
	if decided.DecidedAt == nil || decided.Confidence != 80 {
		t.Fatalf("unexpected decided record: %+v", decided)
	}

	revisited, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Status: statusPtr(store.DecisionStatusRevisited)}, "u1")
	if err != nil {
		t.Fatalf("decided -> revisited error = %v", err)
	}
	if revisited.Status != store.DecisionStatusRevisited {
		t.Fatalf("status = %q", revisited.Status)
	}

	redecided, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Status: statusPtr(store.DecisionStatusDecided)}, "u1")
	if err != nil {
		t.Fatalf("revisited -> decided error = %v", err)
	}
	if !redecided.DecidedAt.Equal(*decided.DecidedAt) {
		t.Fatal("decidedAt must keep the first decision time")
	}

	if _, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Status: statusPtr(store.DecisionStatusSuperseded)}, "u1"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("-> superseded error = %v, want validation", err)
	}
	for _, confidence := range []int{150, -5} {
		if _, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Confidence: intPtr(confidence)}, "u1"); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("confidence %d error = %v, want validation", confidence, err)
		}
	}
	if got, _ := ledger.GetDecision(ctx, "org1", d.ID); got.Confidence != 80 {
		t.Fatalf("rejected patches changed confidence to %d", got.Confidence)
	}
	if updated, err := ledger.UpdateDecision(ctx, "org1", d.ID, Patch{Confidence: intPtr(100)}, "u1"); err != nil || updated.Confidence != 100 {
		t.Fatalf("confidence 100 = %d, %v", updated.Confidence, err)
	}

	node, _ := mem.FindNodeByKey(ctx, "org1", store.NodeTypeDecision, d.ID)
	if node.Metadata["status"] != "decided" {
		t.Fatalf("projection status = %v, want decided", node.Metadata["status"])
	}
}

func TestUpdateDecisionMissingIsNotFound(t *testing.T) {
	ledger, _ := newTestLedger(t)
	summary := "x"
	_, err := ledger.UpdateDecision(context.Background(), "org1", "missing", Patch{Summary: &summary}, "u1")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type racingRepo struct {
	Repository
}

func (r racingRepo) UpdateDecision(context.Context, store.Decision, store.GraphNode, store.DecisionStatus) error {
	return fmt.Errorf("decision: %w", store.ErrConflict)
}

func TestUpdateDecisionReportsGuardConflict(t *testing.T) {
	ledger, mem := newTestLedger(t)
	d := mustCreate(t, ledger, CreateInput{})

	racing := NewLedger(racingRepo{Repository: mem})
	_, err := racing.UpdateDecision(context.Background(), "org1", d.ID, Patch{Status: statusPtr(store.DecisionStatusRevisited)}, "u1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSupersedeScenario(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	d1 := mustCreate(t, ledger, CreateInput{Summary: "D1"})
	d2 := mustCreate(t, ledger, CreateInput{Summary: "D2"})
	d3 := mustCreate(t, ledger, CreateInput{Summary: "D3"})

	if _, err := ledger.SupersedeDecision(ctx, "org1", d1.ID, d2.ID, "u1"); err != nil {
		t.Fatalf("SupersedeDecision() error = %v", err)
	}
	got, err := ledger.GetDecision(ctx, "org1", d1.ID)
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	if got.Status != store.DecisionStatusSuperseded || got.SupersededBy != d2.ID {
		t.Fatalf("unexpected superseded record: %+v", got)
	}

	_, err = ledger.SupersedeDecision(ctx, "org1", d1.ID, d3.ID, "u1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("second supersession error = %v, want conflict", err)
	}

	newNode, _ := mem.FindNodeByKey(ctx, "org1", store.NodeTypeDecision, d2.ID)
	oldNode, _ := mem.FindNodeByKey(ctx, "org1", store.NodeTypeDecision, d1.ID)
	edges, _ := mem.ListIncidentEdges(ctx, "org1", []string{newNode.ID}, []string{store.RelationshipSupersedes})
	if len(edges) != 1 || edges[0].SourceNodeID != newNode.ID || edges[0].TargetNodeID != oldNode.ID {
		t.Fatalf("expected supersedes edge new -> old, got %+v", edges)
	}

	summary := "rewrite history"
	if _, err := ledger.UpdateDecision(ctx, "org1", d1.ID, Patch{Summary: &summary}, "u1"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("update of superseded decision error = %v, want conflict", err)
	}
}

func TestSupersedeExclusivityUnderConcurrency(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	old := mustCreate(t, ledger, CreateInput{Summary: "old"})

	const contenders = 16
	replacements := make([]store.Decision, contenders)
	for i := range replacements {
		replacements[i] = mustCreate(t, ledger, CreateInput{Summary: fmt.Sprintf("replacement %d", i)})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, replacement := range replacements {
		wg.Add(1)
		go func(newID string) {
			defer wg.Done()
			_, err := ledger.SupersedeDecision(ctx, "org1", old.ID, newID, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, newID)
			case apperr.Is(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(replacement.ID)
	}
	wg.Wait()

	if len(winners) != 1 || conflicts != contenders-1 {
		t.Fatalf("winners = %d, conflicts = %d", len(winners), conflicts)
	}
	got, _ := ledger.GetDecision(ctx, "org1", old.ID)
	if got.Status != store.DecisionStatusSuperseded || got.SupersededBy != winners[0] {
		t.Fatalf("unexpected final state: %+v (winner %s)", got, winners[0])
	}
}

func TestSupersedeFailures(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	decided := mustCreate(t, ledger, CreateInput{Summary: "decided"})
	proposed := mustCreate(t, ledger, CreateInput{Summary: "proposed", Status: store.DecisionStatusProposed})
	other := mustCreate(t, ledger, CreateInput{OrganizationID: "org2", Summary: "other org"})

	tests := []struct {
		name   string
		oldID  string
		newID  string
		expect apperr.Kind
	}{
		{"missing old", "missing", decided.ID, apperr.KindNotFound},
		{"missing new", decided.ID, "missing", apperr.KindConflict},
		{"new in other org", decided.ID, other.ID, apperr.KindConflict},
		{"proposed old", proposed.ID, decided.ID, apperr.KindConflict},
		{"self", decided.ID, decided.ID, apperr.KindValidation},
		{"blank new", decided.ID, "", apperr.KindValidation},
	}
	for _, tc := range tests {
		_, err := ledger.SupersedeDecision(ctx, "org1", tc.oldID, tc.newID, "u1")
		if got := apperr.KindOf(err); got != tc.expect {
			t.Errorf("%s: kind = %q, want %q (err %v)", tc.name, got, tc.expect, err)
		}
	}
}

func TestParticipantsAreIdempotent(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()
	d := mustCreate(t, ledger, CreateInput{})

	for i := 0; i < 2; i++ {
		if err := ledger.AddParticipant(ctx, "org1", d.ID, "user-7"); err != nil {
			t.Fatalf("AddParticipant() #%d error = %v", i, err)
		}
	}
	person, err := mem.FindNodeByKey(ctx, "org1", store.NodeTypePerson, "user-7")
	if err != nil {
		t.Fatalf("expected person node: %v", err)
	}
	edges, _ := mem.ListIncidentEdges(ctx, "org1", []string{person.ID}, []string{store.RelationshipParticipatesIn})
	if len(edges) != 1 {
		t.Fatalf("expected exactly one participation edge, got %d", len(edges))
	}

	for i := 0; i < 2; i++ {
		if err := ledger.RemoveParticipant(ctx, "org1", d.ID, "user-7"); err != nil {
			t.Fatalf("RemoveParticipant() #%d error = %v", i, err)
		}
	}
	edges, _ = mem.ListIncidentEdges(ctx, "org1", []string{person.ID}, []string{store.RelationshipParticipatesIn})
	if len(edges) != 0 {
		t.Fatalf("expected participation edge removed, got %d", len(edges))
	}

	if err := ledger.RemoveParticipant(ctx, "org1", d.ID, "never-added"); err != nil {
		t.Fatalf("removing unknown participant error = %v", err)
	}
	if err := ledger.AddParticipant(ctx, "org1", "missing", "user-7"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("adding to missing decision error = %v, want not found", err)
	}
}

package invalidation

import (
	"context"
	"errors"
	"testing"
)

// fakeDependency records propagation order and can be configured to fail.
type fakeDependency struct {
	name    string
	fail    error
	trace   *[]string
	invoked bool
}

func (d *fakeDependency) Propagate(_ context.Context, _ Event) ([]string, error) {
	d.invoked = true
	*d.trace = append(*d.trace, d.name)
	return []string{d.name}, d.fail
}

// fakeAuditSink records every AuditLog passed to Record.
type fakeAuditSink struct {
	logs []AuditLog
}

func (s *fakeAuditSink) Record(_ context.Context, log AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

func TestGraphPropagatesInDeclarationOrder(t *testing.T) {
	var trace []string
	d1 := &fakeDependency{name: "a", trace: &trace}
	d2 := &fakeDependency{name: "b", trace: &trace}
	d3 := &fakeDependency{name: "c", trace: &trace}
	sink := &fakeAuditSink{}
	g := NewGraph("posts", sink, d1, d2, d3)

	if err := g.PropagateWithData(context.Background(), Event{Kind: Created}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, name := range want {
		if trace[i] != name {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestGraphContinuesPastAFailingDependencyAndSurfacesFirstError(t *testing.T) {
	var trace []string
	wantErr := errors.New("dependency down")
	d1 := &fakeDependency{name: "a", trace: &trace, fail: wantErr}
	d2 := &fakeDependency{name: "b", trace: &trace}
	g := NewGraph("posts", nil, d1, d2)

	err := g.PropagateWithData(context.Background(), Event{Kind: Updated})
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapping %v", err, wantErr)
	}
	if !d2.invoked {
		t.Fatal("dependency b should still run after a fails")
	}
	if g.Metrics().Errors.Load() != 1 {
		t.Fatalf("Errors = %d, want 1", g.Metrics().Errors.Load())
	}
}

func TestGraphRecordsAuditEntryEvenOnPartialFailure(t *testing.T) {
	wantErr := errors.New("boom")
	d1 := &fakeDependency{name: "a", trace: &[]string{}, fail: wantErr}
	sink := &fakeAuditSink{}
	g := NewGraph("widgets", sink, d1)

	_ = g.PropagateWithData(context.Background(), Event{Kind: Deleted})
	if len(sink.logs) != 1 {
		t.Fatalf("audit logs = %d, want 1", len(sink.logs))
	}
	if sink.logs[0].Repo != "widgets" {
		t.Fatalf("logged repo = %q, want widgets", sink.logs[0].Repo)
	}
	if sink.logs[0].TriggeredBy != "deleted" {
		t.Fatalf("TriggeredBy = %q, want deleted", sink.logs[0].TriggeredBy)
	}
	if len(sink.logs[0].Keys) != 1 || sink.logs[0].Keys[0] != "a" {
		t.Fatalf("Keys = %v, want [a] from the failing dependency's own touched key", sink.logs[0].Keys)
	}
}

func TestGraphRecordsKeysAndTriggeredByFromEveryDependency(t *testing.T) {
	var trace []string
	d1 := &fakeDependency{name: "author:1", trace: &trace}
	d2 := &fakeDependency{name: "author:1:posts", trace: &trace}
	sink := &fakeAuditSink{}
	g := NewGraph("posts", sink, d1, d2)

	if err := g.PropagateWithData(context.Background(), Event{Kind: Created}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.logs) != 1 {
		t.Fatalf("audit logs = %d, want 1", len(sink.logs))
	}
	if sink.logs[0].TriggeredBy != "created" {
		t.Fatalf("TriggeredBy = %q, want created", sink.logs[0].TriggeredBy)
	}
	want := []string{"author:1", "author:1:posts"}
	if len(sink.logs[0].Keys) != len(want) || sink.logs[0].Keys[0] != want[0] || sink.logs[0].Keys[1] != want[1] {
		t.Fatalf("Keys = %v, want %v", sink.logs[0].Keys, want)
	}
}

func TestGraphNilAuditSinkIsOptional(t *testing.T) {
	g := NewGraph("widgets", nil)
	if err := g.PropagateWithData(context.Background(), Event{Kind: Created}); err != nil {
		t.Fatalf("unexpected error with zero dependencies: %v", err)
	}
	if g.Metrics().TotalInvalidations.Load() != 1 {
		t.Fatalf("TotalInvalidations = %d, want 1", g.Metrics().TotalInvalidations.Load())
	}
}

func TestNoopAuditSinkDiscardsEntries(t *testing.T) {
	var s NoopAuditSink
	if err := s.Record(context.Background(), AuditLog{Repo: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

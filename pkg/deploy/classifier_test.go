package deploy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/loaders"
	"github.com/stratadata/stratactl/pkg/platform"
)

// fakeLoader is a programmable loader for classifier tests: remote state
// is a fixed map and Retrieve can fail a configurable number of times.
type fakeLoader struct {
	kind         string
	remote       map[string]map[string]any
	retrieveErrs []error
	retrieves    int
}

func (f *fakeLoader) Kind() string            { return f.kind }
func (f *fakeLoader) Folder() string          { return f.kind + "s" }
func (f *fakeLoader) FilePattern() string     { return "*.{yaml,yml}" }
func (f *fakeLoader) DependsOn() []string     { return nil }
func (f *fakeLoader) ResourceContainer() bool { return false }
func (f *fakeLoader) SupportsDelete() bool    { return true }

func (f *fakeLoader) Identifier(content map[string]any) (string, error) {
	id, _ := content["externalId"].(string)
	return id, nil
}

func (f *fakeLoader) Ref(content map[string]any) (json.RawMessage, error) {
	id, _ := content["externalId"].(string)
	return json.Marshal(map[string]any{"externalId": id})
}

func (f *fakeLoader) RequiredCapabilities(resources []loaders.Resource) []platform.Capability {
	return nil
}

func (f *fakeLoader) Equal(local, remote map[string]any) bool {
	return local["name"] == remote["name"]
}

func (f *fakeLoader) Retrieve(ctx context.Context, resources []loaders.Resource) (map[string]map[string]any, error) {
	f.retrieves++
	if len(f.retrieveErrs) > 0 {
		err := f.retrieveErrs[0]
		f.retrieveErrs = f.retrieveErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]map[string]any)
	for _, res := range resources {
		if remote, ok := f.remote[res.Identifier]; ok {
			out[res.Identifier] = remote
		}
	}
	return out, nil
}

func (f *fakeLoader) Create(ctx context.Context, resources []loaders.Resource) *platform.Report {
	return &platform.Report{Succeeded: len(resources)}
}

func (f *fakeLoader) Update(ctx context.Context, resources []loaders.Resource) *platform.Report {
	return &platform.Report{Succeeded: len(resources)}
}

func (f *fakeLoader) Delete(ctx context.Context, resources []loaders.Resource) *platform.Report {
	return &platform.Report{Succeeded: len(resources)}
}

func (f *fakeLoader) CountData(ctx context.Context, resource loaders.Resource) (int64, error) {
	return 0, platform.NewValidationError("not a container", nil)
}

func (f *fakeLoader) DropData(ctx context.Context, resource loaders.Resource) (int64, error) {
	return 0, platform.NewValidationError("not a container", nil)
}

func res(id, name string) loaders.Resource {
	return loaders.Resource{
		Kind:       "widget",
		Identifier: id,
		Content:    map[string]any{"externalId": id, "name": name},
	}
}

func TestClassifyPartitionsInstances(t *testing.T) {
	l := &fakeLoader{
		kind: "widget",
		remote: map[string]map[string]any{
			"same":    {"externalId": "same", "name": "same name"},
			"changed": {"externalId": "changed", "name": "old name"},
		},
	}

	plan, err := Classify(context.Background(), l, []loaders.Resource{
		res("same", "same name"),
		res("changed", "new name"),
		res("fresh", "brand new"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(plan.ToCreate) != 1 || plan.ToCreate[0].Identifier != "fresh" {
		t.Errorf("ToCreate = %v, want [fresh]", plan.ToCreate)
	}
	if len(plan.ToUpdate) != 1 || plan.ToUpdate[0].Identifier != "changed" {
		t.Errorf("ToUpdate = %v, want [changed]", plan.ToUpdate)
	}
	if len(plan.Unchanged) != 1 || plan.Unchanged[0].Identifier != "same" {
		t.Errorf("Unchanged = %v, want [same]", plan.Unchanged)
	}
	if l.retrieves != 1 {
		t.Errorf("Retrieve called %d times, want one batched lookup", l.retrieves)
	}
}

func TestClassifyDuplicatesFirstOccurrenceWins(t *testing.T) {
	l := &fakeLoader{kind: "widget"}

	plan, err := Classify(context.Background(), l, []loaders.Resource{
		res("dup", "first"),
		res("dup", "second"),
		res("other", "only"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(plan.Duplicates) != 1 {
		t.Fatalf("Duplicates = %d, want 1", len(plan.Duplicates))
	}
	if plan.Duplicates[0].Content["name"] != "second" {
		t.Errorf("dropped occurrence = %v, want the later one", plan.Duplicates[0].Content["name"])
	}
	for _, created := range plan.ToCreate {
		if created.Identifier == "dup" && created.Content["name"] != "first" {
			t.Errorf("kept occurrence = %v, want the first one", created.Content["name"])
		}
	}
}

func TestClassifyRetriesRetryableLookupOnce(t *testing.T) {
	l := &fakeLoader{
		kind:         "widget",
		retrieveErrs: []error{platform.NewThrottledError("slow down", nil)},
		remote: map[string]map[string]any{
			"same": {"externalId": "same", "name": "same name"},
		},
	}

	plan, err := Classify(context.Background(), l, []loaders.Resource{res("same", "same name")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if l.retrieves != 2 {
		t.Errorf("Retrieve called %d times, want a single retry", l.retrieves)
	}
	if len(plan.Unchanged) != 1 {
		t.Errorf("Unchanged = %d, want 1", len(plan.Unchanged))
	}
}

func TestClassifyFailsKindOnPersistentLookupFailure(t *testing.T) {
	l := &fakeLoader{
		kind: "widget",
		retrieveErrs: []error{
			platform.NewTransientError("unavailable", nil),
			platform.NewTransientError("still unavailable", nil),
		},
	}

	_, err := Classify(context.Background(), l, []loaders.Resource{res("a", "x")}, zerolog.Nop())
	if err == nil {
		t.Fatal("a persistent lookup failure must fail the kind, not default to create")
	}
	if l.retrieves != 2 {
		t.Errorf("Retrieve called %d times, want exactly one retry", l.retrieves)
	}
}

func TestClassifyDoesNotRetryPermanentLookupFailure(t *testing.T) {
	l := &fakeLoader{
		kind:         "widget",
		retrieveErrs: []error{platform.NewAuthorizationError("no access", nil)},
	}

	_, err := Classify(context.Background(), l, []loaders.Resource{res("a", "x")}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected the lookup failure to surface")
	}
	if l.retrieves != 1 {
		t.Errorf("Retrieve called %d times, permanent failures must not be retried", l.retrieves)
	}
}

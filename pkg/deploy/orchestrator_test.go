package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/loaders"
	"github.com/stratadata/stratactl/pkg/platform"
)

// fakePlatform is an in-memory stand-in for the resource APIs: items are
// keyed by externalId per resource path, and every mutating call is
// counted so tests can assert dry-run purity.
type fakePlatform struct {
	mu     sync.Mutex
	stores map[string]map[string]map[string]any
	counts map[string]int64

	caps         platform.CapabilitySet
	writeCalls   atomic.Int64
	inspectCalls atomic.Int64
	failCreate   map[string]bool
}

func newFakePlatform(caps platform.CapabilitySet) *fakePlatform {
	return &fakePlatform{
		stores:     make(map[string]map[string]map[string]any),
		counts:     make(map[string]int64),
		caps:       caps,
		failCreate: make(map[string]bool),
	}
}

func (f *fakePlatform) seed(resource, id string, item map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stores[resource] == nil {
		f.stores[resource] = make(map[string]map[string]any)
	}
	f.stores[resource][id] = item
}

func (f *fakePlatform) stored(resource string) map[string]map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stores[resource]
}

func (f *fakePlatform) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/token/inspect" {
			f.inspectCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"capabilities": f.caps})
			return
		}

		rel := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/test-project/")
		resource, op := rel, "create"
		for _, known := range []string{"byids", "update", "delete", "count", "purge"} {
			if strings.HasSuffix(rel, "/"+known) {
				resource, op = strings.TrimSuffix(rel, "/"+known), known
				break
			}
		}

		var req struct {
			Items []map[string]any `json:"items"`
			Item  map[string]any   `json:"item"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch op {
		case "byids":
			var out []map[string]any
			for _, ref := range req.Items {
				id, _ := ref["externalId"].(string)
				if item, ok := f.stores[resource][id]; ok {
					out = append(out, item)
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"items": out})
		case "create", "update":
			f.writeCalls.Add(1)
			if op == "create" && f.failCreate[resource] {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":{"message":"backend unavailable"}}`))
				return
			}
			if f.stores[resource] == nil {
				f.stores[resource] = make(map[string]map[string]any)
			}
			for _, item := range req.Items {
				id, _ := item["externalId"].(string)
				f.stores[resource][id] = item
			}
			w.Write([]byte(`{"items":[]}`))
		case "delete":
			f.writeCalls.Add(1)
			for _, ref := range req.Items {
				id, _ := ref["externalId"].(string)
				delete(f.stores[resource], id)
			}
			w.Write([]byte(`{"items":[]}`))
		case "count":
			id, _ := req.Item["externalId"].(string)
			json.NewEncoder(w).Encode(map[string]any{"count": f.counts[id]})
		case "purge":
			f.writeCalls.Add(1)
			id, _ := req.Item["externalId"].(string)
			dropped := f.counts[id]
			f.counts[id] = 0
			json.NewEncoder(w).Encode(map[string]any{"dropped": dropped})
		}
	})
}

func allCaps(names ...string) platform.CapabilitySet {
	caps := make(platform.CapabilitySet, 0, len(names))
	for _, name := range names {
		caps = append(caps, platform.Capability{Name: name, Scope: platform.AllScope()})
	}
	return caps
}

func newTestOrchestrator(t *testing.T, fp *fakePlatform) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(fp.handler())
	t.Cleanup(srv.Close)

	client, err := platform.NewClient(platform.Config{
		BaseURL:  srv.URL,
		Project:  "test-project",
		Token:    "test-token",
		RetryMax: 1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	executor := platform.NewExecutor(platform.ExecutorConfig{
		MaxWorkers:  2,
		BatchSize:   100,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	}, zerolog.Nop())

	registry, err := loaders.NewRegistry(client, executor, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return NewOrchestrator(registry, client, zerolog.Nop())
}

func kindResult(t *testing.T, result *RunResult, kind string) KindResult {
	t.Helper()
	for _, kr := range result.Kinds {
		if kr.Kind == kind {
			return kr
		}
	}
	t.Fatalf("no result for kind %s", kind)
	return KindResult{}
}

func TestDeployThenRerunThenClean(t *testing.T) {
	fp := newFakePlatform(allCaps("datasets:write", "functions:write"))
	o := newTestOrchestrator(t, fp)

	resources := map[string][]loaders.Resource{
		"dataset": {
			{Kind: "dataset", Identifier: "ds1", Content: map[string]any{"externalId": "ds1", "name": "Core"}},
		},
		"function": {
			{Kind: "function", Identifier: "fn1", Content: map[string]any{"externalId": "fn1", "name": "transform"}},
		},
	}

	result, err := o.Run(context.Background(), RunOptions{Mode: ModeDeploy, Resources: resources})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("state = %s, want %s", result.State, StateDone)
	}
	if result.Kinds[0].Kind != "dataset" || result.Kinds[1].Kind != "function" {
		t.Errorf("deploy order = %s, %s; datasets must precede functions",
			result.Kinds[0].Kind, result.Kinds[1].Kind)
	}
	if kr := kindResult(t, result, "dataset"); kr.Created != 1 {
		t.Errorf("dataset created = %d, want 1", kr.Created)
	}
	if kr := kindResult(t, result, "function"); kr.Created != 1 {
		t.Errorf("function created = %d, want 1", kr.Created)
	}

	// A second identical run converges to all unchanged.
	writesBefore := fp.writeCalls.Load()
	rerun, err := o.Run(context.Background(), RunOptions{Mode: ModeDeploy, Resources: resources})
	if err != nil {
		t.Fatalf("Run() rerun error = %v", err)
	}
	for _, kr := range rerun.Kinds {
		if kr.Unchanged != 1 || kr.Created != 0 || kr.Changed != 0 {
			t.Errorf("rerun %s: created=%d changed=%d unchanged=%d, want all unchanged",
				kr.Kind, kr.Created, kr.Changed, kr.Unchanged)
		}
	}
	if got := fp.writeCalls.Load(); got != writesBefore {
		t.Errorf("rerun issued %d writes, want 0", got-writesBefore)
	}

	// Clean visits dependents first and skips undeletable kinds.
	clean, err := o.Run(context.Background(), RunOptions{Mode: ModeClean, Resources: resources, Drop: true})
	if err != nil {
		t.Fatalf("Run() clean error = %v", err)
	}
	if clean.Kinds[0].Kind != "function" || clean.Kinds[1].Kind != "dataset" {
		t.Errorf("clean order = %s, %s; functions must precede datasets",
			clean.Kinds[0].Kind, clean.Kinds[1].Kind)
	}
	if kr := kindResult(t, clean, "function"); kr.Deleted != 1 {
		t.Errorf("function deleted = %d, want 1", kr.Deleted)
	}
	kr := kindResult(t, clean, "dataset")
	if !kr.Skipped || kr.Deleted != 0 {
		t.Errorf("dataset skipped=%v deleted=%d, want skipped with nothing deleted", kr.Skipped, kr.Deleted)
	}
	if len(fp.stored("functions")) != 0 {
		t.Error("functions must be gone after clean")
	}
	if len(fp.stored("datasets")) != 1 {
		t.Error("datasets must survive clean")
	}
}

func TestDeployUpdatesChangedInstances(t *testing.T) {
	fp := newFakePlatform(allCaps("timeseries:write"))
	fp.seed("timeseries", "ts1", map[string]any{"externalId": "ts1", "name": "old name", "id": float64(42)})
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode: ModeDeploy,
		Resources: map[string][]loaders.Resource{
			"timeseries": {
				{Kind: "timeseries", Identifier: "ts1", Content: map[string]any{"externalId": "ts1", "name": "new name"}},
				{Kind: "timeseries", Identifier: "ts2", Content: map[string]any{"externalId": "ts2", "name": "fresh"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	kr := kindResult(t, result, "timeseries")
	if kr.Created != 1 || kr.Changed != 1 || kr.Unchanged != 0 {
		t.Errorf("created=%d changed=%d unchanged=%d, want 1/1/0", kr.Created, kr.Changed, kr.Unchanged)
	}
	if got := fp.stored("timeseries")["ts1"]["name"]; got != "new name" {
		t.Errorf("ts1 name after deploy = %v, want the updated value", got)
	}
}

func TestDeployDuplicateIdentifiersFirstWins(t *testing.T) {
	fp := newFakePlatform(allCaps("timeseries:write"))
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode: ModeDeploy,
		Resources: map[string][]loaders.Resource{
			"timeseries": {
				{Kind: "timeseries", Identifier: "dup", Content: map[string]any{"externalId": "dup", "name": "first"}},
				{Kind: "timeseries", Identifier: "dup", Content: map[string]any{"externalId": "dup", "name": "second"}},
				{Kind: "timeseries", Identifier: "other", Content: map[string]any{"externalId": "other", "name": "only"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	kr := kindResult(t, result, "timeseries")
	if kr.Created != 2 || kr.Duplicates != 1 {
		t.Errorf("created=%d duplicates=%d, want 2/1", kr.Created, kr.Duplicates)
	}
	if got := fp.stored("timeseries")["dup"]["name"]; got != "first" {
		t.Errorf("duplicate resolution kept %v, want the first occurrence", got)
	}
}

func TestDeployDryRunIssuesNoWrites(t *testing.T) {
	fp := newFakePlatform(nil)
	fp.seed("timeseries", "ts1", map[string]any{"externalId": "ts1", "name": "old"})
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode:   ModeDeploy,
		DryRun: true,
		Resources: map[string][]loaders.Resource{
			"timeseries": {
				{Kind: "timeseries", Identifier: "ts1", Content: map[string]any{"externalId": "ts1", "name": "new"}},
				{Kind: "timeseries", Identifier: "ts2", Content: map[string]any{"externalId": "ts2", "name": "fresh"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	kr := kindResult(t, result, "timeseries")
	if kr.Created != 1 || kr.Changed != 1 {
		t.Errorf("created=%d changed=%d, want 1/1", kr.Created, kr.Changed)
	}
	if got := fp.writeCalls.Load(); got != 0 {
		t.Errorf("dry run issued %d writes, want 0", got)
	}
	if got := fp.inspectCalls.Load(); got != 0 {
		t.Errorf("dry run inspected the token %d times, want 0", got)
	}
}

func TestDeployDryRunWithDropCountsRecreation(t *testing.T) {
	fp := newFakePlatform(nil)
	fp.seed("functions", "fn1", map[string]any{"externalId": "fn1", "name": "transform"})
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode:   ModeDeploy,
		DryRun: true,
		Drop:   true,
		Resources: map[string][]loaders.Resource{
			"function": {
				{Kind: "function", Identifier: "fn1", Content: map[string]any{"externalId": "fn1", "name": "transform"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	kr := kindResult(t, result, "function")
	if kr.Created != 1 || kr.Unchanged != 0 {
		t.Errorf("created=%d unchanged=%d, want destroy-and-recreate to report 1 created", kr.Created, kr.Unchanged)
	}
}

func TestCleanContainerDataHandling(t *testing.T) {
	fp := newFakePlatform(allCaps("timeseries:write"))
	fp.seed("timeseries", "ts1", map[string]any{"externalId": "ts1", "name": "Temperature"})
	fp.counts["ts1"] = 1000
	o := newTestOrchestrator(t, fp)

	resources := map[string][]loaders.Resource{
		"timeseries": {
			{Kind: "timeseries", Identifier: "ts1", Content: map[string]any{"externalId": "ts1", "name": "Temperature"}},
		},
	}

	// Without --drop-data the contained data stays untouched.
	result, err := o.Run(context.Background(), RunOptions{Mode: ModeClean, Resources: resources})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if kr := kindResult(t, result, "timeseries"); kr.DroppedItems != 0 {
		t.Errorf("DroppedItems = %d without --drop-data, want 0", kr.DroppedItems)
	}

	// A dry run reports the volume without purging.
	writesBefore := fp.writeCalls.Load()
	result, err = o.Run(context.Background(), RunOptions{
		Mode: ModeClean, Resources: resources, DropData: true, Drop: true, DryRun: true,
	})
	if err != nil {
		t.Fatalf("Run() dry-run error = %v", err)
	}
	kr := kindResult(t, result, "timeseries")
	if kr.DroppedItems != 1000 || kr.Deleted != 1 {
		t.Errorf("dry run dropped=%d deleted=%d, want 1000/1", kr.DroppedItems, kr.Deleted)
	}
	if got := fp.writeCalls.Load(); got != writesBefore {
		t.Errorf("dry run issued %d writes, want 0", got-writesBefore)
	}

	// The real run purges the data, then drops the configuration.
	result, err = o.Run(context.Background(), RunOptions{
		Mode: ModeClean, Resources: resources, DropData: true, Drop: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	kr = kindResult(t, result, "timeseries")
	if kr.DroppedItems != 1000 || kr.Deleted != 1 {
		t.Errorf("dropped=%d deleted=%d, want 1000/1", kr.DroppedItems, kr.Deleted)
	}
	if fp.counts["ts1"] != 0 {
		t.Error("contained data must be purged")
	}
	if len(fp.stored("timeseries")) != 0 {
		t.Error("configuration must be deleted after the purge")
	}
}

func TestRunContinuesPastFailedKind(t *testing.T) {
	fp := newFakePlatform(allCaps("datasets:write", "groups:write"))
	fp.failCreate["datasets"] = true
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode: ModeDeploy,
		Resources: map[string][]loaders.Resource{
			"dataset": {{Kind: "dataset", Identifier: "ds1", Content: map[string]any{"externalId": "ds1"}}},
			"group":   {{Kind: "group", Identifier: "admins", Content: map[string]any{"externalId": "admins"}}},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != StateFailed {
		t.Errorf("state = %s, want %s", result.State, StateFailed)
	}
	if kr := kindResult(t, result, "dataset"); kr.Failed != 1 || kr.Err == nil {
		t.Errorf("dataset failed=%d err=%v, want the failure surfaced", kr.Failed, kr.Err)
	}
	if kr := kindResult(t, result, "group"); kr.Created != 1 {
		t.Errorf("group created = %d, the independent kind must still run", kr.Created)
	}
}

func TestMissingCapabilitySkipsKind(t *testing.T) {
	fp := newFakePlatform(allCaps("groups:write"))
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode: ModeDeploy,
		Resources: map[string][]loaders.Resource{
			"dataset": {{Kind: "dataset", Identifier: "ds1", Content: map[string]any{"externalId": "ds1"}}},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	kr := kindResult(t, result, "dataset")
	if kr.Err == nil || !platform.IsAuthorization(kr.Err) {
		t.Fatalf("err = %v, want an authorization error", kr.Err)
	}
	if got := fp.writeCalls.Load(); got != 0 {
		t.Errorf("issued %d writes despite missing capabilities, want 0", got)
	}
}

func TestIncludeRejectsUnknownKind(t *testing.T) {
	fp := newFakePlatform(nil)
	o := newTestOrchestrator(t, fp)

	_, err := o.Run(context.Background(), RunOptions{
		Mode:      ModeDeploy,
		DryRun:    true,
		Include:   []string{"not-a-kind"},
		Resources: map[string][]loaders.Resource{},
	})
	if err == nil || !strings.Contains(err.Error(), "not-a-kind") {
		t.Fatalf("err = %v, want unknown kind rejected by name", err)
	}
}

func TestIncludeFiltersKinds(t *testing.T) {
	fp := newFakePlatform(nil)
	o := newTestOrchestrator(t, fp)

	result, err := o.Run(context.Background(), RunOptions{
		Mode:    ModeDeploy,
		DryRun:  true,
		Include: []string{"group"},
		Resources: map[string][]loaders.Resource{
			"dataset": {{Kind: "dataset", Identifier: "ds1", Content: map[string]any{"externalId": "ds1"}}},
			"group":   {{Kind: "group", Identifier: "admins", Content: map[string]any{"externalId": "admins"}}},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Kinds) != 1 || result.Kinds[0].Kind != "group" {
		t.Fatalf("kinds = %v, want only group", result.Kinds)
	}
}

type denyAllPolicy struct {
	inputs []map[string]any
}

func (p *denyAllPolicy) Evaluate(ctx context.Context, input map[string]any) error {
	p.inputs = append(p.inputs, input)
	return errors.New("deploys are frozen")
}

func TestPolicyGateBlocksBeforeApplying(t *testing.T) {
	fp := newFakePlatform(allCaps("groups:write"))
	policy := &denyAllPolicy{}
	o := newTestOrchestrator(t, fp).WithPolicy(policy)

	result, err := o.Run(context.Background(), RunOptions{
		Mode:        ModeDeploy,
		Environment: "prod",
		Resources: map[string][]loaders.Resource{
			"group": {{Kind: "group", Identifier: "admins", Content: map[string]any{"externalId": "admins"}}},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "deploys are frozen") {
		t.Fatalf("err = %v, want the policy denial", err)
	}
	if result.State != StateFailed {
		t.Errorf("state = %s, want %s", result.State, StateFailed)
	}
	if got := fp.writeCalls.Load(); got != 0 {
		t.Errorf("policy denial must stop the run before any write, got %d", got)
	}
	if len(policy.inputs) != 1 {
		t.Fatalf("policy evaluated %d times, want 1", len(policy.inputs))
	}
	input := policy.inputs[0]
	if input["environment"] != "prod" || input["mode"] != string(ModeDeploy) {
		t.Errorf("policy input = %v, want mode and environment present", input)
	}
	kinds, _ := input["kinds"].(map[string]any)
	group, _ := kinds["group"].(map[string]any)
	if group == nil || group["create"] != 1 {
		t.Errorf("policy input kinds = %v, want the group plan with create=1", kinds)
	}
}

func TestRunTotalsAggregateKinds(t *testing.T) {
	result := &RunResult{
		Kinds: []KindResult{
			{Kind: "dataset", Created: 2, Unchanged: 1},
			{Kind: "timeseries", Changed: 3, Failed: 1, Err: fmt.Errorf("boom")},
		},
	}
	totals := result.Totals()
	if totals.Created != 2 || totals.Changed != 3 || totals.Unchanged != 1 || totals.Failed != 1 {
		t.Errorf("totals = %+v", totals)
	}
	if !result.Failed() {
		t.Error("a run with a failed kind must report failure")
	}
}

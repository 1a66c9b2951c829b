package loaders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// Loader is the per-kind adapter between authored manifests and the
// platform API. There is exactly one implementation per resource kind,
// registered in the static catalogue; consumers never construct loaders
// directly.
type Loader interface {
	// Kind returns the kind name, unique across the catalogue.
	Kind() string

	// Folder is the module subfolder the kind's manifests live in.
	// Multiple kinds may share a folder; FilePattern disambiguates.
	Folder() string

	// FilePattern is the glob matched against manifest file names
	// within Folder.
	FilePattern() string

	// DependsOn lists kind names that must be deployed before this
	// kind. Clean runs in the reverse order.
	DependsOn() []string

	// ResourceContainer reports whether instances hold bulk data that
	// must be purged before the instance itself can be dropped.
	ResourceContainer() bool

	// SupportsDelete reports whether the platform can delete instances
	// of this kind at all.
	SupportsDelete() bool

	// Identifier extracts the canonical identity string from parsed
	// manifest or remote content.
	Identifier(content map[string]any) (string, error)

	// Ref builds the platform reference object used to retrieve or
	// delete an instance by identity.
	Ref(content map[string]any) (json.RawMessage, error)

	// RequiredCapabilities computes the token capabilities a deploy of
	// the given instances needs, scoped as narrowly as the kind allows.
	RequiredCapabilities(resources []Resource) []platform.Capability

	// Equal reports whether the local definition matches the remote
	// state. Only locally declared fields participate; server-populated
	// fields on the remote side are ignored.
	Equal(local, remote map[string]any) bool

	// Retrieve looks up the remote state of the given instances in one
	// batched pass. Unknown identifiers are silently absent from the
	// result, which is keyed by canonical identifier.
	Retrieve(ctx context.Context, resources []Resource) (map[string]map[string]any, error)

	// Create pushes new instances.
	Create(ctx context.Context, resources []Resource) *platform.Report

	// Update replaces changed instances.
	Update(ctx context.Context, resources []Resource) *platform.Report

	// Delete drops instances. Identifiers unknown to the platform are
	// treated as already deleted.
	Delete(ctx context.Context, resources []Resource) *platform.Report

	// CountData returns the amount of contained data for one instance
	// of a resource-container kind.
	CountData(ctx context.Context, resource Resource) (int64, error)

	// DropData purges the contained data of one instance and returns
	// the number of records dropped.
	DropData(ctx context.Context, resource Resource) (int64, error)
}

// asyncDeleteRecheck is how long to wait before re-checking a delete that
// the platform acknowledges asynchronously.
const asyncDeleteRecheck = 5 * time.Second

// retrieveChunkSize caps how many references go into a single byids call.
const retrieveChunkSize = 1000

// rest carries the shared REST plumbing every kind adapter embeds. The
// embedding kind struct overrides the descriptor methods and, where the
// kind needs it, Equal.
type rest struct {
	client   *platform.Client
	executor *platform.Executor
	logger   zerolog.Logger

	// resource is the API path segment for the kind.
	resource string

	// dataResource is the API path segment for contained bulk data.
	// Empty for kinds that are not resource containers.
	dataResource string

	// asyncDelete marks kinds whose delete is acknowledged before the
	// instance is actually gone; Delete re-checks once after a pause.
	asyncDelete bool

	idFn  func(content map[string]any) (string, error)
	refFn func(content map[string]any) (json.RawMessage, error)

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRest(client *platform.Client, executor *platform.Executor, logger zerolog.Logger, resource string) rest {
	return rest{
		client:   client,
		executor: executor,
		logger:   logger,
		resource: resource,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

func (r *rest) ResourceContainer() bool { return r.dataResource != "" }
func (r *rest) SupportsDelete() bool    { return true }

func (r *rest) Identifier(content map[string]any) (string, error) { return r.idFn(content) }

func (r *rest) Ref(content map[string]any) (json.RawMessage, error) { return r.refFn(content) }

func (r *rest) Equal(local, remote map[string]any) bool {
	return subsetEqual(local, remote)
}

func (r *rest) Retrieve(ctx context.Context, resources []Resource) (map[string]map[string]any, error) {
	refs, err := r.refs(resources)
	if err != nil {
		return nil, err
	}
	remote := make(map[string]map[string]any, len(resources))
	for start := 0; start < len(refs); start += retrieveChunkSize {
		end := start + retrieveChunkSize
		if end > len(refs) {
			end = len(refs)
		}
		items, err := r.client.RetrieveItems(ctx, r.resource, refs[start:end])
		if err != nil {
			return nil, err
		}
		for _, raw := range items {
			var content map[string]any
			if err := json.Unmarshal(raw, &content); err != nil {
				return nil, platform.NewValidationError(fmt.Sprintf("decode %s item", r.resource), err)
			}
			id, err := r.idFn(content)
			if err != nil {
				return nil, err
			}
			remote[id] = content
		}
	}
	return remote, nil
}

func (r *rest) Create(ctx context.Context, resources []Resource) *platform.Report {
	items, rep := r.items(resources)
	if rep != nil {
		return rep
	}
	return r.executor.Run(ctx, items, func(ctx context.Context, batch []json.RawMessage) error {
		return r.client.CreateItems(ctx, r.resource, batch)
	})
}

func (r *rest) Update(ctx context.Context, resources []Resource) *platform.Report {
	items, rep := r.items(resources)
	if rep != nil {
		return rep
	}
	return r.executor.Run(ctx, items, func(ctx context.Context, batch []json.RawMessage) error {
		return r.client.UpdateItems(ctx, r.resource, batch)
	})
}

func (r *rest) Delete(ctx context.Context, resources []Resource) *platform.Report {
	refs, err := r.refs(resources)
	if err != nil {
		rep := &platform.Report{}
		for i := range resources {
			rep.Failures = append(rep.Failures, platform.ItemFailure{Index: i, Err: err})
		}
		return rep
	}
	rep := r.executor.Run(ctx, refs, func(ctx context.Context, batch []json.RawMessage) error {
		return r.client.DeleteItems(ctx, r.resource, batch)
	})
	if !r.asyncDelete || rep.Failed() == 0 {
		return rep
	}
	// The platform may still be tearing the instances down. Give it a
	// moment and retry the leftovers once.
	if err := r.sleep(ctx, asyncDeleteRecheck); err != nil {
		return rep
	}
	retry := make([]json.RawMessage, 0, len(rep.Failures))
	for _, f := range rep.Failures {
		retry = append(retry, refs[f.Index])
	}
	r.logger.Debug().Str("resource", r.resource).Int("count", len(retry)).Msg("re-checking asynchronous delete")
	second := r.executor.Run(ctx, retry, func(ctx context.Context, batch []json.RawMessage) error {
		return r.client.DeleteItems(ctx, r.resource, batch)
	})
	merged := &platform.Report{
		Succeeded: rep.Succeeded + second.Succeeded,
		Conflicts: rep.Conflicts + second.Conflicts,
		Retries:   rep.Retries + second.Retries,
		Splits:    rep.Splits + second.Splits,
	}
	for _, f := range second.Failures {
		merged.Failures = append(merged.Failures, platform.ItemFailure{Index: rep.Failures[f.Index].Index, Err: f.Err})
	}
	return merged
}

func (r *rest) CountData(ctx context.Context, resource Resource) (int64, error) {
	if r.dataResource == "" {
		return 0, platform.NewValidationError(fmt.Sprintf("kind %s holds no contained data", resource.Kind), nil)
	}
	ref, err := r.refFn(resource.Content)
	if err != nil {
		return 0, err
	}
	return r.client.CountContained(ctx, r.dataResource, ref)
}

func (r *rest) DropData(ctx context.Context, resource Resource) (int64, error) {
	if r.dataResource == "" {
		return 0, platform.NewValidationError(fmt.Sprintf("kind %s holds no contained data", resource.Kind), nil)
	}
	ref, err := r.refFn(resource.Content)
	if err != nil {
		return 0, err
	}
	return r.client.PurgeContained(ctx, r.dataResource, ref)
}

func (r *rest) items(resources []Resource) ([]json.RawMessage, *platform.Report) {
	items := make([]json.RawMessage, 0, len(resources))
	for i, res := range resources {
		raw, err := json.Marshal(res.Content)
		if err != nil {
			rep := &platform.Report{Succeeded: 0}
			rep.Failures = append(rep.Failures, platform.ItemFailure{Index: i, Err: err})
			return nil, rep
		}
		items = append(items, raw)
	}
	return items, nil
}

func (r *rest) refs(resources []Resource) ([]json.RawMessage, error) {
	refs := make([]json.RawMessage, 0, len(resources))
	for _, res := range resources {
		ref, err := r.refFn(res.Content)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", res.Kind, res.Identifier, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// subsetEqual reports whether every field declared in local matches the
// corresponding remote field. Remote fields absent from local, typically
// populated server side, do not count against equality. Both sides are
// normalized through JSON so YAML integer and JSON float encodings of the
// same number compare equal.
func subsetEqual(local, remote map[string]any) bool {
	for key, lv := range local {
		rv, ok := remote[key]
		if !ok {
			return false
		}
		if !cmp.Equal(normalizeJSON(lv), normalizeJSON(rv)) {
			return false
		}
	}
	return true
}

func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// stringField extracts a required string field from parsed content.
func stringField(content map[string]any, key string) (string, error) {
	v, ok := content[key]
	if !ok {
		return "", platform.NewValidationError(fmt.Sprintf("missing required field %q", key), nil)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", platform.NewValidationError(fmt.Sprintf("field %q must be a non-empty string", key), nil)
	}
	return s, nil
}

// externalID is the identifier extractor shared by kinds keyed on a bare
// external id.
func externalID(content map[string]any) (string, error) {
	return stringField(content, "externalId")
}

func externalIDRef(content map[string]any) (json.RawMessage, error) {
	id, err := externalID(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"externalId": id})
}

// scopedWrite builds the write capability for a kind whose access can be
// scoped by a content field. Instances missing the field widen the scope
// to everything.
func scopedWrite(name, scopeKey string, resources []Resource) []platform.Capability {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(resources))
	for _, res := range resources {
		v, ok := res.Content[scopeKey].(string)
		if !ok || v == "" {
			return []platform.Capability{{Name: name, Scope: platform.AllScope()}}
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		ids = append(ids, v)
	}
	sort.Strings(ids)
	return []platform.Capability{{Name: name, Scope: platform.ScopeTo(ids)}}
}

func unscopedWrite(name string) []platform.Capability {
	return []platform.Capability{{Name: name, Scope: platform.AllScope()}}
}

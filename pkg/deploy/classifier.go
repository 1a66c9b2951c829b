package deploy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/loaders"
	"github.com/stratadata/stratactl/pkg/platform"
)

// Plan partitions one kind's local instances against the remote state.
// List order follows the order instances were built, so dry-run output
// is reproducible.
type Plan struct {
	Kind string

	ToCreate   []loaders.Resource
	ToUpdate   []loaders.Resource
	Unchanged  []loaders.Resource
	Duplicates []loaders.Resource
}

// Classify computes the deployment plan for one kind. Local duplicates
// are dropped first (first occurrence wins), then a single batched
// lookup fetches the remote state of the survivors. A lookup that fails
// with a retryable error is retried once; if it still fails the kind is
// failed rather than defaulting every instance to create, which could
// duplicate resources that do exist remotely.
func Classify(ctx context.Context, loader loaders.Loader, local []loaders.Resource, logger zerolog.Logger) (*Plan, error) {
	plan := &Plan{Kind: loader.Kind()}

	seen := make(map[string]struct{}, len(local))
	deduped := make([]loaders.Resource, 0, len(local))
	for _, res := range local {
		if _, dup := seen[res.Identifier]; dup {
			logger.Warn().
				Str("kind", res.Kind).
				Str("identifier", res.Identifier).
				Str("source", res.Source.String()).
				Msg("duplicate identifier, instance will not be deployed twice")
			plan.Duplicates = append(plan.Duplicates, res)
			continue
		}
		seen[res.Identifier] = struct{}{}
		deduped = append(deduped, res)
	}

	if len(deduped) == 0 {
		return plan, nil
	}

	remote, err := loader.Retrieve(ctx, deduped)
	if err != nil && platform.IsRetryable(err) {
		logger.Warn().Err(err).Str("kind", plan.Kind).Msg("remote lookup failed, retrying once")
		remote, err = loader.Retrieve(ctx, deduped)
	}
	if err != nil {
		return nil, fmt.Errorf("classify %s: remote lookup failed: %w", plan.Kind, err)
	}

	for _, res := range deduped {
		state, exists := remote[res.Identifier]
		switch {
		case !exists:
			plan.ToCreate = append(plan.ToCreate, res)
		case loader.Equal(res.Content, state):
			plan.Unchanged = append(plan.Unchanged, res)
		default:
			plan.ToUpdate = append(plan.ToUpdate, res)
		}
	}
	return plan, nil
}

// Instances returns every instance the plan would touch, deduplicated.
func (p *Plan) Instances() []loaders.Resource {
	out := make([]loaders.Resource, 0, len(p.ToCreate)+len(p.ToUpdate)+len(p.Unchanged))
	out = append(out, p.ToCreate...)
	out = append(out, p.ToUpdate...)
	out = append(out, p.Unchanged...)
	return out
}

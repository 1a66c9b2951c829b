package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/loaders"
	"github.com/stratadata/stratactl/pkg/platform"
	"github.com/stratadata/stratactl/pkg/telemetry"
)

// PolicyGate vets a run before anything is written. Evaluate returns an
// error to block the run.
type PolicyGate interface {
	Evaluate(ctx context.Context, input map[string]any) error
}

// RunOptions configures one deploy or clean run.
type RunOptions struct {
	// Mode selects deploy or clean.
	Mode Mode

	// Environment and Project annotate the run for reporting.
	Environment string
	Project     string

	// Resources are the built instances, grouped by kind.
	Resources map[string][]loaders.Resource

	// Include restricts the run to the named kinds. Empty means all
	// kinds present in Resources.
	Include []string

	// DryRun reports what would happen without issuing any write.
	DryRun bool

	// Drop deletes configuration objects (clean), or simulates
	// destroy-and-recreate counters (deploy dry-run).
	Drop bool

	// DropData purges contained data of resource-container kinds.
	DropData bool
}

// Orchestrator drives runs: kinds are visited strictly sequentially in
// dependency order, while writes within one kind fan out through the
// batch executor.
type Orchestrator struct {
	registry *loaders.Registry
	client   *platform.Client
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	policy   PolicyGate
}

// NewOrchestrator creates an orchestrator over the given registry.
func NewOrchestrator(registry *loaders.Registry, client *platform.Client, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		client:   client,
		logger:   logger.With().Str("component", "deploy").Logger(),
	}
}

// WithMetrics attaches a metrics collector.
func (o *Orchestrator) WithMetrics(m *telemetry.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithTracer attaches a tracer.
func (o *Orchestrator) WithTracer(t *telemetry.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// WithPolicy attaches a policy gate evaluated before the applying phase.
func (o *Orchestrator) WithPolicy(p PolicyGate) *Orchestrator {
	o.policy = p
	return o
}

// Run executes one deploy or clean. A kind-level failure marks the run
// failed but later independent kinds are still processed; only
// configuration errors and a policy denial abort the run entirely.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	result := &RunResult{
		RunID:       uuid.NewString(),
		Mode:        opts.Mode,
		Environment: opts.Environment,
		Project:     opts.Project,
		DryRun:      opts.DryRun,
		State:       StatePlanning,
		StartedAt:   time.Now(),
	}
	logger := o.logger.With().
		Str("run_id", result.RunID).
		Str("mode", string(opts.Mode)).
		Bool("dry_run", opts.DryRun).
		Logger()

	ctx, span := o.tracer.StartRunSpan(ctx, string(opts.Mode), result.RunID)
	defer span.End()
	o.metrics.RecordRunStarted(string(opts.Mode))

	order, err := o.visitOrder(opts)
	if err != nil {
		return nil, err
	}
	logger.Info().Strs("kinds", order).Msg("run starting")

	// Writes need a capability pre-flight; a dry run issues none.
	var caps platform.CapabilitySet
	haveCaps := false
	if !opts.DryRun {
		caps, err = o.client.InspectToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("inspect token capabilities: %w", err)
		}
		haveCaps = true
	}

	// Planning phase. Deploy classifies every kind up front so the
	// policy gate sees the aggregate plan before the first write.
	plans := make(map[string]*Plan, len(order))
	classifyErrs := make(map[string]error)
	if opts.Mode == ModeDeploy {
		for _, kind := range order {
			loader, _ := o.registry.Loader(kind)
			plan, err := Classify(ctx, loader, opts.Resources[kind], logger)
			if err != nil {
				logger.Error().Err(err).Str("kind", kind).Msg("classification failed, kind will not be applied")
				classifyErrs[kind] = err
				continue
			}
			plans[kind] = plan
		}
	}

	if o.policy != nil {
		if err := o.policy.Evaluate(ctx, policyInput(opts, order, plans)); err != nil {
			result.State = StateFailed
			result.FinishedAt = time.Now()
			return result, fmt.Errorf("policy denied run: %w", err)
		}
	}

	result.State = StateApplying
	for _, kind := range order {
		if err := ctx.Err(); err != nil {
			result.State = StateFailed
			result.FinishedAt = time.Now()
			return result, err
		}

		loader, _ := o.registry.Loader(kind)
		kindCtx, kindSpan := o.tracer.StartKindSpan(ctx, kind)
		kindLogger := logger.With().Str("kind", kind).Logger()

		var kr KindResult
		if opts.Mode == ModeDeploy {
			if cerr, bad := classifyErrs[kind]; bad {
				kr = KindResult{Kind: kind, Err: cerr, Failed: len(opts.Resources[kind])}
			} else {
				kr = o.applyDeploy(kindCtx, loader, plans[kind], caps, haveCaps, opts, kindLogger)
			}
		} else {
			kr = o.applyClean(kindCtx, loader, opts.Resources[kind], caps, haveCaps, opts, kindLogger)
		}

		if kr.OK() {
			telemetry.RecordSuccess(kindSpan)
		} else {
			telemetry.RecordError(kindSpan, kr.Err)
			o.metrics.RecordKindFailed(string(opts.Mode), kind)
		}
		kindSpan.End()

		o.recordKindMetrics(opts.Mode, &kr)
		result.Kinds = append(result.Kinds, kr)
		kindLogger.Info().
			Int("created", kr.Created).
			Int("changed", kr.Changed).
			Int("unchanged", kr.Unchanged).
			Int("deleted", kr.Deleted).
			Int("failed", kr.Failed).
			Int64("dropped_items", kr.DroppedItems).
			Msg("kind finished")
	}

	result.FinishedAt = time.Now()
	if result.Failed() {
		result.State = StateFailed
	} else {
		result.State = StateDone
	}
	o.metrics.RecordRunCompleted(string(opts.Mode), string(result.State), result.FinishedAt.Sub(result.StartedAt))
	logger.Info().Str("state", string(result.State)).Msg("run finished")
	return result, nil
}

// visitOrder filters the catalogue order down to the kinds this run
// touches: dependency order for deploy, reversed for clean.
func (o *Orchestrator) visitOrder(opts RunOptions) ([]string, error) {
	kinds := make([]string, 0, len(opts.Resources))
	if len(opts.Include) > 0 {
		included := make(map[string]struct{}, len(opts.Include))
		for _, kind := range opts.Include {
			if _, ok := o.registry.Loader(kind); !ok {
				return nil, fmt.Errorf("unknown kind in --include: %s", kind)
			}
			included[kind] = struct{}{}
		}
		for kind := range opts.Resources {
			if _, ok := included[kind]; ok {
				kinds = append(kinds, kind)
			}
		}
	} else {
		for kind := range opts.Resources {
			if _, ok := o.registry.Loader(kind); !ok {
				return nil, fmt.Errorf("no loader for kind: %s", kind)
			}
			kinds = append(kinds, kind)
		}
	}

	if opts.Mode == ModeClean {
		return o.registry.CleanOrder(kinds), nil
	}
	return o.registry.DeployOrder(kinds), nil
}

func (o *Orchestrator) applyDeploy(ctx context.Context, loader loaders.Loader, plan *Plan, caps platform.CapabilitySet, haveCaps bool, opts RunOptions, logger zerolog.Logger) KindResult {
	kr := KindResult{Kind: plan.Kind, Duplicates: len(plan.Duplicates)}

	if haveCaps {
		required := loader.RequiredCapabilities(plan.Instances())
		if missing := caps.Missing(required); len(missing) > 0 {
			kr.Err = platform.NewAuthorizationError(
				fmt.Sprintf("missing capabilities: %s", capabilityNames(missing)), nil)
			kr.Failed = len(plan.ToCreate) + len(plan.ToUpdate)
			logger.Error().Err(kr.Err).Msg("capability pre-flight failed, kind skipped")
			return kr
		}
	}

	if opts.DryRun {
		kr.Created = len(plan.ToCreate)
		kr.Changed = len(plan.ToUpdate)
		kr.Unchanged = len(plan.Unchanged)
		if opts.Drop && (!loader.ResourceContainer() || opts.DropData) {
			// Everything would be destroyed and recreated.
			kr.Created += kr.Changed + kr.Unchanged
			kr.Changed = 0
			kr.Unchanged = 0
		}
		return kr
	}

	if len(plan.ToCreate) > 0 {
		rep := loader.Create(ctx, plan.ToCreate)
		kr.Created = rep.Succeeded
		kr.Failed += len(rep.Failures)
		// A conflict on create means the instance already exists.
		kr.Unchanged += rep.Conflicts
		o.metrics.RecordBatchActivity(plan.Kind, rep.Retries, rep.Splits)
		if rep.Failed() > 0 {
			kr.Err = rep.Err()
			logger.Error().Err(kr.Err).Int("failed", len(rep.Failures)).Msg("create partially failed")
		}
	}

	if len(plan.ToUpdate) > 0 {
		rep := loader.Update(ctx, plan.ToUpdate)
		kr.Changed = rep.Succeeded
		kr.Failed += len(rep.Failures)
		o.metrics.RecordBatchActivity(plan.Kind, rep.Retries, rep.Splits)
		if rep.Failed() > 0 {
			if kr.Err == nil {
				kr.Err = rep.Err()
			}
			logger.Error().Int("failed", len(rep.Failures)).Msg("update partially failed")
		}
	}

	kr.Unchanged += len(plan.Unchanged)
	return kr
}

func (o *Orchestrator) applyClean(ctx context.Context, loader loaders.Loader, local []loaders.Resource, caps platform.CapabilitySet, haveCaps bool, opts RunOptions, logger zerolog.Logger) KindResult {
	kind := loader.Kind()
	kr := KindResult{Kind: kind}

	// Never act on the same identifier twice.
	seen := make(map[string]struct{}, len(local))
	resources := make([]loaders.Resource, 0, len(local))
	for _, res := range local {
		if _, dup := seen[res.Identifier]; dup {
			kr.Duplicates++
			continue
		}
		seen[res.Identifier] = struct{}{}
		resources = append(resources, res)
	}
	if len(resources) == 0 {
		return kr
	}

	dropData := opts.DropData && loader.ResourceContainer()
	dropConfig := opts.Drop && loader.SupportsDelete()

	if opts.Drop && !loader.SupportsDelete() {
		kr.Skipped = true
		kr.Note = "kind does not support deletion"
		logger.Info().Msg("kind does not support deletion, configuration left in place")
	}
	if loader.ResourceContainer() && !opts.DropData {
		logger.Info().Int("instances", len(resources)).Msg("contained data left in place, pass --drop-data to purge")
	}

	if haveCaps && (dropData || dropConfig) {
		required := loader.RequiredCapabilities(resources)
		if missing := caps.Missing(required); len(missing) > 0 {
			kr.Err = platform.NewAuthorizationError(
				fmt.Sprintf("missing capabilities: %s", capabilityNames(missing)), nil)
			kr.Failed = len(resources)
			logger.Error().Err(kr.Err).Msg("capability pre-flight failed, kind skipped")
			return kr
		}
	}

	if dropData {
		for _, res := range resources {
			if opts.DryRun {
				count, err := loader.CountData(ctx, res)
				if err != nil && !platform.IsNotFound(err) {
					kr.Failed++
					if kr.Err == nil {
						kr.Err = err
					}
					continue
				}
				kr.DroppedItems += count
				continue
			}
			dropped, err := loader.DropData(ctx, res)
			if err != nil && !platform.IsNotFound(err) {
				kr.Failed++
				if kr.Err == nil {
					kr.Err = err
				}
				logger.Error().Err(err).Str("identifier", res.Identifier).Msg("data purge failed")
				continue
			}
			kr.DroppedItems += dropped
		}
		o.metrics.RecordDataDropped(kind, kr.DroppedItems)
	}

	if dropConfig {
		if opts.DryRun {
			kr.Deleted = len(resources)
			return kr
		}
		rep := loader.Delete(ctx, resources)
		kr.Deleted = rep.Succeeded
		kr.Failed += len(rep.Failures)
		o.metrics.RecordBatchActivity(kind, rep.Retries, rep.Splits)
		if rep.Failed() > 0 {
			if kr.Err == nil {
				kr.Err = rep.Err()
			}
			logger.Error().Int("failed", len(rep.Failures)).Msg("delete partially failed")
		}
	}
	return kr
}

func (o *Orchestrator) recordKindMetrics(mode Mode, kr *KindResult) {
	m := string(mode)
	o.metrics.RecordKindOutcome(m, kr.Kind, "created", kr.Created)
	o.metrics.RecordKindOutcome(m, kr.Kind, "changed", kr.Changed)
	o.metrics.RecordKindOutcome(m, kr.Kind, "unchanged", kr.Unchanged)
	o.metrics.RecordKindOutcome(m, kr.Kind, "deleted", kr.Deleted)
	o.metrics.RecordKindOutcome(m, kr.Kind, "duplicate", kr.Duplicates)
	o.metrics.RecordKindOutcome(m, kr.Kind, "failed", kr.Failed)
}

// policyInput flattens the run into the document a policy gate sees.
func policyInput(opts RunOptions, order []string, plans map[string]*Plan) map[string]any {
	kinds := make(map[string]any, len(order))
	for _, kind := range order {
		entry := map[string]any{
			"instances": len(opts.Resources[kind]),
		}
		if plan, ok := plans[kind]; ok {
			entry["create"] = len(plan.ToCreate)
			entry["update"] = len(plan.ToUpdate)
			entry["unchanged"] = len(plan.Unchanged)
			entry["duplicates"] = len(plan.Duplicates)
		}
		kinds[kind] = entry
	}
	return map[string]any{
		"mode":        string(opts.Mode),
		"environment": opts.Environment,
		"project":     opts.Project,
		"dry_run":     opts.DryRun,
		"drop":        opts.Drop,
		"drop_data":   opts.DropData,
		"kinds":       kinds,
	}
}

func capabilityNames(caps []platform.Capability) string {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name)
	}
	return strings.Join(names, ", ")
}

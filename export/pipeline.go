// Package export runs one policy-bundle export: authenticate, fetch every
// artifact, stage them, and pack them into a single archive.
package export

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lexfrei/go-aviatrix/api/controller"
	"github.com/lexfrei/go-aviatrix/internal/bundle"
	"github.com/lexfrei/go-aviatrix/internal/staging"
	"github.com/lexfrei/go-aviatrix/observability"
)

// Archive entry names.
const (
	DefaultOutput       = "legacy_policy_bundle.zip"
	GatewayArtifact     = "gateway_details.json"
	RouteTablesArtifact = "route_tables.json"
	AnyWebArtifact      = "any_webgroup.json"
)

// Config configures a Pipeline.
type Config struct {
	// Authenticator produces the session (required).
	Authenticator controller.Authenticator
	// Fetcher retrieves artifacts (required).
	Fetcher controller.ResourceFetcher

	// Output is the archive path (defaults to DefaultOutput).
	Output string
	// StagingDir is the parent of the staging directory (defaults to os.TempDir).
	StagingDir string

	IncludeRouteTables bool
	IncludeAnyWeb      bool

	// Parallelism bounds concurrent fetches (defaults to controller.DefaultParallelism).
	Parallelism int
	// Timeout bounds authentication and fetching. When it expires the
	// remaining fetches fail and whatever succeeded is bundled. Zero means no limit.
	Timeout time.Duration

	Compress    bool
	KeepPartial bool
	// Manifest adds manifest.json to the archive.
	Manifest bool
	// Controller is recorded in the manifest.
	Controller string

	// Logger for progress (optional, uses noop logger if nil)
	Logger observability.Logger
}

// Failure is an artifact that could not be fetched or staged.
type Failure struct {
	Artifact string
	Err      error
}

// Report is the outcome of a run. It is returned even when the run fails.
type Report struct {
	State State
	// FailedStage is the stage that failed when State is StateFailed.
	FailedStage State
	Output      string
	Entries     []string
	Failures    []Failure
	Manifest    *bundle.Manifest
	// StagingDir is set when staged files were kept after a bundling failure.
	StagingDir string
	Duration   time.Duration
}

// Partial reports whether the archive was written with some artifacts missing.
func (r *Report) Partial() bool {
	return r.State == StateDone && len(r.Failures) > 0
}

// Pipeline runs export runs. It holds no state between runs.
type Pipeline struct {
	cfg    Config
	logger observability.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	if cfg.Output == "" {
		cfg.Output = DefaultOutput
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = controller.DefaultParallelism
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NoopLogger()
	}

	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// run is the mutable state of one Run call.
type run struct {
	*Pipeline

	report *Report
	area   *staging.Area

	mu       sync.Mutex
	failures []Failure
}

// Run executes one export. The returned error is the fatal one, if any;
// per-artifact failures are only listed in the report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	r := &run{Pipeline: p, report: &Report{State: StateInit, Output: p.cfg.Output}}
	defer func() { r.report.Duration = time.Since(start) }()

	fetchCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	session, err := p.cfg.Authenticator.Authenticate(fetchCtx)
	if err != nil {
		return r.fail(StateAuthenticated, err)
	}
	r.advance(StateAuthenticated)

	area, err := staging.New(p.cfg.StagingDir)
	if err != nil {
		return r.fail(StateFetching, err)
	}
	r.area = area

	r.advance(StateFetching)

	gateways, err := p.cfg.Fetcher.ListGateways(fetchCtx, session)
	if err != nil {
		return r.fail(StateFetching, err)
	}

	if _, err := area.StageRawJSON(GatewayArtifact, gateways.Raw); err != nil {
		return r.fail(StateFetching, &controller.FetchError{Artifact: controller.ArtifactGateways, Err: err})
	}

	r.fetchAll(fetchCtx, session, gateways)

	r.advance(StateStaged)

	if area.Len() == 0 {
		return r.fail(StateStaged, errors.New("no artifacts were fetched"))
	}

	var manifest *bundle.Manifest
	if p.cfg.Manifest {
		manifest = bundle.NewManifest(p.cfg.Controller)
		if len(r.report.Failures) > 0 {
			manifest.Failures = make(map[string]string, len(r.report.Failures))
			for _, f := range r.report.Failures {
				manifest.Failures[f.Artifact] = f.Err.Error()
			}
		}
	}

	// The fetch deadline does not apply here; bundling is local I/O.
	result, err := bundle.Write(area, p.cfg.Output, bundle.Options{
		Compress:    p.cfg.Compress,
		KeepPartial: p.cfg.KeepPartial,
		Manifest:    manifest,
	})
	if result == nil {
		r.report.StagingDir = area.Dir()
		return r.fail(StateBundled, err)
	}

	if err != nil {
		p.logger.Warn("archive written, staging cleanup incomplete",
			observability.Field{Key: "dir", Value: area.Dir()},
			observability.Err(err),
		)
	}

	r.report.Entries = result.Entries
	r.report.Manifest = result.Manifest
	r.advance(StateBundled)

	r.advance(StateDone)

	p.logger.Info("export complete",
		observability.Field{Key: "output", Value: result.Path},
		observability.Field{Key: "entries", Value: len(result.Entries)},
		observability.Field{Key: "failures", Value: len(r.report.Failures)},
	)

	return r.report, nil
}

// fetchAll runs the independent fetches with bounded parallelism and stages
// each result as it arrives. Every controller call, per-gateway route fetches
// included, takes a slot of the same group, so Parallelism is a hard cap.
// Output names are fixed per artifact, so the staged set does not depend on
// completion order.
func (r *run) fetchAll(ctx context.Context, session *controller.Session, gateways *controller.Gateways) {
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Parallelism)

	// Route tables wait for the gateway listing, which is already complete here.
	routes := &routeCollector{tables: make(controller.RouteTable)}
	if r.cfg.IncludeRouteTables {
		for _, gw := range gateways.Items {
			g.Go(func() error {
				r.fetchRouteTable(ctx, session, gw, routes)
				return nil
			})
		}
	}

	if r.cfg.IncludeAnyWeb {
		g.Go(func() error {
			r.fetchAnyWeb(ctx, session)
			return nil
		})
	}

	for _, kind := range controller.ResourceKinds() {
		g.Go(func() error {
			r.fetchResource(ctx, session, kind)
			return nil
		})
	}

	_ = g.Wait()

	if r.cfg.IncludeRouteTables {
		r.stageRouteTables(routes)
	}

	sort.Slice(r.failures, func(i, j int) bool { return r.failures[i].Artifact < r.failures[j].Artifact })
	r.report.Failures = r.failures
}

// routeCollector gathers per-gateway route tables until all are fetched.
type routeCollector struct {
	mu     sync.Mutex
	tables controller.RouteTable
	failed int
}

func (r *run) fetchRouteTable(ctx context.Context, session *controller.Session, gw controller.GatewaySummary, routes *routeCollector) {
	entries, err := r.cfg.Fetcher.GetRouteTable(ctx, session, gw)
	if err != nil {
		r.record(controller.RouteArtifact(gw.VpcID), err)

		routes.mu.Lock()
		routes.failed++
		routes.mu.Unlock()
		return
	}

	routes.mu.Lock()
	defer routes.mu.Unlock()

	routes.tables[gw.VpcID] = entries
}

// stageRouteTables writes the collected tables. Nothing is written when every
// gateway failed.
func (r *run) stageRouteTables(routes *routeCollector) {
	if len(routes.tables) == 0 && routes.failed > 0 {
		return
	}

	if _, err := r.area.StageJSON(RouteTablesArtifact, routes.tables); err != nil {
		r.record(RouteTablesArtifact, err)
	}
}

func (r *run) fetchAnyWeb(ctx context.Context, session *controller.Session) {
	groups, err := r.cfg.Fetcher.GetAnyWebGroups(ctx, session)
	if err != nil {
		r.record(AnyWebArtifact, err)
		return
	}

	matches := make([]json.RawMessage, 0, len(groups))
	for _, group := range groups {
		matches = append(matches, group.Raw)
	}

	if _, err := r.area.StageJSON(AnyWebArtifact, matches); err != nil {
		r.record(AnyWebArtifact, err)
	}
}

func (r *run) fetchResource(ctx context.Context, session *controller.Session, kind string) {
	name := controller.ExportEntryName(kind)

	content, err := r.cfg.Fetcher.ExportResourceConfig(ctx, session, kind)
	if err != nil {
		r.record(name, err)
		return
	}

	if _, err := r.area.StageBytes(name, staging.KindExtracted, content); err != nil {
		r.record(name, err)
	}
}

func (r *run) record(artifact string, err error) {
	r.logger.Warn("artifact failed",
		observability.Field{Key: "artifact", Value: artifact},
		observability.Err(err),
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures = append(r.failures, Failure{Artifact: artifact, Err: err})
}

func (r *run) advance(state State) {
	r.logger.Debug("export state", observability.Field{Key: "state", Value: state.String()})
	r.report.State = state
}

// fail moves the run to StateFailed. Staged files are removed unless a
// bundling failure left them for recovery.
func (r *run) fail(stage State, err error) (*Report, error) {
	r.report.State = StateFailed
	r.report.FailedStage = stage

	if r.area != nil && r.report.StagingDir == "" {
		if cleanupErr := r.area.Cleanup(); cleanupErr != nil {
			r.logger.Warn("failed to remove staging directory", observability.Err(cleanupErr))
		}
	}

	r.logger.Error("export failed",
		observability.Field{Key: "stage", Value: stage.String()},
		observability.Err(err),
	)

	return r.report, errors.Wrapf(err, "export failed at %s", stage)
}

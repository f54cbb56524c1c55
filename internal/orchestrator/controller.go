// Package orchestrator drives a query through classification, parallel
// retrieval, fusion, synthesis and citation alignment under a tiered time
// budget, degrading to partial answers instead of failing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/knowledge-search/internal/cache"
	"github.com/sells-group/knowledge-search/internal/citation"
	"github.com/sells-group/knowledge-search/internal/cost"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/internal/retrieval"
	"github.com/sells-group/knowledge-search/internal/router"
	"github.com/sells-group/knowledge-search/internal/synth"
)

const (
	tracerName        = "github.com/sells-group/knowledge-search/internal/orchestrator"
	cacheWriteTimeout = 2 * time.Second

	// deadlineGrace is how long past the budget deadline a caller waits for
	// the computation to wrap up before answering from its partial output.
	deadlineGrace = 50 * time.Millisecond
	// fallbackSentences bounds the extractive answer built at the deadline.
	fallbackSentences = 3
)

// Classifier validates and classifies a request.
type Classifier interface {
	Classify(req model.Request) (*model.Query, error)
}

// Selector picks the provider fallback chain for a role.
type Selector interface {
	Select(role router.Role, complexityScore float64) (router.Chain, error)
}

// Retriever fans a query out to every retrieval lane.
type Retriever interface {
	FanOut(ctx context.Context, query string, budget time.Duration) []model.LaneResult
}

// Merger fuses lane results into one ranked document list.
type Merger interface {
	Merge(lanes []model.LaneResult) []model.Document
}

// Synthesizer writes the answer from the fused evidence.
type Synthesizer interface {
	Synthesize(ctx context.Context, q *model.Query, chain router.Chain, docs []model.Document, opts router.GenerateOptions) (*synth.Draft, error)
}

// Aligner maps answer claims to supporting documents.
type Aligner interface {
	Align(ctx context.Context, answer string, docs []model.Document) (*citation.Alignment, error)
}

// AuditRecorder accepts one record per finished query without blocking.
type AuditRecorder interface {
	Record(rec model.AuditRecord)
}

// Observer receives query and cache outcomes for metrics.
type Observer interface {
	ObserveQuery(res *model.Result)
	ObserveCache(hit bool)
}

// Budgets is the total time allowance per complexity tier.
type Budgets struct {
	Simple   time.Duration
	Moderate time.Duration
	Complex  time.Duration
}

// For returns the budget for tier. Unknown tiers get the moderate budget.
func (b Budgets) For(t model.Tier) time.Duration {
	switch t {
	case model.TierSimple:
		return b.Simple
	case model.TierComplex:
		return b.Complex
	default:
		return b.Moderate
	}
}

// Shares are the fractions of the total budget each phase may use.
type Shares struct {
	Classification float64
	Retrieval      float64
	Synthesis      float64
	Alignment      float64
}

// Config controls budgets and streaming.
type Config struct {
	Budgets Budgets
	Shares  Shares
	// Heartbeat is the interval between heartbeat events on a stream.
	Heartbeat time.Duration
}

// DefaultConfig returns the standard tier budgets and phase shares.
func DefaultConfig() Config {
	return Config{
		Budgets: Budgets{
			Simple:   4 * time.Second,
			Moderate: 8 * time.Second,
			Complex:  15 * time.Second,
		},
		Shares: Shares{
			Classification: 0.05,
			Retrieval:      0.40,
			Synthesis:      0.40,
			Alignment:      0.15,
		},
		Heartbeat: 10 * time.Second,
	}
}

// Deps are the phase components a Controller drives. All are required.
type Deps struct {
	Classifier  Classifier
	Selector    Selector
	Retriever   Retriever
	Merger      Merger
	Synthesizer Synthesizer
	Aligner     Aligner
}

// Option configures a Controller.
type Option func(*Controller)

// WithCache serves repeated fingerprints from c. Only complete results are
// stored.
func WithCache(c cache.Cache) Option {
	return func(ctl *Controller) { ctl.cache = c }
}

// WithAudit sends one record per finished query to r.
func WithAudit(r AuditRecorder) Option {
	return func(ctl *Controller) { ctl.audit = r }
}

// WithObserver reports query outcomes to o.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) { ctl.observer = o }
}

// WithCost prices generations and web searches with calc.
func WithCost(calc *cost.Calculator) Option {
	return func(ctl *Controller) { ctl.cost = calc }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(ctl *Controller) { ctl.tracer = t }
}

// Controller runs the query state machine. It is safe for concurrent use;
// concurrent queries with the same fingerprint share one computation.
type Controller struct {
	cfg  Config
	deps Deps

	cache    cache.Cache
	audit    AuditRecorder
	observer Observer
	cost     *cost.Calculator
	tracer   trace.Tracer
	group    singleflight.Group
	flights  flights

	nowFunc func() time.Time
}

// New validates deps and returns a Controller.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Classifier == nil || deps.Selector == nil || deps.Retriever == nil ||
		deps.Merger == nil || deps.Synthesizer == nil || deps.Aligner == nil {
		return nil, eris.New("orchestrator: every phase dependency is required")
	}
	def := DefaultConfig()
	if cfg.Budgets.Simple <= 0 {
		cfg.Budgets.Simple = def.Budgets.Simple
	}
	if cfg.Budgets.Moderate <= 0 {
		cfg.Budgets.Moderate = def.Budgets.Moderate
	}
	if cfg.Budgets.Complex <= 0 {
		cfg.Budgets.Complex = def.Budgets.Complex
	}
	if cfg.Shares == (Shares{}) {
		cfg.Shares = def.Shares
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}

	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		tracer:  otel.Tracer(tracerName),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run answers req synchronously. A non-nil error is always a *QueryError;
// partial answers are returned as results with State PARTIAL.
func (c *Controller) Run(ctx context.Context, req model.Request) (*model.Result, error) {
	return c.run(ctx, req, noProgress{})
}

func (c *Controller) run(ctx context.Context, req model.Request, prog progress) (*model.Result, error) {
	start := c.nowFunc()
	ctx, span := c.tracer.Start(ctx, "query")
	defer span.End()

	if req.TraceID == "" {
		req.TraceID = traceIDFrom(span)
	}
	log := zap.L().With(zap.String("trace_id", req.TraceID))
	prog.begin(req.TraceID)
	prog.state(model.StateReceived)

	prog.state(model.StateClassifying)
	q, err := c.deps.Classifier.Classify(req)
	if err != nil {
		log.Info("orchestrator: query rejected", zap.Error(err))
		qe := newQueryError(err, req.TraceID)
		c.finishFailed(span, &model.Result{TraceID: req.TraceID, State: model.StateFailed, Duration: c.nowFunc().Sub(start)}, qe)
		return nil, qe
	}
	span.SetAttributes(
		attribute.String("query.trace_id", q.TraceID),
		attribute.String("query.tier", string(q.Tier)),
		attribute.String("query.intent", string(q.Intent)),
	)

	budget := model.NewBudget(c.cfg.Budgets.For(q.Tier), start)
	budget.Record(model.PhaseClassification, c.nowFunc().Sub(start))

	if res, ok := c.cached(ctx, q, start); ok {
		prog.state(res.State)
		c.finish(span, res)
		return res, nil
	}

	// The computation outlives a cancelled caller so that other callers
	// waiting on the same fingerprint still get an answer; the budget
	// deadline bounds it instead.
	fl := c.flights.join(q.Fingerprint)
	defer c.flights.leave(q.Fingerprint, fl)
	unsubscribe := fl.subscribe(prog)
	defer unsubscribe()

	ch := c.group.DoChan(q.Fingerprint, func() (any, error) {
		c.flights.retain(q.Fingerprint, fl)
		defer c.flights.leave(q.Fingerprint, fl)
		execCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), budget.Deadline())
		defer cancel()
		return c.execute(execCtx, q, budget, fl)
	})

	expired := time.NewTimer(budget.Remaining(c.nowFunc()) + deadlineGrace)
	defer expired.Stop()

	select {
	case out := <-ch:
		res, _ := out.Val.(*model.Result)
		if res == nil {
			res = &model.Result{TraceID: q.TraceID, Fingerprint: q.Fingerprint, Tier: q.Tier, Intent: q.Intent, State: model.StateFailed}
		}
		if out.Shared && res.TraceID != q.TraceID {
			shared := *res
			shared.TraceID = q.TraceID
			shared.CostUSD = 0
			shared.Duration = c.nowFunc().Sub(start)
			res = &shared
		}
		if out.Err != nil {
			qe, ok := AsQueryError(out.Err)
			if !ok {
				qe = newQueryError(out.Err, q.TraceID)
			} else if qe.TraceID != q.TraceID {
				cp := *qe
				cp.TraceID = q.TraceID
				qe = &cp
			}
			c.finishFailed(span, res, qe)
			return nil, qe
		}
		c.finish(span, res)
		return res, nil
	case <-ctx.Done():
		qe := &QueryError{
			Code:    CodeCancelled,
			Message: ctx.Err().Error(),
			TraceID: q.TraceID,
			State:   model.StateFailed,
			Err:     ctx.Err(),
		}
		span.SetStatus(codes.Error, qe.Message)
		log.Info("orchestrator: caller went away, computation continues for shared waiters")
		return nil, qe
	case <-expired.C:
		log.Warn("orchestrator: budget deadline passed, answering from partial output",
			zap.Duration("budget", budget.Total),
		)
		res, qe := c.expired(q, fl.snapshot(), start)
		prog.state(res.State)
		if qe != nil {
			c.finishFailed(span, res, qe)
			return nil, qe
		}
		c.finish(span, res)
		return res, nil
	}
}

// expired builds the answer for a caller whose budget ended before the
// computation finished. Late output of the computation is discarded for
// this caller.
func (c *Controller) expired(q *model.Query, snap snapshot, start time.Time) (*model.Result, *QueryError) {
	res := &model.Result{
		TraceID:     q.TraceID,
		Fingerprint: q.Fingerprint,
		Tier:        q.Tier,
		Intent:      q.Intent,
		Lanes:       snap.lanes,
		Documents:   snap.docs,
		Degraded:    true,
	}
	reasons := retrieval.Failures(snap.lanes)
	switch {
	case snap.draft != nil:
		res.Answer = snap.draft.Text
		res.Provider = snap.draft.Provider
		res.Model = snap.draft.Model
		if snap.draft.Extractive {
			reasons = append(reasons, extractiveReason(snap.draft.Cause))
		}
		reasons = append(reasons, "alignment timed out, citations omitted")
	case len(snap.docs) > 0:
		res.Answer = synth.Extractive(snap.docs, fallbackSentences)
		reasons = append(reasons, "synthesis timed out, extractive answer returned")
	case snap.lanes != nil:
		reasons = append(reasons, "synthesis timed out with no evidence")
	default:
		reasons = append(reasons, "retrieval did not finish within the budget")
	}
	res.DegradedReasons = reasons
	res.Duration = c.nowFunc().Sub(start)

	if res.Answer == "" {
		res.State = model.StateFailed
		err := eris.Wrap(resilience.ErrBudgetExceeded, "orchestrator: budget ended before any answer or evidence")
		return res, newQueryError(err, q.TraceID)
	}
	res.State = model.StatePartial
	res.Confidence = Confidence(nil, true)
	return res, nil
}

// execute runs retrieval, synthesis and alignment for q within ctx, whose
// deadline is the end of the query budget.
func (c *Controller) execute(ctx context.Context, q *model.Query, budget *model.Budget, fl *flight) (*model.Result, error) {
	log := zap.L().With(zap.String("trace_id", q.TraceID), zap.String("tier", string(q.Tier)))
	res := &model.Result{
		TraceID:     q.TraceID,
		Fingerprint: q.Fingerprint,
		Tier:        q.Tier,
		Intent:      q.Intent,
		Budget:      budget,
	}
	var reasons []string

	// Retrieval, with provider selection alongside it.
	fl.state(model.StateRetrieving)
	role := synth.RoleFor(q.Tier)
	phaseStart := c.nowFunc()
	rctx, rspan := c.tracer.Start(ctx, "retrieve")
	var (
		chain  router.Chain
		selErr error
		lanes  []model.LaneResult
		g      errgroup.Group
	)
	g.Go(func() error {
		chain, selErr = c.deps.Selector.Select(role, q.ComplexityScore)
		return nil
	})
	g.Go(func() error {
		lanes = c.deps.Retriever.FanOut(rctx, q.Text, budget.Allot(c.cfg.Shares.Retrieval, phaseStart))
		return nil
	})
	_ = g.Wait()
	docs := c.deps.Merger.Merge(lanes)
	rspan.SetAttributes(attribute.Int("retrieval.documents", len(docs)))
	rspan.End()
	budget.Record(model.PhaseRetrieval, c.nowFunc().Sub(phaseStart))

	res.Lanes = lanes
	res.Documents = docs
	fl.retrieved(lanes, docs)
	reasons = append(reasons, retrieval.Failures(lanes)...)
	if selErr != nil {
		log.Warn("orchestrator: provider selection failed", zap.String("role", string(role)), zap.Error(selErr))
		chain = router.Chain{Role: role}
	}

	// Synthesis.
	fl.state(model.StateSynthesizing)
	phaseStart = c.nowFunc()
	sctx, cancel := context.WithTimeout(ctx, budget.Allot(c.cfg.Shares.Synthesis, phaseStart))
	sctx, sspan := c.tracer.Start(sctx, "synthesize")
	draft, err := c.deps.Synthesizer.Synthesize(sctx, q, chain, docs, router.GenerateOptions{
		OnDelta: fl.delta,
		OnRetry: fl.retry,
	})
	cancel()
	budget.Record(model.PhaseSynthesis, c.nowFunc().Sub(phaseStart))
	if err != nil {
		sspan.RecordError(err)
		sspan.SetStatus(codes.Error, "no answer and no evidence")
		sspan.End()
		log.Warn("orchestrator: synthesis failed with no evidence", zap.Error(err))
		res.State = model.StateFailed
		res.Degraded = true
		res.DegradedReasons = append(reasons, "synthesis: no provider answered and no evidence was retrieved")
		if draft != nil {
			res.CostUSD = c.price(draft, lanes)
		}
		res.Duration = c.nowFunc().Sub(budget.Start)
		return res, newQueryError(err, q.TraceID)
	}
	sspan.SetAttributes(attribute.String("synthesis.provider", draft.Provider), attribute.Bool("synthesis.extractive", draft.Extractive))
	sspan.End()
	fl.drafted(draft)

	res.Answer = draft.Text
	res.Provider = draft.Provider
	res.Model = draft.Model
	res.CostUSD = c.price(draft, lanes)
	if draft.Extractive {
		reasons = append(reasons, extractiveReason(draft.Cause))
	}

	// Alignment.
	fl.state(model.StateAligning)
	phaseStart = c.nowFunc()
	actx, cancel := context.WithTimeout(ctx, budget.Allot(c.cfg.Shares.Alignment, phaseStart))
	actx, aspan := c.tracer.Start(actx, "align")
	al, err := c.deps.Aligner.Align(actx, draft.Text, draft.Documents)
	alignTimedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	budget.Record(model.PhaseAlignment, c.nowFunc().Sub(phaseStart))
	alignFailed := err != nil
	if alignFailed {
		aspan.RecordError(err)
		aspan.SetStatus(codes.Error, "alignment failed")
		log.Warn("orchestrator: alignment failed, citations omitted", zap.Error(err))
		reasons = append(reasons, alignmentReason(err, alignTimedOut))
	} else {
		res.Claims = al.Claims
		res.Alignments = al.Alignments
		res.Disagreements = al.Disagreements
		res.Citations, res.Bibliography = citation.Bibliography(al, draft.Documents)
		aspan.SetAttributes(attribute.Int("align.claims", len(al.Claims)), attribute.Int("align.supported", al.Supported()))
	}
	aspan.End()

	res.Degraded = len(reasons) > 0
	res.DegradedReasons = reasons
	if res.Degraded {
		res.State = model.StatePartial
	} else {
		res.State = model.StateComplete
	}
	if alignFailed {
		al = nil
	}
	res.Confidence = Confidence(al, res.Degraded)
	res.Duration = c.nowFunc().Sub(budget.Start)

	if res.State == model.StateComplete && c.cache != nil {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		if err := c.cache.Set(wctx, q.Fingerprint, res); err != nil {
			log.Warn("orchestrator: cache write failed", zap.Error(err))
		}
		wcancel()
	}

	log.Info("orchestrator: query finished",
		zap.String("state", string(res.State)),
		zap.String("provider", res.Provider),
		zap.Int("documents", len(docs)),
		zap.Float64("confidence", res.Confidence),
		zap.Strings("degraded_reasons", reasons),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// cached returns a copy of a cached result for q, stamped with q's trace id.
func (c *Controller) cached(ctx context.Context, q *model.Query, start time.Time) (*model.Result, bool) {
	if c.cache == nil {
		return nil, false
	}
	hit, ok, err := c.cache.Get(ctx, q.Fingerprint)
	if err != nil {
		zap.L().Warn("orchestrator: cache read failed", zap.String("trace_id", q.TraceID), zap.Error(err))
	}
	if c.observer != nil {
		c.observer.ObserveCache(ok && err == nil)
	}
	if !ok || err != nil || hit == nil {
		return nil, false
	}
	res := *hit
	res.TraceID = q.TraceID
	res.Cached = true
	res.CostUSD = 0
	res.Duration = c.nowFunc().Sub(start)
	return &res, true
}

func (c *Controller) price(d *synth.Draft, lanes []model.LaneResult) float64 {
	if c.cost == nil {
		return 0
	}
	var usd float64
	if !d.Extractive && d.Provider != "" {
		usd += c.cost.Generation(d.Provider, d.Model, d.InputTokens, d.OutputTokens)
	}
	web := 0
	for _, l := range lanes {
		if l.Kind == model.KindWeb && l.Status != model.LanePending {
			web++
		}
	}
	return usd + c.cost.WebSearch(web)
}

func (c *Controller) finish(span trace.Span, res *model.Result) {
	span.SetAttributes(
		attribute.String("query.state", string(res.State)),
		attribute.Bool("query.degraded", res.Degraded),
		attribute.Bool("query.cached", res.Cached),
		attribute.Float64("query.confidence", res.Confidence),
	)
	c.report(res)
}

func (c *Controller) finishFailed(span trace.Span, res *model.Result, qe *QueryError) {
	span.SetAttributes(attribute.String("query.state", string(model.StateFailed)))
	span.SetStatus(codes.Error, string(qe.Code))
	res.State = model.StateFailed
	c.report(res)
}

func (c *Controller) report(res *model.Result) {
	if c.observer != nil {
		c.observer.ObserveQuery(res)
	}
	if c.audit != nil {
		c.audit.Record(model.NewAuditRecord(res))
	}
}

// traceIDFrom uses the span's trace id when tracing is active so logs,
// audits and traces share one identifier.
func traceIDFrom(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

func extractiveReason(cause error) string {
	if errors.Is(cause, resilience.ErrBudgetExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		return "synthesis timed out, extractive answer returned"
	}
	return "synthesis: all providers exhausted, extractive answer returned"
}

func alignmentReason(err error, timedOut bool) string {
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return "alignment timed out, citations omitted"
	}
	return fmt.Sprintf("alignment failed: %v, citations omitted", err)
}

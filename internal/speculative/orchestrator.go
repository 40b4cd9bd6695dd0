package speculative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/logger"
	"github.com/samcharles93/speculate/internal/model"
	"github.com/samcharles93/speculate/internal/perf"
)

// State is the orchestrator's position in the round state machine.
type State int

const (
	StateIdle State = iota
	StateDrafting
	StateVerifying
	StateReconciling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDrafting:
		return "drafting"
	case StateVerifying:
		return "verifying"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Options carries the collaborators of an Orchestrator. Every field is
// optional.
type Options struct {
	// Pool backs the per-round scratch buffers. Nil uses the heap.
	Pool *compute.Pool
	// Monitor receives per-round timings. Nil builds a private one.
	Monitor *perf.Monitor
	// Rand overrides the source seeded from Config.Seed.
	Rand RandomSource
	// Logger defaults to logger.Discard().
	Logger logger.Logger
	// OnRound is called synchronously after every round and when a
	// request ends.
	OnRound func(RoundEvent)
}

// Orchestrator runs draft, verify and reconcile rounds for one request at a
// time. Build one per request or session; it holds the request's random
// source and model instances.
type Orchestrator struct {
	cfg        Config
	draftModel model.TokenModel
	target     model.TokenModel
	drafter    *DraftGenerator
	verifier   *VerificationEngine
	controller *AcceptanceController
	rng        RandomSource
	pool       *compute.Pool
	monitor    *perf.Monitor
	log        logger.Logger
	onRound    func(RoundEvent)

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
}

func New(cfg Config, draft, target model.TokenModel, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if draft == nil || target == nil {
		return nil, fmt.Errorf("%w: draft and verification models are required", ErrInvalidConfig)
	}
	if draft.VocabSize() != target.VocabSize() {
		return nil, fmt.Errorf("%w: draft vocabulary %d does not match verification vocabulary %d",
			ErrInvalidConfig, draft.VocabSize(), target.VocabSize())
	}
	rng := opts.Rand
	if rng == nil {
		rng = model.NewRandom(cfg.Seed)
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = perf.NewMonitor(opts.Pool, nil)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{
		cfg:        cfg,
		draftModel: draft,
		target:     target,
		drafter:    NewDraftGenerator(draft, rng, cfg.AcceptanceThreshold),
		verifier:   NewVerificationEngine(target, cfg.UseParallelVerification),
		controller: NewAcceptanceController(target, cfg.UseRejectionSampling),
		rng:        rng,
		pool:       opts.Pool,
		monitor:    monitor,
		log:        log.With("draft", draft.ID(), "target", target.ID()),
		onRound:    opts.OnRound,
	}, nil
}

func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Metrics returns the live metrics of the current or last request.
func (o *Orchestrator) Metrics() perf.ProcessingMetrics {
	return o.monitor.Snapshot()
}

// Cancel stops the running request after its current round. It is a no-op
// when nothing is running.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

type round struct {
	draft   DraftSequence
	outcome Outcome
	timing  perf.RoundTiming
}

// Generate extends prompt by up to maxTokens tokens. It stops early when
// the target end-of-sequence token is accepted.
//
// Cancelling ctx or calling Cancel ends the request at a round boundary: the
// round in flight is discarded whole and the sample accumulated so far is
// returned with Truncated set and a nil error. Any other failure aborts the
// round and returns the sample of the rounds before it together with the
// error.
func (o *Orchestrator) Generate(ctx context.Context, prompt []int, maxTokens int) (*SpeculativeSample, error) {
	if maxTokens < 1 {
		return nil, fmt.Errorf("%w: max tokens %d must be positive", ErrInvalidConfig, maxTokens)
	}
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.state = StateIdle
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.state = StateIdle
		o.mu.Unlock()
	}()

	if err := o.prepare(prompt); err != nil {
		o.setState(StateFailed)
		return nil, err
	}

	tc := NewTokenContext(o.promptTokens(prompt)...)
	sample := &SpeculativeSample{PromptLength: len(prompt)}
	stats := &sample.Stats
	o.monitor.Begin()
	o.log.Debug("generation started", "prompt", len(prompt), "max_tokens", maxTokens)

	generated := 0
	for index := 0; ; index++ {
		if ctx.Err() != nil {
			return o.finish(sample, tc, StopCancelled, nil), nil
		}
		remaining := maxTokens - generated
		// Leave room for the bonus token so a fully accepted round is never
		// cut short, except when a single token is left.
		k := min(o.cfg.MaxDraftTokens, max(remaining-1, 1))

		r, err := o.round(ctx, tc, k, index)
		if err != nil {
			// Only the cancellation itself ends the request quietly. Any
			// other failure that raced with it is still reported.
			if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
				return o.finish(sample, tc, StopCancelled, nil), nil
			}
			o.setState(StateFailed)
			o.log.Warn("round failed", "round", index, "error", err)
			return o.finish(sample, tc, StopError, err), err
		}
		if ctx.Err() != nil {
			// A round that completed after cancellation is discarded whole.
			return o.finish(sample, tc, StopCancelled, nil), nil
		}

		appended := r.outcome.Tokens
		if len(appended) > remaining {
			appended = appended[:remaining]
		}
		eos := o.target.EOS()
		hitEOS := false
		for i, t := range appended {
			if t.ID == eos {
				appended = appended[:i+1]
				hitEOS = true
				break
			}
		}
		tc.append(appended...)
		generated += len(appended)

		r.timing.Generated = len(appended)
		stats.add(r.outcome, r.draft.Len())
		o.monitor.RecordRound(r.timing)

		rs := RoundSample{
			Index:    index,
			Draft:    r.draft.Tokens,
			Results:  r.outcome.Results,
			Appended: appended,
			Accepted: r.outcome.Accepted,
			Bonus:    r.outcome.Bonus,
			Timing:   r.timing,
		}
		if n := r.draft.Len(); n > 0 {
			rs.AcceptanceRate = float64(r.outcome.Accepted) / float64(n)
		}
		sample.Rounds = append(sample.Rounds, rs)
		sample.DraftTokens = append(sample.DraftTokens, rs.Draft...)
		sample.VerificationResults = append(sample.VerificationResults, rs.Results...)
		if r.outcome.Bonus && len(appended) == len(r.outcome.Tokens) {
			sample.BonusTokens++
		}
		o.log.Debug("round complete", "round", index, "drafted", r.draft.Len(),
			"accepted", r.outcome.Accepted, "appended", len(appended), "bonus", r.outcome.Bonus,
			"elapsed", r.timing.Total)
		o.emit(RoundEvent{State: StateReconciling, Round: &rs, Metrics: o.monitor.Snapshot()})

		switch {
		case hitEOS:
			return o.finish(sample, tc, StopEOS, nil), nil
		case generated >= maxTokens:
			return o.finish(sample, tc, StopMaxTokens, nil), nil
		}
	}
}

func (o *Orchestrator) prepare(prompt []int) error {
	if !o.draftModel.Loaded() {
		return fmt.Errorf("draft model %s: %w", o.draftModel.ID(), ErrModelNotLoaded)
	}
	if !o.target.Loaded() {
		return fmt.Errorf("verification model %s: %w", o.target.ID(), ErrModelNotLoaded)
	}
	vocab := o.target.VocabSize()
	for i, id := range prompt {
		if id < 0 || id >= vocab {
			return fmt.Errorf("prompt token %d at %d outside vocabulary of %d", id, i, vocab)
		}
	}
	return errors.Join(safeReset(o.draftModel), safeReset(o.target))
}

func (o *Orchestrator) promptTokens(prompt []int) []model.Token {
	tokens := make([]model.Token, len(prompt))
	for i, id := range prompt {
		tokens[i] = model.Token{ID: id, Text: o.target.TokenText(id), Probability: 1, Position: i}
	}
	return tokens
}

// round runs one draft, verify and reconcile cycle. Nothing it returns on
// error has touched the context.
func (o *Orchestrator) round(ctx context.Context, tc *TokenContext, k, index int) (round, error) {
	var r round
	roundCtx := ctx
	if o.cfg.MaxResponseTime > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, o.cfg.MaxResponseTime)
		defer cancel()
	}

	// k draft and k+1 target distributions plus one residual.
	a, err := newArena(o.pool, (2*k+2)*o.target.VocabSize())
	if err != nil {
		return r, &PhaseError{Round: index, Phase: StateDrafting, Err: err}
	}
	defer a.release()

	start := time.Now()
	o.setState(StateDrafting)
	r.draft, err = o.drafter.draft(roundCtx, tc, k, a)
	r.timing.Draft = time.Since(start)
	if err := o.phaseErr(ctx, roundCtx, index, StateDrafting, err); err != nil {
		return round{}, err
	}

	verifyStart := time.Now()
	o.setState(StateVerifying)
	ver, err := o.verifier.verify(roundCtx, tc, r.draft, a)
	r.timing.Verify = time.Since(verifyStart)
	if err := o.phaseErr(ctx, roundCtx, index, StateVerifying, err); err != nil {
		return round{}, err
	}

	reconcileStart := time.Now()
	o.setState(StateReconciling)
	r.outcome, err = o.controller.reconcile(r.draft, ver, o.rng, a)
	r.timing.Reconcile = time.Since(reconcileStart)
	if err := o.phaseErr(ctx, roundCtx, index, StateReconciling, err); err != nil {
		return round{}, err
	}

	r.timing.Total = time.Since(start)
	r.timing.Drafted = r.draft.Len()
	r.timing.Accepted = r.outcome.Accepted
	r.timing.Bonus = r.outcome.Bonus
	// The draft distributions live in the arena.
	r.draft.Distributions = nil
	return r, nil
}

// phaseErr turns a phase failure, or a round deadline that passed during
// the phase, into the error the round reports. Cancellation alone does not
// fail a phase that returned; Generate checks it once the round is over.
func (o *Orchestrator) phaseErr(ctx, roundCtx context.Context, index int, phase State, err error) error {
	if ctx.Err() == nil && errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
		return &RoundTimeoutError{Round: index, Phase: phase, Limit: o.cfg.MaxResponseTime}
	}
	if err == nil {
		return nil
	}
	return &PhaseError{Round: index, Phase: phase, Err: err}
}

func (o *Orchestrator) finish(sample *SpeculativeSample, tc *TokenContext, reason StopReason, err error) *SpeculativeSample {
	sample.Context = tc.Tokens()
	sample.Tokens = sample.Context[sample.PromptLength:]
	sample.StopReason = reason
	sample.Truncated = reason == StopCancelled
	if n := len(sample.DraftTokens); n > 0 {
		sample.AcceptanceRate = float64(sample.Stats.accepted) / float64(n)
	}
	sample.Metrics = o.monitor.Snapshot()

	ev := RoundEvent{State: StateDone, Metrics: sample.Metrics}
	if err != nil {
		ev.State = StateFailed
		ev.Err = err.Error()
	} else {
		o.setState(StateDone)
	}
	o.log.Debug("generation finished", "reason", reason, "tokens", len(sample.Tokens),
		"rounds", len(sample.Rounds), "acceptance_rate", sample.AcceptanceRate)
	o.emit(ev)
	return sample
}

func (o *Orchestrator) emit(ev RoundEvent) {
	if o.onRound != nil {
		o.onRound(ev)
	}
}

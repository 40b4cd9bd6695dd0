// Package engine serves speculative generations to many callers at once.
// Each request gets its own orchestrator and its own model instances from
// the registry; only read-only weights and the buffer pool are shared.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/logger"
	"github.com/samcharles93/speculate/internal/model"
	"github.com/samcharles93/speculate/internal/perf"
	"github.com/samcharles93/speculate/internal/speculative"
)

type Options struct {
	Registry *model.Registry
	// Config is the default decoding configuration; requests override it.
	Config     speculative.Config
	Pool       *compute.Pool
	Collectors *perf.Collectors
	Logger     logger.Logger
	// MaxConcurrent caps generations running at once. Defaults to 4.
	MaxConcurrent int64
	// History is how many finished generations are kept for Get.
	// Defaults to 256.
	History int
}

type Service struct {
	opts Options
	log  logger.Logger
	sem  *semaphore.Weighted

	mu       sync.Mutex
	runs     map[string]*run
	finished []string
	loaded   map[string]int
	closed   bool
	wg       sync.WaitGroup
}

type run struct {
	gen     Generation
	monitor *perf.Monitor
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: model registry is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.History <= 0 {
		opts.History = 256
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		opts:   opts,
		log:    log,
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		runs:   make(map[string]*run),
		loaded: make(map[string]int),
	}, nil
}

// Submit validates req and starts it in the background. The generation
// outlives ctx; stop it with Cancel. onRound may be nil.
func (s *Service) Submit(ctx context.Context, req Request, onRound func(speculative.RoundEvent)) (string, error) {
	r, err := s.start(context.WithoutCancel(ctx), req, onRound)
	if err != nil {
		return "", err
	}
	return r.gen.ID, nil
}

// Generate runs req to completion. Cancelling ctx cancels the generation
// between rounds and returns the partial result.
func (s *Service) Generate(ctx context.Context, req Request, onRound func(speculative.RoundEvent)) (Generation, error) {
	r, err := s.start(ctx, req, onRound)
	if err != nil {
		return Generation{}, err
	}
	<-r.done
	s.mu.Lock()
	gen := r.gen
	s.mu.Unlock()
	if gen.Status == StatusFailed {
		return gen, r.err
	}
	return gen, nil
}

func (s *Service) start(ctx context.Context, req Request, onRound func(speculative.RoundEvent)) (*run, error) {
	cfg, maxTokens, err := req.resolve(s.opts.Config)
	if err != nil {
		return nil, err
	}
	for _, id := range []string{cfg.DraftModelID, cfg.VerificationModelID} {
		if !s.opts.Registry.Has(id) {
			return nil, newInvalidRequest("model %q is not registered", id)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		gen: Generation{
			ID:        "gen_" + uuid.NewString(),
			Status:    StatusQueued,
			CreatedAt: time.Now().UTC(),
			Config:    cfg,
			MaxTokens: maxTokens,
		},
		monitor: perf.NewMonitor(s.opts.Pool, s.opts.Collectors),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.runs[r.gen.ID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, r, req, onRound)
	return r, nil
}

func (s *Service) execute(ctx context.Context, r *run, req Request, onRound func(speculative.RoundEvent)) {
	defer s.wg.Done()
	defer close(r.done)
	defer r.cancel()

	log := logger.ForGeneration(s.log, r.gen.ID)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(r, nil, err)
		return
	}
	defer s.sem.Release(1)
	s.update(r, func(g *Generation) { g.Status = StatusInProgress })
	log.Info("generation started", "draft", r.gen.Config.DraftModelID, "target", r.gen.Config.VerificationModelID)

	sample, err := s.generate(ctx, r, req, onRound)
	s.finish(r, sample, err)
	if err != nil {
		log.Warn("generation failed", "error", err)
		return
	}
	log.Info("generation finished", "tokens", len(sample.Tokens), "rounds", len(sample.Rounds),
		"acceptance_rate", sample.AcceptanceRate, "reason", sample.StopReason)
}

func (s *Service) generate(ctx context.Context, r *run, req Request, onRound func(speculative.RoundEvent)) (*speculative.SpeculativeSample, error) {
	cfg := r.gen.Config
	draft, err := s.open(ctx, cfg.DraftModelID)
	if err != nil {
		return nil, err
	}
	defer s.close(draft)
	target, err := s.open(ctx, cfg.VerificationModelID)
	if err != nil {
		return nil, err
	}
	defer s.close(target)

	prompt := req.PromptIDs
	if len(prompt) == 0 {
		enc, ok := target.(model.Encoder)
		if !ok {
			return nil, newInvalidRequest("model %q cannot encode text prompts; send prompt_ids", cfg.VerificationModelID)
		}
		if prompt, err = enc.Encode(req.Prompt); err != nil {
			return nil, invalidRequestError{msg: err.Error()}
		}
	}

	orch, err := speculative.New(cfg, draft, target, speculative.Options{
		Pool:    s.opts.Pool,
		Monitor: r.monitor,
		Logger:  logger.ForGeneration(s.log, r.gen.ID),
		OnRound: onRound,
	})
	if err != nil {
		return nil, err
	}
	return orch.Generate(ctx, prompt, r.gen.MaxTokens)
}

func (s *Service) open(ctx context.Context, id string) (model.TokenModel, error) {
	m, err := s.opts.Registry.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.loaded[id]++
	s.mu.Unlock()
	return m, nil
}

func (s *Service) close(m model.TokenModel) {
	m.Unload()
	s.mu.Lock()
	s.loaded[m.ID()]--
	s.mu.Unlock()
}

func (s *Service) update(r *run, fn func(*Generation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&r.gen)
}

func (s *Service) finish(r *run, sample *speculative.SpeculativeSample, err error) {
	now := time.Now().UTC()
	var outcome Status
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && sample == nil:
		outcome = StatusCancelled
	case err != nil:
		outcome = StatusFailed
	case sample.Truncated:
		outcome = StatusCancelled
	default:
		outcome = StatusCompleted
	}

	s.mu.Lock()
	g := &r.gen
	g.Status = outcome
	g.CompletedAt = &now
	g.Sample = sample
	if sample != nil {
		g.Text = sample.Text()
		g.Metrics = sample.Metrics
	}
	if err != nil {
		g.Error = err.Error()
		r.err = err
	}
	s.finished = append(s.finished, g.ID)
	for len(s.finished) > s.opts.History {
		delete(s.runs, s.finished[0])
		s.finished = s.finished[1:]
	}
	s.mu.Unlock()

	s.opts.Collectors.ObserveRequest(string(outcome))
}

// Get returns a snapshot of a generation. Running generations report live
// metrics.
func (s *Service) Get(id string) (Generation, bool) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return Generation{}, false
	}
	gen := r.gen
	s.mu.Unlock()
	if !gen.Status.Terminal() {
		gen.Metrics = r.monitor.Snapshot()
	}
	return gen, true
}

// Wait blocks until the generation finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (Generation, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return Generation{}, ErrNotFound
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return Generation{}, ctx.Err()
	}
	gen, _ := s.Get(id)
	return gen, nil
}

// Cancel asks a generation to stop at its next round boundary. Queued
// generations never start.
func (s *Service) Cancel(id string) (Generation, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return Generation{}, ErrNotFound
	}
	r.cancel()
	gen, _ := s.Get(id)
	return gen, nil
}

// List returns every known generation, newest first.
func (s *Service) List() []Generation {
	s.mu.Lock()
	out := make([]Generation, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.gen)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Generation) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

type ModelInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role,omitempty"`
	Loaded    bool   `json:"loaded"`
	Instances int    `json:"instances"`
}

// Models reports every registered model and how many request-scoped
// instances are loaded right now.
func (s *Service) Models() []ModelInfo {
	ids := s.opts.Registry.IDs()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		info := ModelInfo{ID: id, Instances: s.loaded[id], Loaded: s.loaded[id] > 0}
		switch id {
		case s.opts.Config.DraftModelID:
			info.Role = "draft"
		case s.opts.Config.VerificationModelID:
			info.Role = "verification"
		}
		out = append(out, info)
	}
	return out
}

// Stats summarises the service for status endpoints.
type Stats struct {
	Running  int                   `json:"running"`
	Queued   int                   `json:"queued"`
	Finished int                   `json:"finished"`
	Capacity int64                 `json:"capacity"`
	Buffers  compute.BufferMetrics `json:"buffers"`
	ModelsUp map[string]bool       `json:"models_loaded"`
	Defaults speculative.Config    `json:"defaults"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Capacity: s.opts.MaxConcurrent,
		ModelsUp: make(map[string]bool, len(s.loaded)),
		Defaults: s.opts.Config,
	}
	for _, r := range s.runs {
		switch r.gen.Status {
		case StatusQueued:
			st.Queued++
		case StatusInProgress:
			st.Running++
		default:
			st.Finished++
		}
	}
	for id, n := range s.loaded {
		st.ModelsUp[id] = n > 0
	}
	s.mu.Unlock()
	if s.opts.Pool != nil {
		st.Buffers = s.opts.Pool.Metrics()
	}
	return st
}

// Close stops accepting requests, cancels running generations and waits for
// them to return.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

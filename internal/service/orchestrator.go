// Package service drives suggestion sessions end to end and exposes the
// pattern memory to the agent runtime.
//
// A session runs validation, matching, suggestion, refinement and commit in
// that order. Sessions are independent; each one is guarded by its own mutex.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easeaico/code-pattern-agent/internal/ledger"
	"github.com/easeaico/code-pattern-agent/internal/match"
	"github.com/easeaico/code-pattern-agent/internal/memory"
	"github.com/easeaico/code-pattern-agent/internal/workbench"
)

const (
	// SuggestionHeader starts every suggestion.
	SuggestionHeader = "Here's a suggestion based on your request:\n"

	// FallbackSuggestion is used when no stored pattern is relevant.
	FallbackSuggestion = SuggestionHeader + "/* no stored pattern matched this request */"

	DefaultCommitTimeout   = 5 * time.Second
	DefaultCommitAttempts  = 3
	DefaultCommitBackoff   = 100 * time.Millisecond
	DefaultMaxRequestBytes = 4096
)

// Handle identifies a session.
type Handle string

// Outcome is the result of a full Run.
type Outcome struct {
	Handle     Handle
	Suggestion string
	Receipt    ledger.Receipt
	// Best is the pattern the suggestion was built from; nil for the fallback.
	Best *match.Result
}

type liveSession struct {
	mu   sync.Mutex
	wb   *workbench.Workbench
	best *match.Result
}

// Orchestrator owns the live sessions and their collaborators.
type Orchestrator struct {
	store   *memory.PatternStore
	matcher *match.Matcher
	ledger  ledger.Client
	refiner workbench.Refiner
	logger  *zap.Logger

	commitTimeout   time.Duration
	commitAttempts  int
	commitBackoff   time.Duration
	maxRequestBytes int

	validate *validator.Validate

	mu       sync.Mutex
	sessions map[Handle]*liveSession
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMatcher replaces the default matcher.
func WithMatcher(m *match.Matcher) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.matcher = m
		}
	}
}

// WithRefiner replaces the default refinement policy.
func WithRefiner(r workbench.Refiner) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.refiner = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCommitTimeout bounds a single ledger commit.
func WithCommitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.commitTimeout = d
		}
	}
}

// WithCommitAttempts sets how many times a retryable commit is tried per call.
func WithCommitAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.commitAttempts = n
		}
	}
}

// WithCommitBackoff sets the pause before the first retry of a retryable
// commit. The pause doubles for each further retry; zero retries immediately.
func WithCommitBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.commitBackoff = d
		}
	}
}

// WithMaxRequestBytes caps the request size.
func WithMaxRequestBytes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRequestBytes = n
		}
	}
}

// NewOrchestrator creates an Orchestrator over store and ledger.
func NewOrchestrator(store *memory.PatternStore, l ledger.Client, opts ...Option) *Orchestrator {
	v := validator.New()
	// Both registrations use fixed names and built-in funcs; they cannot fail.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidation("utf8", func(fl validator.FieldLevel) bool {
		return utf8.ValidString(fl.Field().String())
	})

	o := &Orchestrator{
		store:           store,
		matcher:         match.New(),
		ledger:          l,
		refiner:         workbench.Chain(workbench.NewStyleRefiner(), workbench.NewHeaderRefiner()),
		logger:          zap.NewNop(),
		commitTimeout:   DefaultCommitTimeout,
		commitAttempts:  DefaultCommitAttempts,
		commitBackoff:   DefaultCommitBackoff,
		maxRequestBytes: DefaultMaxRequestBytes,
		validate:        v,
		sessions:        make(map[Handle]*liveSession),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives one request through every stage. A retryable commit failure keeps
// the session so the caller can retry with CommitSession; any other failure
// discards it.
func (o *Orchestrator) Run(ctx context.Context, request string) (Outcome, error) {
	h, err := o.StartSession(ctx, request)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Handle: h}

	if err := o.Refine(ctx, h); err != nil {
		o.discard(h, outcomeFailed)
		return out, err
	}

	receipt, final, best, err := o.commit(ctx, h)
	if err != nil {
		if !ledger.IsRetryable(err) {
			o.discard(h, outcomeFailed)
		}
		return out, err
	}

	o.discard(h, outcomeCommitted)
	out.Suggestion = final
	out.Receipt = receipt
	out.Best = best
	return out, nil
}

// StartSession validates request, ranks the store against it and records the
// first suggestion.
func (o *Orchestrator) StartSession(ctx context.Context, request string) (Handle, error) {
	if err := o.validateRequest(request); err != nil {
		return "", o.fail("", StageValidation, err)
	}

	h := Handle(uuid.NewString())
	s := &liveSession{wb: workbench.New(request)}

	if err := ctx.Err(); err != nil {
		return "", o.fail(h, StageMatching, err)
	}
	start := time.Now()
	results := o.matcher.Rank(request, o.store.All())
	rankDuration.Observe(time.Since(start).Seconds())

	suggestion := FallbackSuggestion
	if best, ok := bestRelevant(results); ok {
		s.best = &best
		suggestion = SuggestionHeader + best.Pattern.Snippet
	}

	if err := s.wb.SetSuggestion(suggestion); err != nil {
		return "", o.fail(h, StageSuggestion, err)
	}

	o.mu.Lock()
	o.sessions[h] = s
	o.mu.Unlock()

	if s.best != nil {
		o.logger.Info("session started",
			zap.String("session", string(h)),
			zap.Int64("pattern", s.best.Pattern.ID),
			zap.Float64("score", s.best.Score),
		)
	} else {
		o.logger.Info("session started with fallback suggestion",
			zap.String("session", string(h)),
			zap.Int("patterns", len(results)),
		)
	}
	return h, nil
}

// GetSuggestion returns the current suggestion of a session.
func (o *Orchestrator) GetSuggestion(h Handle) (string, error) {
	s, err := o.lookup(h)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	text, ok := s.wb.Suggestion()
	if !ok {
		return "", fmt.Errorf("%w: no suggestion yet", workbench.ErrInvalidState)
	}
	return text, nil
}

// CommitChange appends text to the session's accumulated code.
func (o *Orchestrator) CommitChange(h Handle, text string) error {
	s, err := o.lookup(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wb.CommitChange(text)
	return nil
}

// Code returns the session's accumulated code and whether any was committed.
func (o *Orchestrator) Code(h Handle) (string, bool, error) {
	s, err := o.lookup(h)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.wb.Code()
	return code, ok, nil
}

// State returns the workbench state of a session.
func (o *Orchestrator) State(h Handle) (workbench.State, error) {
	s, err := o.lookup(h)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wb.State(), nil
}

// Refine applies the refinement policy to the session's suggestion.
func (o *Orchestrator) Refine(ctx context.Context, h Handle) error {
	s, err := o.lookup(h)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return o.fail(h, StageRefinement, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wb.Refine(o.refiner); err != nil {
		return o.fail(h, StageRefinement, err)
	}
	o.logger.Debug("suggestion refined", zap.String("session", string(h)))
	return nil
}

// CommitSession records the pending suggestion in the ledger and finalizes the
// workbench. A retryable failure leaves the workbench where it was, so the
// call can be repeated without redoing matching. A committed session stays
// readable until CancelSession.
func (o *Orchestrator) CommitSession(ctx context.Context, h Handle) (ledger.Receipt, error) {
	receipt, _, _, err := o.commit(ctx, h)
	if err == nil {
		sessionsTotal.WithLabelValues(outcomeCommitted).Inc()
	}
	return receipt, err
}

// CancelSession discards a session. Nothing it produced is persisted.
func (o *Orchestrator) CancelSession(h Handle) error {
	o.mu.Lock()
	_, ok := o.sessions[h]
	delete(o.sessions, h)
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	sessionsTotal.WithLabelValues(outcomeCancelled).Inc()
	o.logger.Info("session cancelled", zap.String("session", string(h)))
	return nil
}

// Len returns the number of live sessions.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) commit(ctx context.Context, h Handle) (ledger.Receipt, string, *match.Result, error) {
	s, err := o.lookup(h)
	if err != nil {
		return ledger.Receipt{}, "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.wb.Pending()
	if err != nil {
		return ledger.Receipt{}, "", nil, o.fail(h, StageCommit, err)
	}
	description := fmt.Sprintf("%s (session %s)", ledger.DefaultDescription, h)

	var receipt ledger.Receipt
	for attempt := 1; ; attempt++ {
		receipt, err = o.commitOnce(ctx, content, description)
		if err == nil {
			ledgerCommits.WithLabelValues(commitOK).Inc()
			break
		}
		if !ledger.IsRetryable(err) {
			ledgerCommits.WithLabelValues(commitFailed).Inc()
			return ledger.Receipt{}, "", nil, o.fail(h, StageCommit, err)
		}
		ledgerCommits.WithLabelValues(commitRetryable).Inc()
		if attempt >= o.commitAttempts {
			return ledger.Receipt{}, "", nil, o.fail(h, StageCommit, err)
		}
		delay := o.commitBackoff << (attempt - 1)
		o.logger.Warn("ledger commit failed, retrying",
			zap.String("session", string(h)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return ledger.Receipt{}, "", nil, o.fail(h, StageCommit, err)
		}
	}

	final, err := s.wb.Finalize()
	if err != nil {
		return ledger.Receipt{}, "", nil, o.fail(h, StageCommit, err)
	}

	o.logger.Info("session committed",
		zap.String("session", string(h)),
		zap.String("receipt", receipt.ID),
	)
	return receipt, final, s.best, nil
}

// commitOnce runs one ledger commit bounded by the commit timeout. A timeout is
// retryable; cancellation of ctx itself is not.
func (o *Orchestrator) commitOnce(ctx context.Context, content, description string) (ledger.Receipt, error) {
	commitCtx, cancel := context.WithTimeout(ctx, o.commitTimeout)
	defer cancel()

	type result struct {
		receipt ledger.Receipt
		err     error
	}
	done := make(chan result, 1)
	go func() {
		r, err := o.ledger.Commit(commitCtx, content, description)
		done <- result{receipt: r, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return ledger.Receipt{}, ctx.Err()
		}
		return res.receipt, res.err
	case <-commitCtx.Done():
		if err := ctx.Err(); err != nil {
			return ledger.Receipt{}, err
		}
		return ledger.Receipt{}, ledger.Retryable(fmt.Errorf("ledger commit timed out after %s: %w", o.commitTimeout, commitCtx.Err()))
	}
}

func (o *Orchestrator) validateRequest(request string) error {
	if err := o.validate.Var(request, "utf8,notblank"); err != nil {
		return fmt.Errorf("%w: request must be non-blank UTF-8 text", ErrValidation)
	}
	if len(request) > o.maxRequestBytes {
		return fmt.Errorf("%w: request is %d bytes, limit is %d", ErrValidation, len(request), o.maxRequestBytes)
	}
	return nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// bestRelevant returns the highest ranked result that shares at least one term
// with the request. A language bonus alone does not make a pattern relevant.
func bestRelevant(results []match.Result) (match.Result, bool) {
	for _, r := range results {
		if r.Relevance > 0 {
			return r, true
		}
	}
	return match.Result{}, false
}

func (o *Orchestrator) lookup(h Handle) (*liveSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	return s, nil
}

// discard drops a finished session, counting it under outcome when set.
func (o *Orchestrator) discard(h Handle, outcome string) {
	o.mu.Lock()
	delete(o.sessions, h)
	o.mu.Unlock()

	if outcome != "" {
		sessionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) fail(h Handle, stage Stage, err error) error {
	stageFailures.WithLabelValues(string(stage)).Inc()
	o.logger.Warn("session stage failed",
		zap.String("session", string(h)),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
	return &StageError{Stage: stage, SessionID: h, Err: err}
}

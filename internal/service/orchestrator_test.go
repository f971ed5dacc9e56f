package service

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/easeaico/code-pattern-agent/internal/ledger"
	"github.com/easeaico/code-pattern-agent/internal/memory"
	"github.com/easeaico/code-pattern-agent/internal/workbench"
)

func newSeededStore(t *testing.T) *memory.PatternStore {
	t.Helper()
	store := memory.NewPatternStore(memory.WithLogger(zaptest.NewLogger(t)))
	n, err := store.Seed(t.Context(), slices.Values([]memory.Seed{
		{Snippet: "print('hello world')", Language: "python"},
		{Snippet: "bubble_sort(...)", Language: "generic"},
		{Snippet: "for i := range xs {\n\tsum += xs[i]\n}", Language: "go"},
	}))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	return store
}

func newTestLedger(t *testing.T) *ledger.BoltLedger {
	t.Helper()
	l, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// lostAckLedger commits to the wrapped ledger and then, for the first drops
// calls, withholds the receipt until the caller gives up.
type lostAckLedger struct {
	ledger.Client
	drops atomic.Int32
	calls atomic.Int32
}

func newLostAckLedger(inner ledger.Client, drops int32) *lostAckLedger {
	l := &lostAckLedger{Client: inner}
	l.drops.Store(drops)
	return l
}

func (l *lostAckLedger) Commit(ctx context.Context, content, description string) (ledger.Receipt, error) {
	l.calls.Add(1)
	r, err := l.Client.Commit(ctx, content, description)
	if err != nil {
		return r, err
	}
	if l.drops.Add(-1) >= 0 {
		<-ctx.Done()
		return ledger.Receipt{}, ledger.Retryable(ctx.Err())
	}
	return r, nil
}

type failingLedger struct {
	err   error
	calls atomic.Int32
}

func (l *failingLedger) Commit(context.Context, string, string) (ledger.Receipt, error) {
	l.calls.Add(1)
	return ledger.Receipt{}, l.err
}

func (l *failingLedger) Verify(context.Context, ledger.Receipt) (string, error) {
	return "", ledger.ErrNotFound
}

func TestRun_BubbleSortEndsUpInFinalText(t *testing.T) {
	ctx := t.Context()
	l := newTestLedger(t)
	o := NewOrchestrator(newSeededStore(t), l, WithLogger(zaptest.NewLogger(t)))

	out, err := o.Run(ctx, "Sort a list")
	require.NoError(t, err)

	assert.Contains(t, out.Suggestion, "bubble_sort(...)")
	assert.True(t, strings.HasPrefix(out.Suggestion, workbench.DefaultRefinementPrefix+SuggestionHeader))
	assert.Contains(t, out.Suggestion, "Style score:")
	require.NotNil(t, out.Best)
	assert.Equal(t, "bubble_sort(...)", out.Best.Pattern.Snippet)
	assert.NotEmpty(t, out.Receipt.ID)

	content, err := l.Verify(ctx, out.Receipt)
	require.NoError(t, err)
	assert.Equal(t, out.Suggestion, content)
	assert.Zero(t, o.Len(), "finished sessions are discarded")
}

func TestRun_EmptyStoreUsesFallback(t *testing.T) {
	o := NewOrchestrator(memory.NewPatternStore(), newTestLedger(t))

	h, err := o.StartSession(t.Context(), "sort an array")
	require.NoError(t, err)
	suggestion, err := o.GetSuggestion(h)
	require.NoError(t, err)
	assert.Equal(t, FallbackSuggestion, suggestion)

	out, err := o.Run(t.Context(), "sort an array")
	require.NoError(t, err)
	assert.Nil(t, out.Best)
	assert.Contains(t, out.Suggestion, "no stored pattern matched this request")
}

func TestRun_IrrelevantStoreUsesFallback(t *testing.T) {
	o := NewOrchestrator(newSeededStore(t), newTestLedger(t))

	h, err := o.StartSession(t.Context(), "open a websocket")
	require.NoError(t, err)
	suggestion, err := o.GetSuggestion(h)
	require.NoError(t, err)
	assert.Equal(t, FallbackSuggestion, suggestion)
}

func TestRun_LanguageBonusDoesNotHideRelevantPattern(t *testing.T) {
	store := memory.NewPatternStore(memory.WithLogger(zaptest.NewLogger(t)))
	_, err := store.Seed(t.Context(), slices.Values([]memory.Seed{
		{Snippet: "fmt.Println(x)", Language: "go"},
		{Snippet: "bubble_sort(...)", Language: "generic", Complexity: 1.0},
	}))
	require.NoError(t, err)
	o := NewOrchestrator(store, newTestLedger(t))

	out, err := o.Run(t.Context(), "sort a list of numbers fast in go")
	require.NoError(t, err)
	require.NotNil(t, out.Best)
	assert.Equal(t, "bubble_sort(...)", out.Best.Pattern.Snippet)
	assert.Contains(t, out.Suggestion, "bubble_sort(...)")
	assert.NotContains(t, out.Suggestion, "no stored pattern matched this request")
}

func TestStartSession_Validation(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{name: "empty", request: ""},
		{name: "whitespace", request: " \t\n "},
		{name: "invalid utf-8", request: "sort \xff\xfe"},
		{name: "oversized", request: strings.Repeat("a", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &failingLedger{err: errors.New("unused")}
			o := NewOrchestrator(newSeededStore(t), l, WithMaxRequestBytes(64))

			_, err := o.Run(t.Context(), tt.request)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			stage, ok := FailedStage(err)
			require.True(t, ok)
			assert.Equal(t, StageValidation, stage)
			assert.Zero(t, o.Len())
			assert.Zero(t, l.calls.Load())
		})
	}
}

func TestStartSession_CancelledContext(t *testing.T) {
	o := NewOrchestrator(newSeededStore(t), newTestLedger(t))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := o.StartSession(ctx, "sort a list")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageMatching, stage)
	assert.Zero(t, o.Len())
}

func TestSession_StepByStep(t *testing.T) {
	ctx := t.Context()
	o := NewOrchestrator(newSeededStore(t), newTestLedger(t))

	h, err := o.StartSession(ctx, "sort a list")
	require.NoError(t, err)

	state, err := o.State(h)
	require.NoError(t, err)
	assert.Equal(t, workbench.Suggested, state)

	_, hasCode, err := o.Code(h)
	require.NoError(t, err)
	assert.False(t, hasCode)

	require.NoError(t, o.CommitChange(h, "a"))
	require.NoError(t, o.CommitChange(h, "b"))
	code, hasCode, err := o.Code(h)
	require.NoError(t, err)
	assert.True(t, hasCode)
	assert.Equal(t, "ab", code)

	require.NoError(t, o.Refine(ctx, h))
	state, _ = o.State(h)
	assert.Equal(t, workbench.Refined, state)

	err = o.Refine(ctx, h)
	assert.ErrorIs(t, err, workbench.ErrInvalidState)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageRefinement, stage)

	receipt, err := o.CommitSession(ctx, h)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)

	state, _ = o.State(h)
	assert.Equal(t, workbench.Committed, state)

	_, err = o.CommitSession(ctx, h)
	assert.ErrorIs(t, err, workbench.ErrInvalidState)

	suggestion, err := o.GetSuggestion(h)
	require.NoError(t, err)
	assert.Contains(t, suggestion, "bubble_sort(...)")

	require.NoError(t, o.CancelSession(h))
}

func TestSession_UnknownHandle(t *testing.T) {
	o := NewOrchestrator(newSeededStore(t), newTestLedger(t))
	h := Handle("missing")

	_, err := o.GetSuggestion(h)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, o.CommitChange(h, "x"), ErrUnknownSession)
	assert.ErrorIs(t, o.Refine(t.Context(), h), ErrUnknownSession)
	_, err = o.CommitSession(t.Context(), h)
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, err = o.State(h)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, o.CancelSession(h), ErrUnknownSession)
}

func TestCancelSession(t *testing.T) {
	l := newTestLedger(t)
	o := NewOrchestrator(newSeededStore(t), l)

	h, err := o.StartSession(t.Context(), "sort a list")
	require.NoError(t, err)
	require.NoError(t, o.Refine(t.Context(), h))
	require.NoError(t, o.CancelSession(h))

	_, err = o.GetSuggestion(h)
	assert.ErrorIs(t, err, ErrUnknownSession)

	n, err := l.VerifyChain(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "a cancelled session persists nothing")
}

func TestRun_RefinementFailureSkipsCommit(t *testing.T) {
	boom := errors.New("policy exploded")
	l := &failingLedger{err: errors.New("unused")}
	o := NewOrchestrator(newSeededStore(t), l, WithRefiner(workbench.RefinerFunc(func(string) (string, error) {
		return "", boom
	})))

	_, err := o.Run(t.Context(), "sort a list")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageRefinement, stage)
	assert.Zero(t, l.calls.Load())
	assert.Zero(t, o.Len())
}

func TestRun_PermanentLedgerFailure(t *testing.T) {
	diskFull := errors.New("disk full")
	l := &failingLedger{err: diskFull}
	o := NewOrchestrator(newSeededStore(t), l, WithCommitAttempts(3))

	out, err := o.Run(t.Context(), "sort a list")
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)
	assert.False(t, ledger.IsRetryable(err))
	stage, _ := FailedStage(err)
	assert.Equal(t, StageCommit, stage)
	assert.NotEmpty(t, out.Handle)
	assert.EqualValues(t, 1, l.calls.Load(), "permanent failures are not retried")
	assert.Zero(t, o.Len())
}

func TestCommitSession_TimeoutOnceThenSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := t.Context()
	bolt := newTestLedger(t)
	l := newLostAckLedger(bolt, 1)
	o := NewOrchestrator(newSeededStore(t), l,
		WithCommitTimeout(50*time.Millisecond),
		WithCommitAttempts(1),
		WithLogger(zaptest.NewLogger(t)),
	)

	h, err := o.StartSession(ctx, "sort a list")
	require.NoError(t, err)
	require.NoError(t, o.Refine(ctx, h))

	_, err = o.CommitSession(ctx, h)
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	stage, _ := FailedStage(err)
	assert.Equal(t, StageCommit, stage)

	state, err := o.State(h)
	require.NoError(t, err)
	assert.Equal(t, workbench.Refined, state, "a retryable failure leaves the workbench refined")

	receipt, err := o.CommitSession(ctx, h)
	require.NoError(t, err)

	state, err = o.State(h)
	require.NoError(t, err)
	assert.Equal(t, workbench.Committed, state)

	n, err := bolt.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "exactly one entry reaches the ledger")

	content, err := bolt.Verify(ctx, receipt)
	require.NoError(t, err)
	assert.Contains(t, content, "bubble_sort(...)")
	assert.EqualValues(t, 2, l.calls.Load())
}

func TestCommitSession_RetriesWithinOneCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := t.Context()
	bolt := newTestLedger(t)
	l := newLostAckLedger(bolt, 2)
	o := NewOrchestrator(newSeededStore(t), l,
		WithCommitTimeout(30*time.Millisecond),
		WithCommitAttempts(3),
	)

	out, err := o.Run(ctx, "sort a list")
	require.NoError(t, err)
	assert.EqualValues(t, 3, l.calls.Load())

	n, err := bolt.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	content, err := bolt.Verify(ctx, out.Receipt)
	require.NoError(t, err)
	assert.Equal(t, out.Suggestion, content)
}

func TestCommitSession_BacksOffBetweenRetries(t *testing.T) {
	ctx := t.Context()
	l := &failingLedger{err: ledger.Retryable(errors.New("ledger unavailable"))}
	o := NewOrchestrator(newSeededStore(t), l,
		WithCommitAttempts(3),
		WithCommitBackoff(20*time.Millisecond),
	)

	h, err := o.StartSession(ctx, "sort a list")
	require.NoError(t, err)
	require.NoError(t, o.Refine(ctx, h))

	start := time.Now()
	_, err = o.CommitSession(ctx, h)
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.EqualValues(t, 3, l.calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "waits 20ms then 40ms")
}

func TestCommitSession_BackoffStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &failingLedger{err: ledger.Retryable(errors.New("ledger unavailable"))}
	o := NewOrchestrator(newSeededStore(t), l,
		WithCommitAttempts(3),
		WithCommitBackoff(time.Hour),
	)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h, err := o.StartSession(ctx, "sort a list")
	require.NoError(t, err)
	require.NoError(t, o.Refine(ctx, h))

	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	_, err = o.CommitSession(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ledger.IsRetryable(err))
	assert.EqualValues(t, 1, l.calls.Load())
}

func TestRun_RetryableFailureKeepsSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := t.Context()
	l := newLostAckLedger(newTestLedger(t), 1)
	o := NewOrchestrator(newSeededStore(t), l,
		WithCommitTimeout(30*time.Millisecond),
		WithCommitAttempts(1),
	)

	out, err := o.Run(ctx, "sort a list")
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 1, o.Len())

	_, err = o.CommitSession(ctx, out.Handle)
	require.NoError(t, err)
}

func TestCommitSession_CancelledContext(t *testing.T) {
	l := newTestLedger(t)
	o := NewOrchestrator(newSeededStore(t), l)

	ctx, cancel := context.WithCancel(t.Context())
	h, err := o.StartSession(ctx, "sort a list")
	require.NoError(t, err)
	require.NoError(t, o.Refine(ctx, h))

	cancel()
	_, err = o.CommitSession(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ledger.IsRetryable(err))

	state, _ := o.State(h)
	assert.Equal(t, workbench.Refined, state)

	n, err := l.VerifyChain(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_ConcurrentSessions(t *testing.T) {
	ctx := t.Context()
	l := newTestLedger(t)
	o := NewOrchestrator(newSeededStore(t), l)

	const sessions = 16
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(ctx, "sort a list")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessions, n, "each session commits its own entry")
	assert.Zero(t, o.Len())
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")

	err := error(&StageError{Stage: StageCommit, SessionID: "abc", Err: cause})
	assert.Equal(t, "session abc: commit stage failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	err = &StageError{Stage: StageValidation, Err: cause}
	assert.Equal(t, "validation stage failed: boom", err.Error())

	_, ok := FailedStage(cause)
	assert.False(t, ok)
}

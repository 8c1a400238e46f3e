package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/events"
)

// fakeTab scripts a sequence of evaluation outcomes; the last step
// repeats once the script runs out.
type fakeTab struct {
	key   string
	steps []func() (*EvalEnvelope, error)
	calls int
}

func (f *fakeTab) Key() string { return f.key }

func (f *fakeTab) Evaluate(ctx context.Context, expression string, timeout time.Duration) (*EvalEnvelope, error) {
	i := f.calls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.calls++
	return f.steps[i]()
}

func numberResult(v string) func() (*EvalEnvelope, error) {
	return func() (*EvalEnvelope, error) {
		return &EvalEnvelope{Result: &RemoteObject{Type: "number", Value: json.RawMessage(v)}}, nil
	}
}

func transportFailure() (*EvalEnvelope, error) {
	return nil, &TransportError{Op: "evaluate", Err: errors.New("websocket closed")}
}

func jsFailure() (*EvalEnvelope, error) {
	return &EvalEnvelope{
		ExceptionDetails: &ExceptionDetails{Text: "ReferenceError: boom", LineNumber: 1},
	}, nil
}

func newTestEvaluator(t *testing.T) (*Evaluator, *events.Journal) {
	t.Helper()
	policies := DefaultPolicySet()
	journal := events.NewJournal(1000)
	breakers := NewBreakerRegistry(policies, time.Minute, journal)
	return NewEvaluator(policies, breakers, journal, zerolog.Nop()), journal
}

func TestSafeEvaluateSuccess(t *testing.T) {
	eval, journal := newTestEvaluator(t)
	tab := &fakeTab{key: "tab-1", steps: []func() (*EvalEnvelope, error){numberResult("3228")}}

	raw, err := eval.SafeEvaluate(context.Background(), tab, "1614*2", "liveness", NonCritical, "number")
	require.NoError(t, err)
	assert.Equal(t, "3228", string(raw))

	evts := journal.Query("", time.Minute)
	kinds := make([]string, 0, len(evts))
	for _, e := range evts {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "pre_execute")
	assert.Contains(t, kinds, "post_execute")
}

func TestSafeEvaluateRetriesTransportFailures(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	tab := &fakeTab{key: "tab-1", steps: []func() (*EvalEnvelope, error){
		transportFailure,
		transportFailure,
		numberResult("7"),
	}}

	raw, err := eval.SafeEvaluate(context.Background(), tab, "7", "retry test", Critical, "number")
	require.NoError(t, err)
	assert.Equal(t, "7", string(raw))
	assert.Equal(t, 3, tab.calls, "two failures then success")
}

func TestSafeEvaluateDoesNotRetryJavaScriptErrors(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	tab := &fakeTab{key: "tab-1", steps: []func() (*EvalEnvelope, error){
		jsFailure,
		numberResult("7"),
	}}

	_, err := eval.SafeEvaluate(context.Background(), tab, "boom()", "js error", Critical, "")
	var jsErr *JavaScriptError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, 1, tab.calls, "a page error must fail immediately")
}

func TestSafeEvaluateSingleAttemptForNonCritical(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	tab := &fakeTab{key: "tab-1", steps: []func() (*EvalEnvelope, error){
		transportFailure,
		numberResult("7"),
	}}

	_, err := eval.SafeEvaluate(context.Background(), tab, "7", "one shot", NonCritical, "")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, tab.calls, "NON_CRITICAL gets exactly one attempt")
}

func TestSafeEvaluateExhaustionTicksBreakerOnce(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	tab := &fakeTab{key: "tab-x", steps: []func() (*EvalEnvelope, error){transportFailure}}

	// Each exhausted operation counts one breaker failure regardless of
	// its internal attempts; CRITICAL threshold is 3.
	for i := 0; i < 2; i++ {
		_, err := eval.SafeEvaluate(context.Background(), tab, "x", "fail", Critical, "")
		require.Error(t, err)
		assert.Equal(t, StateClosed, eval.Breakers().State("tab-x", Critical))
	}
	_, err := eval.SafeEvaluate(context.Background(), tab, "x", "fail", Critical, "")
	require.Error(t, err)
	assert.Equal(t, StateOpen, eval.Breakers().State("tab-x", Critical))

	_, err = eval.SafeEvaluate(context.Background(), tab, "x", "short circuit", Critical, "")
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
}

func TestSafeEvaluateExpectedTypeCheck(t *testing.T) {
	eval, _ := newTestEvaluator(t)
	tab := &fakeTab{key: "tab-1", steps: []func() (*EvalEnvelope, error){
		func() (*EvalEnvelope, error) {
			return &EvalEnvelope{Result: &RemoteObject{Type: "string", Value: json.RawMessage(`"nope"`)}}, nil
		},
	}}

	_, err := eval.SafeEvaluate(context.Background(), tab, "x", "type check", NonCritical, "number")
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
}

package chrome

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tradefleet/internal/events"
)

// EvalTarget abstracts the tab for the evaluator so callers and tests can
// substitute transports.
type EvalTarget interface {
	// Key identifies the tab for breaker and journal purposes.
	Key() string
	Evaluate(ctx context.Context, expression string, timeout time.Duration) (*EvalEnvelope, error)
}

// Key implements EvalTarget for a live tab.
func (t *Tab) Key() string { return t.ID }

// Evaluator composes classification, retry policy and circuit breaking
// into one safe entry point for running javascript in a tab.
type Evaluator struct {
	policies *PolicySet
	breakers *BreakerRegistry
	journal  *events.Journal
	log      zerolog.Logger
}

// NewEvaluator wires the evaluator to its policy set, breaker registry
// and journal.
func NewEvaluator(policies *PolicySet, breakers *BreakerRegistry, journal *events.Journal, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		policies: policies,
		breakers: breakers,
		journal:  journal,
		log:      log,
	}
}

// Breakers exposes the registry for state snapshots.
func (e *Evaluator) Breakers() *BreakerRegistry { return e.breakers }

// fingerprint identifies code in events without logging the code itself.
func fingerprint(js string) string {
	sum := sha256.Sum256([]byte(js))
	return hex.EncodeToString(sum[:6])
}

// SafeEvaluate runs js in the target under the policy of the given op
// class. It returns the raw JSON value of the result, or the last
// classified error. Pre- and post-execute events are emitted on every
// path, including circuit short-circuits.
func (e *Evaluator) SafeEvaluate(ctx context.Context, target EvalTarget, js, description string, class OpClass, expectedType string) (json.RawMessage, error) {
	policy := e.policies.For(class)
	tab := target.Key()
	fp := fingerprint(js)
	start := time.Now()

	e.journal.Append(events.Event{
		Component:   "evaluator",
		Kind:        "pre_execute",
		OpClass:     class.String(),
		Tab:         tab,
		Outcome:     events.OutcomeSuccess,
		Severity:    events.SeverityInfo,
		Description: description + " [" + fp + "]",
	})

	attempts := 0
	value, err := e.breakers.Execute(tab, class, func() (interface{}, error) {
		v, n, execErr := e.attemptLoop(ctx, target, js, policy)
		attempts = n
		return v, execErr
	})

	elapsed := time.Since(start)
	outcome := events.OutcomeSuccess
	var circuitErr *CircuitOpenError
	switch {
	case errors.As(err, &circuitErr):
		outcome = events.OutcomeCircuitOpen
	case err != nil:
		outcome = events.OutcomeFailure
	}

	m := events.GetMetrics()
	m.Operations.WithLabelValues(class.String(), outcome).Inc()
	m.OperationTime.WithLabelValues(class.String()).Observe(elapsed.Seconds())

	e.journal.Append(events.Event{
		Component:    "evaluator",
		Kind:         "post_execute",
		OpClass:      class.String(),
		Tab:          tab,
		Outcome:      outcome,
		ElapsedMS:    elapsed.Milliseconds(),
		Attempts:     attempts,
		CircuitState: e.breakers.State(tab, class),
		Description:  description + " [" + fp + "]",
	})

	if err != nil {
		return nil, err
	}

	raw, _ := value.(json.RawMessage)
	return e.postClassify(raw, expectedType)
}

// attemptLoop runs up to MaxAttempts evaluations, sleeping per the backoff
// policy between retryable failures. Classification errors other than
// transport are final immediately.
func (e *Evaluator) attemptLoop(ctx context.Context, target EvalTarget, js string, policy Policy) (json.RawMessage, int, error) {
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.TransportDelay()
			if isBusyError(lastErr) {
				delay = policy.BusyDelay(attempt - 1)
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, attempt, &TransportError{Op: "backoff", Err: ctx.Err()}
				}
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		env, err := target.Evaluate(attemptCtx, js, policy.AttemptTimeout)
		cancel()

		if err != nil {
			lastErr = err
			if IsRetryable(err) {
				e.log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_attempts", policy.MaxAttempts).
					Msg("Transport failure, will retry")
				continue
			}
			return nil, attempt + 1, err
		}

		// Classification without type expectation here; the expected
		// type is checked once on the final value so a mismatch is not
		// masked by retries.
		raw, cerr := Classify(env, "")
		if cerr != nil {
			if IsRetryable(cerr) {
				lastErr = cerr
				continue
			}
			return nil, attempt + 1, cerr
		}
		return raw, attempt + 1, nil
	}

	return nil, policy.MaxAttempts, lastErr
}

// postClassify applies the caller's expected-type check to the final raw
// value. DevTools types map loosely onto JSON: number, string, boolean,
// object.
func (e *Evaluator) postClassify(raw json.RawMessage, expectedType string) (json.RawMessage, error) {
	if expectedType == "" || len(raw) == 0 {
		return raw, nil
	}
	actual := jsonTypeOf(raw)
	if actual != expectedType {
		return nil, &TypeMismatchError{Expected: expectedType, Actual: actual}
	}
	return raw, nil
}

func jsonTypeOf(raw json.RawMessage) string {
	for _, b := range raw {
		switch {
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			continue
		case b == '{' || b == '[':
			return "object"
		case b == '"':
			return "string"
		case b == 't' || b == 'f':
			return "boolean"
		case b == 'n':
			return "null"
		default:
			return "number"
		}
	}
	return "undefined"
}

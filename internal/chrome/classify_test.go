package chrome

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyValue(t *testing.T) {
	tests := []struct {
		name         string
		env          *EvalEnvelope
		expectedType string
		want         string
	}{
		{
			name: "number value",
			env: &EvalEnvelope{
				Result: &RemoteObject{Type: "number", Value: json.RawMessage("3228")},
			},
			expectedType: "number",
			want:         "3228",
		},
		{
			name: "string value",
			env: &EvalEnvelope{
				Result: &RemoteObject{Type: "string", Value: json.RawMessage(`"complete"`)},
			},
			expectedType: "string",
			want:         `"complete"`,
		},
		{
			name: "object value without expectation",
			env: &EvalEnvelope{
				Result: &RemoteObject{Type: "object", Value: json.RawMessage(`{"success":true}`)},
			},
			want: `{"success":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Classify(tt.env, tt.expectedType)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestClassifyNilEnvelopeIsTransport(t *testing.T) {
	_, err := Classify(nil, "")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsRetryable(err))
}

func TestClassifyMissingResultIsTransport(t *testing.T) {
	_, err := Classify(&EvalEnvelope{}, "")
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestClassifyExceptionDetails(t *testing.T) {
	env := &EvalEnvelope{
		ExceptionDetails: &ExceptionDetails{
			Text:       "Uncaught",
			LineNumber: 12,
			Exception: &RemoteObject{
				Type:        "object",
				Subtype:     "error",
				Description: "ReferenceError: autoTrade is not defined",
			},
		},
	}

	_, err := Classify(env, "")
	var jsErr *JavaScriptError
	require.ErrorAs(t, err, &jsErr)
	assert.Contains(t, jsErr.Text, "ReferenceError")
	assert.Equal(t, 12, jsErr.LineNumber)
	assert.False(t, IsRetryable(err), "page errors must never be retried")
}

func TestClassifyErrorSubtypeResult(t *testing.T) {
	env := &EvalEnvelope{
		Result: &RemoteObject{
			Type:        "object",
			Subtype:     "error",
			Description: "TypeError: cannot read properties of null",
		},
	}

	_, err := Classify(env, "object")
	var jsErr *JavaScriptError
	require.ErrorAs(t, err, &jsErr)
	assert.Contains(t, jsErr.Text, "TypeError")
}

func TestClassifyUndefined(t *testing.T) {
	env := &EvalEnvelope{Result: &RemoteObject{Type: "undefined"}}

	_, err := Classify(env, "")
	assert.True(t, errors.Is(err, ErrUndefinedResult))
}

func TestClassifyTypeMismatch(t *testing.T) {
	env := &EvalEnvelope{
		Result: &RemoteObject{Type: "string", Value: json.RawMessage(`"42"`)},
	}

	_, err := Classify(env, "number")
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "number", tm.Expected)
	assert.Equal(t, "string", tm.Actual)
	assert.False(t, IsRetryable(err))
}

package chrome

import (
	"encoding/json"
)

// RemoteObject mirrors the DevTools Runtime.RemoteObject shape we consume.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ExceptionDetails mirrors the DevTools Runtime.ExceptionDetails shape.
type ExceptionDetails struct {
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	Exception    *RemoteObject `json:"exception,omitempty"`
	StackTrace   *stackTrace   `json:"stackTrace,omitempty"`
}

type stackTrace struct {
	Description string       `json:"description,omitempty"`
	CallFrames  []callFrame  `json:"callFrames,omitempty"`
}

type callFrame struct {
	FunctionName string `json:"functionName"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
}

// EvalEnvelope is the response envelope of Runtime.evaluate.
type EvalEnvelope struct {
	Result           *RemoteObject     `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// Classify parses an evaluation envelope into a value or a typed error.
// expectedType, when non-empty, must equal the DevTools result type
// ("number", "string", "boolean", "object"). The returned value is the
// raw JSON of result.value; callers unmarshal into their own types.
func Classify(env *EvalEnvelope, expectedType string) (json.RawMessage, error) {
	if env == nil {
		return nil, &TransportError{Op: "classify", Err: errMalformed}
	}

	if env.ExceptionDetails != nil {
		return nil, classifyException(env.ExceptionDetails)
	}

	if env.Result == nil {
		return nil, &TransportError{Op: "classify", Err: errMalformed}
	}

	if env.Result.Type == "object" && env.Result.Subtype == "error" {
		return nil, &JavaScriptError{Text: env.Result.Description}
	}

	if env.Result.Type == "undefined" {
		return nil, ErrUndefinedResult
	}

	if expectedType != "" && env.Result.Type != expectedType {
		return nil, &TypeMismatchError{Expected: expectedType, Actual: env.Result.Type}
	}

	return env.Result.Value, nil
}

var errMalformed = jsonError("malformed response")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func classifyException(d *ExceptionDetails) error {
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
	}
	jsErr := &JavaScriptError{
		Text:       text,
		LineNumber: d.LineNumber,
	}
	if d.StackTrace != nil {
		jsErr.StackTrace = d.StackTrace.Description
	}
	return jsErr
}

package surrealnet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Result is the outcome of one operation or statement: either an OkResult or
// an ErrorResult, never both.
type Result interface {
	// OK reports whether the result is an OkResult.
	OK() bool
	// TryGetResult returns the OkResult, if any.
	TryGetResult() (OkResult, bool)
	// TryGetError returns the ErrorResult, if any.
	TryGetError() (ErrorResult, bool)
	// Err returns the ErrorResult as an error, or nil.
	Err() error
	String() string
}

// OkResult wraps the value of a successful operation.
type OkResult struct {
	Value json.RawMessage
}

func (r OkResult) OK() bool                         { return true }
func (r OkResult) TryGetResult() (OkResult, bool)   { return r, true }
func (r OkResult) TryGetError() (ErrorResult, bool) { return ErrorResult{}, false }
func (r OkResult) Err() error                       { return nil }

// IsNull reports whether the value is absent or JSON null.
func (r OkResult) IsNull() bool {
	v := bytes.TrimSpace(r.Value)
	return len(v) == 0 || string(v) == "null"
}

// Decode unmarshals the value into v.
func (r OkResult) Decode(v any) error {
	if len(r.Value) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Value, v)
}

// Equal reports whether both values are the same JSON document, ignoring
// formatting and object key order.
func (r OkResult) Equal(other OkResult) bool {
	a, errA := normalize(r.Value)
	b, errB := normalize(other.Value)
	if errA != nil || errB != nil {
		return bytes.Equal(r.Value, other.Value)
	}
	return reflect.DeepEqual(a, b)
}

func (r OkResult) String() string {
	if len(r.Value) == 0 {
		return "OK: null"
	}
	return "OK: " + string(r.Value)
}

// ErrorResult describes a remote failure.
type ErrorResult struct {
	Code    int
	Status  string
	Message string
}

func (e ErrorResult) OK() bool                         { return false }
func (e ErrorResult) TryGetResult() (OkResult, bool)   { return OkResult{}, false }
func (e ErrorResult) TryGetError() (ErrorResult, bool) { return e, true }
func (e ErrorResult) Err() error                       { return e }

func (e ErrorResult) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (%d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("error %d: %s", e.Code, e.Message)
}

func (e ErrorResult) String() string { return e.Error() }

// NewErrorResult builds the result of a frame carrying an error object.
func NewErrorResult(code int, message string) Result {
	return ErrorResult{Code: code, Message: message}
}

// NewResult builds the result of a successful frame. A value shaped like a
// single status document is unwrapped to its inner result, and becomes an
// ErrorResult when its status is not OK. Any other value is kept as is.
func NewResult(raw json.RawMessage) Result {
	doc, ok := UnwrapStatusDocument(raw)
	if !ok {
		return OkResult{Value: raw}
	}
	return doc.Result()
}

// StatusDocument is the server's {result, status, time} wrapper.
type StatusDocument struct {
	Value  json.RawMessage `json:"result"`
	Status string          `json:"status"`
	Time   string          `json:"time"`
}

// Result converts the document into an OkResult or ErrorResult.
func (d StatusDocument) Result() Result {
	if d.Status == StatusOK {
		return OkResult{Value: d.Value}
	}

	msg := string(d.Value)
	var s string
	if json.Unmarshal(d.Value, &s) == nil {
		msg = s
	}
	return ErrorResult{Code: ErrorCodeStatement, Status: d.Status, Message: msg}
}

// UnwrapStatusDocument detects a one-element array whose element has exactly
// the properties result, status and time.
//
// The check is a heuristic over property names: an ordinary record that
// happens to have exactly those three fields, returned alone in an array, is
// treated as a status document too.
func UnwrapStatusDocument(raw json.RawMessage) (StatusDocument, bool) {
	docs, ok := ParseStatusDocuments(raw)
	if !ok || len(docs) != 1 {
		return StatusDocument{}, false
	}
	return docs[0], true
}

// ParseStatusDocuments detects a non-empty array made only of status
// documents, as returned for multi-statement queries.
func ParseStatusDocuments(raw json.RawMessage) ([]StatusDocument, bool) {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 || v[0] != '[' {
		return nil, false
	}

	var elems []map[string]json.RawMessage
	if err := json.Unmarshal(v, &elems); err != nil || len(elems) == 0 {
		return nil, false
	}

	docs := make([]StatusDocument, 0, len(elems))
	for _, e := range elems {
		if len(e) != 3 {
			return nil, false
		}
		value, hasResult := e["result"]
		status, hasStatus := e["status"]
		t, hasTime := e["time"]
		if !hasResult || !hasStatus || !hasTime {
			return nil, false
		}

		doc := StatusDocument{Value: value}
		if err := json.Unmarshal(status, &doc.Status); err != nil {
			return nil, false
		}
		if err := json.Unmarshal(t, &doc.Time); err != nil {
			return nil, false
		}
		docs = append(docs, doc)
	}
	return docs, true
}

// Response holds the results of a query, one per statement.
type Response []Result

// NewResponse converts a query result into per-statement results. An array
// of status documents yields one Result each, an empty array yields no
// results, and any other value yields a single OkResult.
func NewResponse(raw json.RawMessage) Response {
	if docs, ok := ParseStatusDocuments(raw); ok {
		out := make(Response, len(docs))
		for i, d := range docs {
			out[i] = d.Result()
		}
		return out
	}
	if string(bytes.TrimSpace(raw)) == "[]" {
		return Response{}
	}
	return Response{OkResult{Value: raw}}
}

// OK reports whether every statement succeeded.
func (r Response) OK() bool {
	return r.Err() == nil
}

// Err returns the first statement error, or nil.
func (r Response) Err() error {
	for _, res := range r {
		if err := res.Err(); err != nil {
			return err
		}
	}
	return nil
}

// First returns the first statement result.
func (r Response) First() (Result, bool) {
	if len(r) == 0 {
		return nil, false
	}
	return r[0], true
}

// Decode converts a result into T. An ErrorResult is returned as the error.
func Decode[T any](r Result) (T, error) {
	var out T
	ok, found := r.TryGetResult()
	if !found {
		return out, r.Err()
	}
	if err := ok.Decode(&out); err != nil {
		return out, fmt.Errorf("%s: %w", ErrMsgFailedToDecode, err)
	}
	return out, nil
}

func normalize(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	err := dec.Decode(&v)
	return v, err
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const maxPayloadSize = 64 * 1024 * 1024 // 64MB max encoded frame

// Request is an outgoing RPC envelope.
type Request struct {
	ID     string `json:"id"`
	Async  bool   `json:"async,omitempty"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Error is the error object of a failed response frame.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is a fully decoded inbound frame. Result, Error and Params are
// mutually exclusive and follow Header.Body.
type Response struct {
	Header
	Result json.RawMessage
	Error  *Error
	Params json.RawMessage
}

// Failed reports whether the frame carries a nonzero error code.
func (r *Response) Failed() bool {
	return r.Error != nil && r.Error.Code != 0
}

// Marshal encodes v with the serializer settings shared by every encode path:
// HTML characters are left unescaped and no trailing newline is written.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Encode serializes a request envelope. A nil parameter list is written as [].
func Encode(req *Request) ([]byte, error) {
	if req.ID == "" {
		return nil, errors.New("request id is empty")
	}
	if req.Method == "" {
		return nil, errors.New("request method is empty")
	}

	out := *req
	if out.Params == nil {
		out.Params = []any{}
	}

	data, err := Marshal(&out)
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	return data, nil
}

// DecodeBody reads the body value described by h from r. r must be positioned
// at the byte offset reported by ScanHeader; only one JSON value is consumed.
func DecodeBody(h Header, r io.Reader) (*Response, error) {
	resp := &Response{Header: h}
	if h.Body == BodyNone {
		return resp, nil
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Body, err)
	}

	switch h.Body {
	case BodyResult:
		resp.Result = raw
	case BodyParams:
		resp.Params = raw
	case BodyError:
		var e Error
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		if e.Code != 0 {
			resp.Error = &e
		}
	}
	return resp, nil
}

// Decode scans the header of a complete frame and decodes its body.
func Decode(data []byte) (*Response, error) {
	h, err := ScanHeader(data)
	if err != nil {
		return nil, err
	}
	return DecodeBody(h, bytes.NewReader(data[h.Offset:]))
}

// DecodeRequest decodes a complete request frame, as sent by Encode.
func DecodeRequest(data []byte) (*Request, []json.RawMessage, error) {
	resp, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}

	req := &Request{ID: resp.ID, Async: resp.Async, Method: resp.Method}
	var params []json.RawMessage
	if len(resp.Params) > 0 {
		if err := json.Unmarshal(resp.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return req, params, nil
}

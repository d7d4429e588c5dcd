package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

// TestEncode tests the Encode function with various requests
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		req       Request
		want      string
		wantError bool
	}{
		{
			name: "method with params",
			req:  Request{ID: "1", Method: "select", Params: []any{"person:tobie"}},
			want: `{"id":"1","method":"select","params":["person:tobie"]}`,
		},
		{
			name: "nil params encoded as empty list",
			req:  Request{ID: "2", Method: "ping"},
			want: `{"id":"2","method":"ping","params":[]}`,
		},
		{
			name: "async flag",
			req:  Request{ID: "3", Async: true, Method: "query", Params: []any{"INFO FOR DB"}},
			want: `{"id":"3","async":true,"method":"query","params":["INFO FOR DB"]}`,
		},
		{
			name: "html characters are not escaped",
			req:  Request{ID: "4", Method: "query", Params: []any{"a < b && c > d"}},
			want: `{"id":"4","method":"query","params":["a < b && c > d"]}`,
		},
		{
			name:      "missing id",
			req:       Request{Method: "ping"},
			wantError: true,
		},
		{
			name:      "missing method",
			req:       Request{ID: "5"},
			wantError: true,
		},
		{
			name:      "unsupported param",
			req:       Request{ID: "6", Method: "let", Params: []any{math.NaN()}},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Encode(&tt.req)
			if (err != nil) != tt.wantError {
				t.Fatalf("Encode() error = %v, wantError %v", err, tt.wantError)
			}
			if tt.wantError {
				return
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestEncodePreservesInput tests that Encode doesn't modify the request
func TestEncodePreservesInput(t *testing.T) {
	t.Parallel()

	req := &Request{ID: "1", Method: "ping"}
	if _, err := Encode(req); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if req.Params != nil {
		t.Errorf("Encode() modified request params: %v", req.Params)
	}
}

// TestDecodeBody tests body decoding for every body kind
func TestDecodeBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		frame      string
		wantResult string
		wantParams string
		wantCode   int
		wantFailed bool
	}{
		{
			name:       "result array",
			frame:      `{"id":"1","method":"select","result":[{"a":1}]}`,
			wantResult: `[{"a":1}]`,
		},
		{
			name:       "result null",
			frame:      `{"id":"1","method":"delete","result":null}`,
			wantResult: `null`,
		},
		{
			name:       "error",
			frame:      `{"id":"1","method":"select","error":{"code":-32000,"message":"boom"}}`,
			wantCode:   -32000,
			wantFailed: true,
		},
		{
			name:  "error with zero code is not a failure",
			frame: `{"id":"1","method":"select","error":{"code":0,"message":""}}`,
		},
		{
			name:       "notification params",
			frame:      `{"id":"live-1","method":"notify","params":[{"action":"CREATE"}]}`,
			wantParams: `[{"action":"CREATE"}]`,
		},
		{
			name:  "no body",
			frame: `{"id":"1","method":"ping"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if string(resp.Result) != tt.wantResult {
				t.Errorf("result = %s, want %s", resp.Result, tt.wantResult)
			}
			if string(resp.Params) != tt.wantParams {
				t.Errorf("params = %s, want %s", resp.Params, tt.wantParams)
			}
			if resp.Failed() != tt.wantFailed {
				t.Errorf("Failed() = %v, want %v", resp.Failed(), tt.wantFailed)
			}
			if tt.wantFailed && resp.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

// TestDecodeBodyStopsAfterValue verifies only one value is read from the remainder
func TestDecodeBodyStopsAfterValue(t *testing.T) {
	t.Parallel()

	frame := []byte(`{"id":"7","method":"select","result":{"name":"tobie"},"ignored":true}`)
	h, err := ScanHeader(frame)
	if err != nil {
		t.Fatalf("ScanHeader() failed: %v", err)
	}

	resp, err := DecodeBody(h, bytes.NewReader(frame[h.Offset:]))
	if err != nil {
		t.Fatalf("DecodeBody() failed: %v", err)
	}
	if string(resp.Result) != `{"name":"tobie"}` {
		t.Errorf("result = %s", resp.Result)
	}
}

// TestEncodeDecodeRoundTrip verifies a request survives Encode and DecodeRequest
func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		params []any
	}{
		{"no params", "ping", nil},
		{"unicode", "create", []any{"person", map[string]any{"name": "Zoë 🦀"}}},
		{"nested", "merge", []any{"person:1", map[string]any{"tags": []any{"a", "b"}}}},
		{"large", "query", []any{strings.Repeat("x", 100*1024)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := Encode(&Request{ID: "rt", Method: tt.method, Params: tt.params})
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}

			req, params, err := DecodeRequest(encoded)
			if err != nil {
				t.Fatalf("DecodeRequest() failed: %v", err)
			}
			if req.ID != "rt" || req.Method != tt.method {
				t.Errorf("header = %+v", req)
			}
			if len(params) != len(tt.params) {
				t.Fatalf("params len = %d, want %d", len(params), len(tt.params))
			}
			for i, p := range params {
				want, _ := Marshal(tt.params[i])
				var a, b any
				_ = json.Unmarshal(p, &a)
				_ = json.Unmarshal(want, &b)
				if !jsonEqual(a, b) {
					t.Errorf("param %d = %s, want %s", i, p, want)
				}
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"id":"1","result":[]}`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}

	_, err = Decode([]byte(`{"id":"1","method":"x","result":[1,2`))
	if err == nil {
		t.Error("Decode() of truncated body should fail")
	}
}

func jsonEqual(a, b any) bool {
	x, _ := json.Marshal(a)
	y, _ := json.Marshal(b)
	return bytes.Equal(x, y)
}

// BenchmarkEncode benchmarks the encoding operation
func BenchmarkEncode(b *testing.B) {
	req := &Request{ID: "42", Method: "select", Params: []any{"person:tobie"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(req)
	}
}

// BenchmarkDecode benchmarks decoding a complete frame
func BenchmarkDecode(b *testing.B) {
	data := []byte(`{"id":"42","method":"select","result":[{"id":"person:tobie","name":"Tobie"}]}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(data)
	}
}

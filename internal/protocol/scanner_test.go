package protocol

import (
	"errors"
	"testing"
)

// TestScanHeader tests header extraction from well-formed and tolerated frames
func TestScanHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		frame     string
		wantID    string
		wantMeth  string
		wantAsync bool
		wantBody  BodyKind
		wantRest  string
	}{
		{
			name:     "result array",
			frame:    `{"id":"1","method":"select","result":[{"a":1}]}`,
			wantID:   "1",
			wantMeth: "select",
			wantBody: BodyResult,
			wantRest: `[{"a":1}]}`,
		},
		{
			name:      "async response",
			frame:     `{"id":"abc","async":true,"method":"query","result":null}`,
			wantID:    "abc",
			wantMeth:  "query",
			wantAsync: true,
			wantBody:  BodyResult,
			wantRest:  `null}`,
		},
		{
			name:     "error body",
			frame:    `{"id":"2","method":"create","error":{"code":-1,"message":"x"}}`,
			wantID:   "2",
			wantMeth: "create",
			wantBody: BodyError,
			wantRest: `{"code":-1,"message":"x"}}`,
		},
		{
			name:     "notification",
			frame:    `{"id":"live","method":"notify","params":[1]}`,
			wantID:   "live",
			wantMeth: "notify",
			wantBody: BodyParams,
			wantRest: `[1]}`,
		},
		{
			name:     "whitespace before body",
			frame:    "{ \"id\" : \"3\" ,\n\t\"method\" : \"info\" , \"result\" :   {\"x\":1} }",
			wantID:   "3",
			wantMeth: "info",
			wantBody: BodyResult,
			wantRest: `{"x":1} }`,
		},
		{
			name:     "comments",
			frame:    "{/* header */\"id\":\"4\", // trailing\n\"method\":\"ping\",\"result\":true}",
			wantID:   "4",
			wantMeth: "ping",
			wantBody: BodyResult,
			wantRest: `true}`,
		},
		{
			name:     "trailing comma without body",
			frame:    `{"id":"5","method":"invalidate",}`,
			wantID:   "5",
			wantMeth: "invalidate",
			wantBody: BodyNone,
			wantRest: ``,
		},
		{
			name:     "numeric id",
			frame:    `{"id":17,"method":"version","result":"1.0.0"}`,
			wantID:   "17",
			wantMeth: "version",
			wantBody: BodyResult,
			wantRest: `"1.0.0"}`,
		},
		{
			name:     "escaped strings",
			frame:    `{"id":"a\"b","method":"select","result":[]}`,
			wantID:   `a"b`,
			wantMeth: "select",
			wantBody: BodyResult,
			wantRest: `[]}`,
		},
		{
			name:     "escaped property names",
			frame:    `{"\u0069d":"6","meth\u006fd":"ping","result":1}`,
			wantID:   "6",
			wantMeth: "ping",
			wantBody: BodyResult,
			wantRest: `1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := []byte(tt.frame)
			h, err := ScanHeader(data)
			if err != nil {
				t.Fatalf("ScanHeader() failed: %v", err)
			}
			if h.ID != tt.wantID {
				t.Errorf("id = %q, want %q", h.ID, tt.wantID)
			}
			if h.Method != tt.wantMeth {
				t.Errorf("method = %q, want %q", h.Method, tt.wantMeth)
			}
			if h.Async != tt.wantAsync {
				t.Errorf("async = %v, want %v", h.Async, tt.wantAsync)
			}
			if h.Body != tt.wantBody {
				t.Errorf("body = %v, want %v", h.Body, tt.wantBody)
			}
			if rest := string(data[h.Offset:]); rest != tt.wantRest {
				t.Errorf("remainder = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

// TestScanHeaderIdempotent verifies rescanning yields the same header and offset
func TestScanHeaderIdempotent(t *testing.T) {
	t.Parallel()

	data := []byte(`{"id":"1","method":"select","result":[{"a":1},{"b":2}]}`)
	first, err := ScanHeader(data)
	if err != nil {
		t.Fatalf("ScanHeader() failed: %v", err)
	}
	second, err := ScanHeader(data)
	if err != nil {
		t.Fatalf("ScanHeader() failed: %v", err)
	}
	if first != second {
		t.Errorf("headers differ: %+v vs %+v", first, second)
	}
	if data[first.Offset] != '[' {
		t.Errorf("offset points at %q, want '['", data[first.Offset])
	}
}

// TestScanHeaderErrors tests malformed and truncated frames
func TestScanHeaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"empty", ``, ErrIncomplete},
		{"not an object", `["id"]`, ErrMalformed},
		{"unknown property", `{"id":"1","foo":1,"method":"x"}`, ErrMalformed},
		{"invalid property name", `{"\q":1,"id":"1","method":"x"}`, ErrMalformed},
		{"missing method", `{"id":"1","result":[]}`, ErrMalformed},
		{"missing id", `{"method":"select","result":[]}`, ErrMalformed},
		{"empty object", `{}`, ErrMalformed},
		{"async not boolean", `{"id":"1","async":"yes","method":"x"}`, ErrMalformed},
		{"notification with async", `{"id":"1","async":false,"method":"notify","params":[]}`, ErrMalformed},
		{"missing colon", `{"id" "1"}`, ErrMalformed},
		{"bad separator", `{"id":"1";"method":"x"}`, ErrMalformed},
		{"truncated key", `{"i`, ErrIncomplete},
		{"truncated id", `{"id":"12`, ErrIncomplete},
		{"truncated literal", `{"id":"1","async":tr`, ErrIncomplete},
		{"truncated before body", `{"id":"1","method":"x","result":`, ErrIncomplete},
		{"truncated comment", `{"id":"1",/* never closed`, ErrIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ScanHeader([]byte(tt.frame))
			if !errors.Is(err, tt.want) {
				t.Errorf("ScanHeader() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestScanHeaderPrefixes verifies every strict prefix of a header is incomplete, never malformed
func TestScanHeaderPrefixes(t *testing.T) {
	t.Parallel()

	frame := []byte(`{"id":"99","async":false,"method":"select","result":[1]}`)
	full, err := ScanHeader(frame)
	if err != nil {
		t.Fatalf("ScanHeader() failed: %v", err)
	}

	for n := 0; n < full.Offset; n++ {
		if _, err := ScanHeader(frame[:n]); !errors.Is(err, ErrIncomplete) {
			t.Errorf("prefix %d: error = %v, want ErrIncomplete", n, err)
		}
	}
}

// BenchmarkScanHeader benchmarks header extraction
func BenchmarkScanHeader(b *testing.B) {
	data := []byte(`{"id":"8a6f2c3e-59d3-4b76-9f0e-3a1c2b4d5e6f","method":"select","result":[{"id":"person:tobie"}]}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ScanHeader(data)
	}
}

func TestHeaderReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		frame        string
		reply        bool
		notification bool
	}{
		{`{"id":"1","method":"select","result":[]}`, true, false},
		{`{"id":"1","method":"select","error":{"code":-1,"message":"x"}}`, true, false},
		{`{"id":"live","method":"notify","params":[]}`, false, true},
		{`{"id":"live","method":"notify"}`, false, false},
	}

	for _, tt := range tests {
		h, err := ScanHeader([]byte(tt.frame))
		if err != nil {
			t.Fatalf("ScanHeader(%s) failed: %v", tt.frame, err)
		}
		if h.Reply() != tt.reply {
			t.Errorf("Reply(%s) = %v, want %v", tt.frame, h.Reply(), tt.reply)
		}
		if h.Notification() != tt.notification {
			t.Errorf("Notification(%s) = %v, want %v", tt.frame, h.Notification(), tt.notification)
		}
	}
}

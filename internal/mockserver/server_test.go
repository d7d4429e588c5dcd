package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single", "RETURN 1", []string{"RETURN 1"}},
		{"trailing semicolon", "RETURN 1;", []string{"RETURN 1"}},
		{"two", "RETURN 1; RETURN 2", []string{"RETURN 1", "RETURN 2"}},
		{"quoted semicolon", `RETURN "a;b"; RETURN 2`, []string{`RETURN "a;b"`, "RETURN 2"}},
		{"angle semicolon", "SELECT * FROM t:⟨a;b⟩", []string{"SELECT * FROM t:⟨a;b⟩"}},
		{"empty", " ; ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitStatements(%q) = %q, want %q", tt.sql, got, tt.want)
			}
		})
	}
}

func TestCutTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, target, rest string
	}{
		{"person", "person", ""},
		{"person:tobie CONTENT {}", "person:tobie", " CONTENT {}"},
		{"person:⟨john doe⟩ MERGE {}", "person:⟨john doe⟩", " MERGE {}"},
		{`person:["a b", 1] PATCH []`, `person:["a b", 1]`, " PATCH []"},
		{"$thing PATCH []", "$thing", " PATCH []"},
	}

	for _, tt := range tests {
		target, rest := cutTarget(tt.in)
		if target != tt.target || rest != tt.rest {
			t.Errorf("cutTarget(%q) = (%q, %q), want (%q, %q)", tt.in, target, rest, tt.target, tt.rest)
		}
	}
}

func TestExecute(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	sess := &session{
		scope: scope{ns: "test", db: "test"},
		user:  "root",
		vars:  make(map[string]json.RawMessage),
	}

	docs := s.execute(sess, `
		CREATE person:tobie CONTENT {"name":"Tobie","age":30};
		UPDATE person:tobie MERGE {"age":31};
		UPDATE person:tobie PATCH [{"op":"add","path":"/tags","value":["a"]}];
		SELECT * FROM person:tobie;
		CREATE person:tobie CONTENT {};
		LET $x = 5;
		RETURN $x;
		SELECT * FROM $auth;
		DROP TABLE person
	`)

	wantStatus := []string{"OK", "OK", "OK", "OK", "ERR", "OK", "OK", "OK", "ERR"}
	if len(docs) != len(wantStatus) {
		t.Fatalf("got %d status documents, want %d", len(docs), len(wantStatus))
	}
	for i, doc := range docs {
		if doc.Status != wantStatus[i] {
			t.Errorf("statement %d status = %s (%s), want %s", i, doc.Status, doc.Result, wantStatus[i])
		}
	}

	var selected []map[string]any
	if err := json.Unmarshal(docs[3].Result, &selected); err != nil {
		t.Fatalf("unmarshal select: %v", err)
	}
	want := []map[string]any{{
		"id":   "person:tobie",
		"name": "Tobie",
		"age":  float64(31),
		"tags": []any{"a"},
	}}
	if !reflect.DeepEqual(selected, want) {
		t.Errorf("select = %v, want %v", selected, want)
	}
	if string(docs[6].Result) != "5" {
		t.Errorf("RETURN $x = %s, want 5", docs[6].Result)
	}
	if !strings.Contains(string(docs[4].Result), "already exists") {
		t.Errorf("duplicate create result = %s", docs[4].Result)
	}
}

func TestExecuteNeedsAuth(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	sess := &session{scope: scope{ns: "test", db: "test"}, vars: map[string]json.RawMessage{}}

	docs := s.execute(sess, "SELECT * FROM person; RETURN 1")
	if docs[0].Status != "ERR" || docs[1].Status != "OK" {
		t.Errorf("statuses = %s, %s; want ERR, OK", docs[0].Status, docs[1].Status)
	}
}

func TestRESTRoutes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	do := func(method, path, body string) (int, string) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.SetBasicAuth("root", "root")
		req.Header.Set("NS", "test")
		req.Header.Set("DB", "test")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}

	if code, _ := do(http.MethodPost, "/key/person/tobie", `{"name":"Tobie"}`); code != http.StatusOK {
		t.Fatalf("create status = %d", code)
	}

	code, body := do(http.MethodGet, "/key/person/tobie", "")
	if code != http.StatusOK {
		t.Fatalf("select status = %d", code)
	}
	var docs []statusDoc
	if err := json.Unmarshal([]byte(body), &docs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != "OK" {
		t.Fatalf("docs = %s", body)
	}
	if got := string(docs[0].Result); got != `{"id":"person:tobie","name":"Tobie"}` {
		t.Errorf("record = %s", got)
	}

	if code, body := do(http.MethodGet, "/version", ""); code != http.StatusOK || body != DefaultVersion {
		t.Errorf("version = %d %q", code, body)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/key/person", nil)
	req.SetBasicAuth("root", "wrong")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad credentials status = %d, want 401", resp.StatusCode)
	}
}

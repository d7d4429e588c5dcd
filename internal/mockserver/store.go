package mockserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/protocol"
)

// Change actions reported to live queries.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// statementError is a failure reported inside a status document.
type statementError struct {
	msg string
}

func (e *statementError) Error() string { return e.msg }

func failf(format string, args ...any) error {
	return &statementError{msg: fmt.Sprintf(format, args...)}
}

// scope addresses one namespace/database pair.
type scope struct {
	ns, db string
}

func (s scope) valid() error {
	switch {
	case s.ns == "":
		return failf("Specify a namespace to use")
	case s.db == "":
		return failf("Specify a database to use")
	}
	return nil
}

// change describes one mutated record.
type change struct {
	scope  scope
	table  string
	action string
	record json.RawMessage
}

// store is the in-memory database. Records are kept as raw JSON so numbers
// survive exactly as they were sent.
type store struct {
	mu     sync.Mutex
	tables map[scope]map[string]map[string]json.RawMessage
	users  map[string]string
	tokens map[string]string
}

func newStore(users map[string]string) *store {
	s := &store{
		tables: make(map[scope]map[string]map[string]json.RawMessage),
		users:  make(map[string]string, len(users)),
		tokens: make(map[string]string),
	}
	for u, p := range users {
		s.users[u] = p
	}
	return s
}

func (s *store) signin(user, pass string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want, ok := s.users[user]; !ok || want != pass {
		return "", failf("There was a problem with authentication")
	}
	return s.issue(user), nil
}

func (s *store) verify(user, pass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want, ok := s.users[user]; !ok || want != pass {
		return failf("There was a problem with authentication")
	}
	return nil
}

func (s *store) signup(user, pass string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user == "" {
		return "", failf("There was a problem with authentication")
	}
	if _, exists := s.users[user]; exists {
		return "", failf("User %s already exists", user)
	}
	s.users[user] = pass
	return s.issue(user), nil
}

func (s *store) issue(user string) string {
	token := uuid.NewString()
	s.tokens[token] = user
	return token
}

func (s *store) authenticate(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.tokens[token]
	if !ok {
		return "", failf("There was a problem with authentication")
	}
	return user, nil
}

func (s *store) table(sc scope, name string, create bool) map[string]json.RawMessage {
	db := s.tables[sc]
	if db == nil {
		if !create {
			return nil
		}
		db = make(map[string]map[string]json.RawMessage)
		s.tables[sc] = db
	}
	t := db[name]
	if t == nil && create {
		t = make(map[string]json.RawMessage)
		db[name] = t
	}
	return t
}

func (s *store) tableNames(sc scope) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tables[sc]))
	for name := range s.tables[sc] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// keyOf returns the storage key of a record address.
func keyOf(t surrealnet.Thing) string {
	return t.KeyString()
}

func sortedKeys(t map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *store) selectThing(sc scope, thing surrealnet.Thing) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(sc, thing.Table, false)
	if thing.HasKey() {
		if rec, ok := t[keyOf(thing)]; ok {
			return rec, nil
		}
		return json.RawMessage("null"), nil
	}

	out := make([]json.RawMessage, 0, len(t))
	for _, k := range sortedKeys(t) {
		out = append(out, t[k])
	}
	return marshal(out)
}

func (s *store) create(sc scope, thing surrealnet.Thing, data json.RawMessage) (json.RawMessage, []change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !thing.HasKey() {
		thing = surrealnet.NewThing(thing.Table, strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	t := s.table(sc, thing.Table, true)
	if _, exists := t[keyOf(thing)]; exists {
		return nil, nil, failf("Database record `%s` already exists", thing)
	}

	rec, err := withID(thing, data)
	if err != nil {
		return nil, nil, err
	}
	t[keyOf(thing)] = rec
	return rec, []change{{sc, thing.Table, ActionCreate, rec}}, nil
}

// mutate applies fn to one record, or to every record of a table. A missing
// record is created from fn(nil).
func (s *store) mutate(sc scope, thing surrealnet.Thing, fn func(old map[string]any) (map[string]any, error)) (json.RawMessage, []change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(sc, thing.Table, true)
	keys := []string{keyOf(thing)}
	if !thing.HasKey() {
		keys = sortedKeys(t)
	}

	var (
		changes []change
		results []json.RawMessage
	)
	for _, k := range keys {
		action := ActionUpdate
		var old map[string]any
		if raw, ok := t[k]; ok {
			if err := decode(raw, &old); err != nil {
				return nil, nil, err
			}
		} else {
			action = ActionCreate
		}

		next, err := fn(old)
		if err != nil {
			return nil, nil, err
		}
		id, err := surrealnet.ParseThing(thing.Table + ":" + k)
		if err != nil {
			return nil, nil, failf("%v", err)
		}
		next["id"] = id.String()

		rec, err := marshal(next)
		if err != nil {
			return nil, nil, err
		}
		t[k] = rec
		results = append(results, rec)
		changes = append(changes, change{sc, thing.Table, action, rec})
	}

	if thing.HasKey() {
		return results[0], changes, nil
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	out, err := marshal(results)
	return out, changes, err
}

func (s *store) update(sc scope, thing surrealnet.Thing, data json.RawMessage) (json.RawMessage, []change, error) {
	var content map[string]any
	if err := decodeContent(data, &content); err != nil {
		return nil, nil, err
	}
	return s.mutate(sc, thing, func(map[string]any) (map[string]any, error) {
		return clone(content), nil
	})
}

func (s *store) merge(sc scope, thing surrealnet.Thing, data json.RawMessage) (json.RawMessage, []change, error) {
	var content map[string]any
	if err := decodeContent(data, &content); err != nil {
		return nil, nil, err
	}
	return s.mutate(sc, thing, func(old map[string]any) (map[string]any, error) {
		next := clone(old)
		for k, v := range content {
			next[k] = v
		}
		return next, nil
	})
}

func (s *store) patch(sc scope, thing surrealnet.Thing, data json.RawMessage) (json.RawMessage, []change, error) {
	var patches []surrealnet.Patch
	if err := decode(data, &patches); err != nil {
		return nil, nil, failf("Invalid patch: %v", err)
	}
	return s.mutate(sc, thing, func(old map[string]any) (map[string]any, error) {
		next := clone(old)
		for _, p := range patches {
			if err := applyPatch(next, p); err != nil {
				return nil, err
			}
		}
		return next, nil
	})
}

func (s *store) delete(sc scope, thing surrealnet.Thing) (json.RawMessage, []change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(sc, thing.Table, false)
	keys := []string{keyOf(thing)}
	if !thing.HasKey() {
		keys = sortedKeys(t)
	}

	var changes []change
	for _, k := range keys {
		if rec, ok := t[k]; ok {
			delete(t, k)
			changes = append(changes, change{sc, thing.Table, ActionDelete, rec})
		}
	}
	if thing.HasKey() {
		return json.RawMessage("null"), changes, nil
	}
	return json.RawMessage("[]"), changes, nil
}

func withID(thing surrealnet.Thing, data json.RawMessage) (json.RawMessage, error) {
	var content map[string]json.RawMessage
	if err := decodeContent(data, &content); err != nil {
		return nil, err
	}
	if content == nil {
		content = make(map[string]json.RawMessage, 1)
	}
	id, err := marshal(thing.String())
	if err != nil {
		return nil, err
	}
	content["id"] = id
	return marshal(content)
}

// applyPatch supports add, replace and remove on object paths.
func applyPatch(doc map[string]any, p surrealnet.Patch) error {
	parts := strings.Split(strings.TrimPrefix(p.Path, "/"), "/")
	if p.Path == "" || parts[0] == "" {
		return failf("Invalid patch path %q", p.Path)
	}

	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[unescapePointer(part)].(map[string]any)
		if !ok {
			if p.Op == "remove" {
				return nil
			}
			next = make(map[string]any)
			cur[unescapePointer(part)] = next
		}
		cur = next
	}

	last := unescapePointer(parts[len(parts)-1])
	switch p.Op {
	case "add", "replace":
		cur[last] = p.Value
	case "remove":
		delete(cur, last)
	default:
		return failf("Unsupported patch operation %q", p.Op)
	}
	return nil
}

func unescapePointer(s string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(s)
}

func decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeContent(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] != '{' {
		return failf("Can not use %s in a CONTENT clause", trimmed)
	}
	if err := decode(trimmed, v); err != nil {
		return failf("Invalid content: %v", err)
	}
	return nil
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func marshal(v any) (json.RawMessage, error) {
	data, err := protocol.Marshal(v)
	if err != nil {
		return nil, failf("Failed to encode: %v", err)
	}
	return data, nil
}

// parseTarget reads a table or record address as sent by clients.
func parseTarget(raw json.RawMessage) (surrealnet.Thing, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return surrealnet.Thing{}, failf("Expected a table or record id, got %s", raw)
	}
	t, err := surrealnet.ParseThing(s)
	if err != nil {
		return surrealnet.Thing{}, failf("%v", err)
	}
	return t, nil
}

// statementMessage converts err into the text of a failed status document.
func statementMessage(err error) string {
	var se *statementError
	if errors.As(err, &se) {
		return se.msg
	}
	return err.Error()
}


package mockserver

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/luciancaetano/surrealnet"
)

// session is the state a query runs against. RPC connections keep one for
// their lifetime; REST requests build one from their headers.
type session struct {
	scope scope
	user  string
	vars  map[string]json.RawMessage
}

func (s *session) authed() error {
	if s.user == "" {
		return failf("You don't have permission to perform this query")
	}
	return nil
}

func (s *session) ready() error {
	if err := s.authed(); err != nil {
		return err
	}
	return s.scope.valid()
}

// statusDoc is one entry of a query result.
type statusDoc struct {
	Result json.RawMessage `json:"result"`
	Status string          `json:"status"`
	Time   string          `json:"time"`
}

func newStatusDoc(result json.RawMessage, err error, start time.Time) statusDoc {
	doc := statusDoc{Result: result, Status: surrealnet.StatusOK, Time: time.Since(start).String()}
	if err != nil {
		msg, _ := marshal(statementMessage(err))
		doc.Result, doc.Status = msg, surrealnet.StatusErr
	}
	if doc.Result == nil {
		doc.Result = json.RawMessage("null")
	}
	return doc
}

// execute runs every statement of sql and returns one status document per
// statement. Statements after a failed one still run.
func (s *Server) execute(sess *session, sql string) []statusDoc {
	stmts := splitStatements(sql)
	docs := make([]statusDoc, 0, len(stmts))
	for _, stmt := range stmts {
		start := time.Now()
		result, changes, err := s.statement(sess, stmt)
		s.notify(changes)
		docs = append(docs, newStatusDoc(result, err, start))
	}
	return docs
}

func (s *Server) statement(sess *session, stmt string) (json.RawMessage, []change, error) {
	switch {
	case hasKeyword(stmt, "RETURN"):
		return sess.value(strings.TrimSpace(stmt[len("RETURN"):]))

	case hasKeyword(stmt, "LET"):
		rest := strings.TrimSpace(stmt[len("LET"):])
		name, expr, ok := strings.Cut(rest, "=")
		name = strings.TrimSpace(name)
		if !ok || !strings.HasPrefix(name, "$") {
			return nil, nil, failf("Parse error: expected LET $name = value")
		}
		value, _, err := sess.value(strings.TrimSpace(expr))
		if err != nil {
			return nil, nil, err
		}
		sess.vars[name[1:]] = value
		return nil, nil, nil

	case hasKeyword(stmt, "INFO"):
		if err := sess.ready(); err != nil {
			return nil, nil, err
		}
		tables := make(map[string]string)
		for _, name := range s.store.tableNames(sess.scope) {
			tables[name] = "DEFINE TABLE " + name + " SCHEMALESS"
		}
		out, err := marshal(map[string]any{"tables": tables})
		return out, nil, err
	}

	if err := sess.authed(); err != nil {
		return nil, nil, err
	}

	switch {
	case hasKeyword(stmt, "SELECT"):
		rest := strings.TrimSpace(stmt[len("SELECT"):])
		if !hasKeyword(rest, "*") {
			return nil, nil, failf("Parse error: only SELECT * is supported")
		}
		rest = strings.TrimSpace(rest[1:])
		if !hasKeyword(rest, "FROM") {
			return nil, nil, failf("Parse error: expected FROM")
		}
		target, _ := cutTarget(strings.TrimSpace(rest[len("FROM"):]))
		if target == "$auth" {
			out, err := marshal([]any{authRecord(sess.user)})
			return out, nil, err
		}
		if err := sess.scope.valid(); err != nil {
			return nil, nil, err
		}
		thing, err := sess.thing(target)
		if err != nil {
			return nil, nil, err
		}
		out, err := s.store.selectThing(sess.scope, thing)
		if err == nil && thing.HasKey() {
			out, err = asList(out)
		}
		return out, nil, err

	case hasKeyword(stmt, "CREATE"):
		thing, clause, data, err := sess.mutation(stmt[len("CREATE"):])
		if err != nil {
			return nil, nil, err
		}
		if clause != "" && clause != "CONTENT" {
			return nil, nil, failf("Parse error: unexpected %s", clause)
		}
		return s.store.create(sess.scope, thing, data)

	case hasKeyword(stmt, "UPDATE"):
		thing, clause, data, err := sess.mutation(stmt[len("UPDATE"):])
		if err != nil {
			return nil, nil, err
		}
		switch clause {
		case "CONTENT", "":
			return s.store.update(sess.scope, thing, data)
		case "MERGE":
			return s.store.merge(sess.scope, thing, data)
		case "PATCH":
			return s.store.patch(sess.scope, thing, data)
		}
		return nil, nil, failf("Parse error: unexpected %s", clause)

	case hasKeyword(stmt, "DELETE"):
		if err := sess.scope.valid(); err != nil {
			return nil, nil, err
		}
		target, _ := cutTarget(strings.TrimSpace(stmt[len("DELETE"):]))
		thing, err := sess.thing(target)
		if err != nil {
			return nil, nil, err
		}
		return s.store.delete(sess.scope, thing)
	}

	return nil, nil, failf("Parse error: unsupported statement %q", firstWord(stmt))
}

// mutation parses `<target> [CONTENT|MERGE|PATCH <value>]`.
func (sess *session) mutation(rest string) (surrealnet.Thing, string, json.RawMessage, error) {
	if err := sess.scope.valid(); err != nil {
		return surrealnet.Thing{}, "", nil, err
	}
	target, rest := cutTarget(strings.TrimSpace(rest))
	thing, err := sess.thing(target)
	if err != nil {
		return surrealnet.Thing{}, "", nil, err
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return thing, "", nil, nil
	}
	clause := strings.ToUpper(firstWord(rest))
	data, _, err := sess.value(strings.TrimSpace(rest[len(clause):]))
	return thing, clause, data, err
}

// value resolves a $variable or a JSON literal.
func (sess *session) value(expr string) (json.RawMessage, []change, error) {
	if strings.HasPrefix(expr, "$") {
		if v, ok := sess.vars[expr[1:]]; ok {
			return v, nil, nil
		}
		return json.RawMessage("null"), nil, nil
	}
	if !json.Valid([]byte(expr)) {
		return nil, nil, failf("Parse error: invalid value %q", expr)
	}
	return json.RawMessage(expr), nil, nil
}

// thing resolves a target that is a $variable, a table or a record id.
func (sess *session) thing(target string) (surrealnet.Thing, error) {
	if strings.HasPrefix(target, "$") {
		v, ok := sess.vars[target[1:]]
		if !ok {
			return surrealnet.Thing{}, failf("Unknown variable %s", target)
		}
		return parseTarget(v)
	}
	t, err := surrealnet.ParseThing(target)
	if err != nil {
		return surrealnet.Thing{}, failf("%v", err)
	}
	return t, nil
}

func authRecord(user string) map[string]string {
	return map[string]string{"id": surrealnet.NewThing("user", user).String(), "user": user}
}

func asList(raw json.RawMessage) (json.RawMessage, error) {
	if string(raw) == "null" {
		return json.RawMessage("[]"), nil
	}
	return marshal([]json.RawMessage{raw})
}

func hasKeyword(s, kw string) bool {
	if len(s) < len(kw) || !strings.EqualFold(s[:len(kw)], kw) {
		return false
	}
	return len(s) == len(kw) || s[len(kw)] == ' ' || s[len(kw)] == '\t' || s[len(kw)] == '\n' || kw == "*"
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// cutTarget splits the leading table, record id or variable from s.
func cutTarget(s string) (string, string) {
	i := 0
	for i < len(s) {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\n':
			return s[:i], s[i:]
		case strings.HasPrefix(s[i:], "⟨"):
			end := closingAngle(s, i+len("⟨"))
			i = end
			continue
		case c == '[' || c == '{':
			i = closingBracket(s, i)
			continue
		}
		i++
	}
	return s, ""
}

func closingAngle(s string, i int) int {
	for i < len(s) {
		switch {
		case s[i] == '\\':
			i += 2
			continue
		case strings.HasPrefix(s[i:], "⟩"):
			return i + len("⟩")
		}
		i++
	}
	return len(s)
}

func closingBracket(s string, i int) int {
	depth := 0
	var quote byte
	for ; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"':
			quote = c
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

// splitStatements splits sql on semicolons outside quotes and ⟨ ⟩.
func splitStatements(sql string) []string {
	var (
		out   []string
		quote byte
		angle bool
		start int
	)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case angle:
			if c == '\\' {
				i++
			} else if strings.HasPrefix(sql[i:], "⟩") {
				angle = false
			}
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(sql[i:], "⟨"):
			angle = true
		case c == ';':
			if stmt := strings.TrimSpace(sql[start:i]); stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	if stmt := strings.TrimSpace(sql[start:]); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

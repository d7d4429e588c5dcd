package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/luciancaetano/surrealnet"
)

// restError is the body of a failed REST reply.
type restError struct {
	Code        int    `json:"code"`
	Details     string `json:"details"`
	Description string `json:"description,omitempty"`
	Information string `json:"information"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, info string) {
	writeJSON(w, status, restError{
		Code:        status,
		Details:     http.StatusText(status),
		Information: info,
	})
}

// restSession builds a session from the NS, DB and Authorization headers.
func (s *Server) restSession(r *http.Request) (*session, bool) {
	sess := &session{
		scope: scope{ns: r.Header.Get("NS"), db: r.Header.Get("DB")},
		vars:  make(map[string]json.RawMessage),
	}

	auth := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		user, err := s.store.authenticate(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return nil, false
		}
		sess.user = user
	case auth != "":
		user, pass, ok := r.BasicAuth()
		if !ok || s.store.verify(user, pass) != nil {
			return nil, false
		}
		sess.user = user
	}
	return sess, true
}

// handleKey serves /key/{table} and /key/{table}/{key}.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.restSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "There was a problem with authentication")
		return
	}
	if err := sess.ready(); err != nil {
		writeError(w, http.StatusBadRequest, statementMessage(err))
		return
	}

	thing, err := thingFromPath(r.URL.EscapedPath())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	var (
		result  json.RawMessage
		changes []change
	)
	switch r.Method {
	case http.MethodGet:
		result, err = s.store.selectThing(sess.scope, thing)
	case http.MethodPost:
		result, changes, err = s.store.create(sess.scope, thing, body)
	case http.MethodPut:
		result, changes, err = s.store.update(sess.scope, thing, body)
	case http.MethodPatch:
		result, changes, err = s.store.merge(sess.scope, thing, body)
	case http.MethodDelete:
		result, changes, err = s.store.delete(sess.scope, thing)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Unsupported method "+r.Method)
		return
	}
	s.notify(changes)

	writeJSON(w, http.StatusOK, []statusDoc{newStatusDoc(result, err, start)})
}

func thingFromPath(escaped string) (surrealnet.Thing, error) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(escaped, "/key/"), "/"), "/")
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			return surrealnet.Thing{}, err
		}
		parts[i] = unescaped
	}

	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return surrealnet.Thing{}, failf("Missing table name")
		}
		return surrealnet.Table(parts[0]), nil
	case 2:
		return surrealnet.ParseThing(parts[0] + ":" + parts[1])
	}
	return surrealnet.Thing{}, failf("Invalid key path %q", escaped)
}

// handleSQL runs the request body as a query.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Use POST")
		return
	}
	sess, ok := s.restSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "There was a problem with authentication")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.execute(sess, string(body)))
}

type authReply struct {
	Code    int    `json:"code"`
	Details string `json:"details"`
	Token   string `json:"token"`
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, s.store.signin)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, s.store.signup)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, fn func(user, pass string) (string, error)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Use POST")
		return
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	token, err := fn(creds.User, creds.Pass)
	if err != nil {
		writeError(w, http.StatusForbidden, statementMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, authReply{Code: http.StatusOK, Details: "Authentication succeeded", Token: token})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, s.version)
}

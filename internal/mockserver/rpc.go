package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/protocol"
)

// RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeStatement      = surrealnet.ErrorCodeStatement
)

const readTimeout = 60 * time.Second

// rpcError is returned as the error object of a response frame.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func invalidParams(msg string) error {
	return &rpcError{code: CodeInvalidParams, msg: msg}
}

type rpcHandler func(c *client, params []json.RawMessage) (json.RawMessage, error)

// frame is an outbound RPC frame.
type frame struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *protocol.Error   `json:"error,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// client is one RPC connection and its session.
type client struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	sess session
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *client) send(f frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) close(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	c.ws.Close()
}

// handleWebSocket upgrades and serves one RPC connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id: uuid.NewString(),
		ws: ws,
		sess: session{
			vars: make(map[string]json.RawMessage),
		},
	}
	s.clients.Store(c.id, c)
	go s.handleClient(c)
}

// handleClient reads requests until the connection ends. Every request is
// answered from its own goroutine, so replies may overtake each other.
func (s *Server) handleClient(c *client) {
	defer func() {
		s.dropLive(c)
		s.clients.Delete(c.id)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("rpc client gone", "client_id", c.id, "err", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		req, params, err := protocol.DecodeRequest(data)
		if err != nil {
			s.logger.Warn("dropping malformed request", "client_id", c.id, "err", err)
			continue
		}
		go s.handleRequest(c, req, params)
	}
}

func (s *Server) handleRequest(c *client, req *protocol.Request, params []json.RawMessage) {
	out := frame{ID: req.ID, Method: req.Method}

	handler, ok := s.handlers[req.Method]
	if !ok {
		out.Error = &protocol.Error{Code: CodeMethodNotFound, Message: "Method not found"}
		c.send(out)
		return
	}

	result, err := handler(c, params)
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) {
			out.Error = &protocol.Error{Code: re.code, Message: re.msg}
		} else {
			out.Error = &protocol.Error{Code: CodeStatement, Message: statementMessage(err)}
		}
	} else {
		if result == nil {
			result = json.RawMessage("null")
		}
		out.Result = result
	}

	if err := c.send(out); err != nil {
		s.logger.Debug("reply not sent", "client_id", c.id, "id", req.ID, "err", err)
	}
}

func (s *Server) rpcHandlers() map[string]rpcHandler {
	return map[string]rpcHandler{
		surrealnet.MethodPing:         s.rpcPing,
		surrealnet.MethodVersion:      s.rpcVersion,
		surrealnet.MethodUse:          s.rpcUse,
		surrealnet.MethodSignin:       s.rpcSignin,
		surrealnet.MethodSignup:       s.rpcSignup,
		surrealnet.MethodAuthenticate: s.rpcAuthenticate,
		surrealnet.MethodInvalidate:   s.rpcInvalidate,
		surrealnet.MethodInfo:         s.rpcInfo,
		surrealnet.MethodLet:          s.rpcLet,
		surrealnet.MethodUnset:        s.rpcUnset,
		surrealnet.MethodSelect:       s.rpcSelect,
		surrealnet.MethodCreate:       s.rpcMutation((*store).create),
		surrealnet.MethodUpdate:       s.rpcMutation((*store).update),
		surrealnet.MethodMerge:        s.rpcMutation((*store).merge),
		surrealnet.MethodPatch:        s.rpcMutation((*store).patch),
		surrealnet.MethodDelete:       s.rpcDelete,
		surrealnet.MethodQuery:        s.rpcQuery,
		surrealnet.MethodLive:         s.rpcLive,
		surrealnet.MethodKill:         s.rpcKill,
	}
}

func (s *Server) rpcPing(*client, []json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (s *Server) rpcVersion(*client, []json.RawMessage) (json.RawMessage, error) {
	return marshal(s.version)
}

func (s *Server) rpcUse(c *client, params []json.RawMessage) (json.RawMessage, error) {
	var ns, db *string
	if len(params) > 0 {
		json.Unmarshal(params[0], &ns)
	}
	if len(params) > 1 {
		json.Unmarshal(params[1], &db)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns != nil {
		c.sess.scope.ns = *ns
	}
	if db != nil {
		c.sess.scope.db = *db
	}
	return nil, nil
}

// credentials is the wire form of signin and signup parameters.
type credentials struct {
	Namespace string `json:"NS"`
	Database  string `json:"DB"`
	Scope     string `json:"SC"`
	User      string `json:"user"`
	Pass      string `json:"pass"`
}

func decodeCredentials(params []json.RawMessage) (credentials, error) {
	var creds credentials
	if len(params) != 1 {
		return creds, invalidParams("Expected one credentials object")
	}
	if err := json.Unmarshal(params[0], &creds); err != nil {
		return creds, invalidParams("Invalid credentials")
	}
	return creds, nil
}

func (s *Server) rpcSignin(c *client, params []json.RawMessage) (json.RawMessage, error) {
	creds, err := decodeCredentials(params)
	if err != nil {
		return nil, err
	}
	token, err := s.store.signin(creds.User, creds.Pass)
	if err != nil {
		return nil, err
	}
	c.login(creds, creds.User)
	return marshal(token)
}

func (s *Server) rpcSignup(c *client, params []json.RawMessage) (json.RawMessage, error) {
	creds, err := decodeCredentials(params)
	if err != nil {
		return nil, err
	}
	if creds.Scope == "" {
		return nil, failf("Specify a scope to sign up to")
	}
	token, err := s.store.signup(creds.User, creds.Pass)
	if err != nil {
		return nil, err
	}
	c.login(creds, creds.User)
	return marshal(token)
}

func (c *client) login(creds credentials, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sess.user = user
	if creds.Namespace != "" {
		c.sess.scope.ns = creds.Namespace
	}
	if creds.Database != "" {
		c.sess.scope.db = creds.Database
	}
}

func (s *Server) rpcAuthenticate(c *client, params []json.RawMessage) (json.RawMessage, error) {
	var token string
	if len(params) != 1 || json.Unmarshal(params[0], &token) != nil {
		return nil, invalidParams("Expected a token")
	}
	user, err := s.store.authenticate(token)
	if err != nil {
		return nil, err
	}
	c.login(credentials{}, user)
	return nil, nil
}

func (s *Server) rpcInvalidate(c *client, _ []json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	c.sess.user = ""
	c.mu.Unlock()
	return nil, nil
}

func (s *Server) rpcInfo(c *client, _ []json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	user := c.sess.user
	c.mu.Unlock()

	if user == "" {
		return nil, nil
	}
	return marshal(authRecord(user))
}

func (s *Server) rpcLet(c *client, params []json.RawMessage) (json.RawMessage, error) {
	var name string
	if len(params) != 2 || json.Unmarshal(params[0], &name) != nil || name == "" {
		return nil, invalidParams("Expected a name and a value")
	}

	c.mu.Lock()
	c.sess.vars[name] = params[1]
	c.mu.Unlock()
	return nil, nil
}

func (s *Server) rpcUnset(c *client, params []json.RawMessage) (json.RawMessage, error) {
	var name string
	if len(params) != 1 || json.Unmarshal(params[0], &name) != nil {
		return nil, invalidParams("Expected a name")
	}

	c.mu.Lock()
	delete(c.sess.vars, name)
	c.mu.Unlock()
	return nil, nil
}

// ready returns a snapshot of the session after checking it may touch data.
func (c *client) ready() (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.sess.ready()
}

// wrap returns result as a one-element status document array.
func wrap(result json.RawMessage, err error, start time.Time) (json.RawMessage, error) {
	return marshal([]statusDoc{newStatusDoc(result, err, start)})
}

func (s *Server) rpcSelect(c *client, params []json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	sess, err := c.ready()
	if err != nil {
		return nil, err
	}
	if len(params) != 1 {
		return nil, invalidParams("Expected a table or record id")
	}
	thing, err := parseTarget(params[0])
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	result, err := s.store.selectThing(sess.scope, thing)
	return wrap(result, err, start)
}

type mutationFunc func(*store, scope, surrealnet.Thing, json.RawMessage) (json.RawMessage, []change, error)

func (s *Server) rpcMutation(fn mutationFunc) rpcHandler {
	return func(c *client, params []json.RawMessage) (json.RawMessage, error) {
		start := time.Now()
		sess, err := c.ready()
		if err != nil {
			return nil, err
		}
		if len(params) < 1 || len(params) > 2 {
			return nil, invalidParams("Expected a table or record id and data")
		}
		thing, err := parseTarget(params[0])
		if err != nil {
			return nil, invalidParams(err.Error())
		}
		var data json.RawMessage
		if len(params) == 2 {
			data = params[1]
		}

		result, changes, err := fn(s.store, sess.scope, thing, data)
		s.notify(changes)
		return wrap(result, err, start)
	}
}

func (s *Server) rpcDelete(c *client, params []json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	sess, err := c.ready()
	if err != nil {
		return nil, err
	}
	if len(params) != 1 {
		return nil, invalidParams("Expected a table or record id")
	}
	thing, err := parseTarget(params[0])
	if err != nil {
		return nil, invalidParams(err.Error())
	}

	result, changes, err := s.store.delete(sess.scope, thing)
	s.notify(changes)
	return wrap(result, err, start)
}

func (s *Server) rpcQuery(c *client, params []json.RawMessage) (json.RawMessage, error) {
	var sql string
	if len(params) < 1 || len(params) > 2 || json.Unmarshal(params[0], &sql) != nil {
		return nil, invalidParams("Expected a query and optional variables")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.sess
	if len(params) == 2 {
		var vars map[string]json.RawMessage
		if err := json.Unmarshal(params[1], &vars); err != nil {
			return nil, invalidParams("Invalid query variables")
		}
		sess.vars = make(map[string]json.RawMessage, len(c.sess.vars)+len(vars))
		for k, v := range c.sess.vars {
			sess.vars[k] = v
		}
		for k, v := range vars {
			sess.vars[k] = v
		}
	}
	return marshal(s.execute(&sess, sql))
}

func (s *Server) rpcLive(c *client, params []json.RawMessage) (json.RawMessage, error) {
	sess, err := c.ready()
	if err != nil {
		return nil, err
	}
	var table string
	if len(params) < 1 || json.Unmarshal(params[0], &table) != nil || table == "" {
		return nil, invalidParams("Expected a table name")
	}

	lq := &liveQuery{id: uuid.NewString(), scope: sess.scope, table: table, client: c}
	s.addLive(lq)
	return marshal(lq.id)
}

func (s *Server) rpcKill(c *client, params []json.RawMessage) (json.RawMessage, error) {
	var id string
	if len(params) != 1 || json.Unmarshal(params[0], &id) != nil {
		return nil, invalidParams("Expected a live query id")
	}
	if !s.killLive(id, c) {
		return nil, failf("Can not execute KILL statement using id '%s'", id)
	}
	return nil, nil
}

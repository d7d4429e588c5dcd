package db

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/protocol"
	"github.com/luciancaetano/surrealnet/internal/rest"
	"github.com/luciancaetano/surrealnet/internal/tracer"
)

const transportREST = "rest"

// REST is a database client issuing one HTTP request per operation. The
// session (namespace, database, credentials and variables) is kept locally
// and sent with every request.
type REST struct {
	cfg  surrealnet.Config
	opts options

	mu     sync.RWMutex
	state  State
	client *rest.Client
	tel    *telemetry
	sess   session
	auth   rest.Auth
	vars   map[string]any
}

var _ surrealnet.Database = (*REST)(nil)

// NewREST creates a closed REST client. cfg must come from ConfigBuilder.Build.
func NewREST(cfg surrealnet.Config, opts ...Option) (*REST, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("%w: config was not built", surrealnet.ErrConfig)
	}
	return &REST{cfg: cfg, opts: newOptions(opts)}, nil
}

// State returns the lifecycle state.
func (r *REST) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Open checks that the server is healthy and stores the configured session.
func (r *REST) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateClosed {
		r.mu.Unlock()
		return surrealnet.ErrAlreadyOpen
	}
	r.state = StateOpening
	r.mu.Unlock()

	tel, err := newTelemetry(r.cfg, r.opts)
	if err != nil {
		r.setState(StateClosed)
		return err
	}

	fail := func(err error) error {
		tel.close(context.Background())
		r.setState(StateClosed)
		return err
	}

	httpClient := r.opts.httpClient
	if httpClient == nil && r.cfg.Insecure() {
		httpClient = insecureClient()
	}
	client, err := rest.New(r.cfg.RESTURL(), httpClient, r.cfg.CircuitBreaker(), tel.logger)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := withTimeout(ctx, r.cfg)
	defer cancel()
	ctx, span := tel.tracer.Start(ctx, transportREST, "open")
	reply, err := client.Do(ctx, rest.Request{Method: http.MethodGet, Path: "health"})
	if err == nil && !reply.OK() {
		err = fmt.Errorf("health check: %s", http.StatusText(reply.StatusCode))
	}
	tracer.End(span, err)
	if err != nil {
		return fail(err)
	}

	r.mu.Lock()
	r.client, r.tel = client, tel
	r.sess = session{
		namespace: r.cfg.Namespace(),
		database:  r.cfg.Database(),
		authed:    true,
		token:     r.cfg.Token(),
	}
	r.auth = rest.Auth{Username: r.cfg.Username(), Password: r.cfg.Password(), Token: r.cfg.Token()}
	r.vars = make(map[string]any)
	r.state = StateOpen
	r.mu.Unlock()
	return nil
}

// Close forgets the session. Closing a client that is not open is a no-op.
func (r *REST) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateOpen {
		r.mu.Unlock()
		return nil
	}
	tel := r.tel
	r.client, r.tel = nil, nil
	r.sess, r.auth, r.vars = session{}, rest.Auth{}, nil
	r.state = StateClosed
	r.mu.Unlock()

	return tel.close(ctx)
}

func insecureClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: transport}
}

func (r *REST) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// snapshot is the state one request is built from.
type snapshot struct {
	client *rest.Client
	tel    *telemetry
	sess   session
	auth   rest.Auth
	vars   map[string]any
}

func (r *REST) guard(needSession bool) (snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != StateOpen {
		return snapshot{}, surrealnet.ErrNotOpen
	}
	if needSession {
		if err := r.sess.check(); err != nil {
			return snapshot{}, err
		}
	}
	vars := make(map[string]any, len(r.vars))
	for k, v := range r.vars {
		vars[k] = v
	}
	return snapshot{client: r.client, tel: r.tel, sess: r.sess, auth: r.auth, vars: vars}, nil
}

// do sends one request inside a span.
func (r *REST) do(ctx context.Context, needSession bool, op string, req rest.Request) (*rest.Reply, snapshot, error) {
	snap, err := r.guard(needSession)
	if err != nil {
		return nil, snap, err
	}
	req.Namespace, req.Database, req.Auth = snap.sess.namespace, snap.sess.database, snap.auth

	ctx, cancel := withTimeout(ctx, r.cfg)
	defer cancel()
	ctx, span := snap.tel.tracer.Start(ctx, transportREST, op, tracer.StringAttr("http.route", req.Path))

	reply, err := snap.client.Do(ctx, req)
	switch {
	case err != nil:
		tracer.End(span, err)
	case !reply.OK():
		tracer.End(span, fmt.Errorf("http status %d", reply.StatusCode))
	default:
		tracer.End(span, nil)
	}
	return reply, snap, err
}

// replyError converts a failed reply into an ErrorResult.
func replyError(reply *rest.Reply) surrealnet.ErrorResult {
	var body struct {
		Code        int    `json:"code"`
		Details     string `json:"details"`
		Information string `json:"information"`
	}
	msg := string(bytes.TrimSpace(reply.Body))
	if json.Unmarshal(reply.Body, &body) == nil {
		switch {
		case body.Information != "":
			msg = body.Information
		case body.Details != "":
			msg = body.Details
		}
	}
	if msg == "" {
		msg = http.StatusText(reply.StatusCode)
	}
	return surrealnet.ErrorResult{Code: reply.StatusCode, Message: msg}
}

func replyResult(reply *rest.Reply) surrealnet.Result {
	if !reply.OK() {
		return replyError(reply)
	}
	return surrealnet.NewResult(reply.Body)
}

func (r *REST) key(ctx context.Context, op, method string, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	req := rest.Request{Method: method, Path: rest.KeyPath(thing)}
	if data != nil {
		body, err := protocol.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", surrealnet.ErrMsgFailedToEncode, err)
		}
		req.Body = body
	}

	reply, _, err := r.do(ctx, true, op, req)
	if err != nil {
		return nil, err
	}
	return replyResult(reply), nil
}

func (r *REST) Select(ctx context.Context, thing surrealnet.Thing) (surrealnet.Result, error) {
	return r.key(ctx, surrealnet.MethodSelect, http.MethodGet, thing, nil)
}

func (r *REST) Create(ctx context.Context, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	return r.key(ctx, surrealnet.MethodCreate, http.MethodPost, thing, data)
}

func (r *REST) Update(ctx context.Context, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	return r.key(ctx, surrealnet.MethodUpdate, http.MethodPut, thing, data)
}

// Change merges data into a record.
func (r *REST) Change(ctx context.Context, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	return r.key(ctx, surrealnet.MethodMerge, http.MethodPatch, thing, data)
}

func (r *REST) Delete(ctx context.Context, thing surrealnet.Thing) (surrealnet.Result, error) {
	return r.key(ctx, surrealnet.MethodDelete, http.MethodDelete, thing, nil)
}

// Modify applies JSON patches through an UPDATE ... PATCH statement.
func (r *REST) Modify(ctx context.Context, thing surrealnet.Thing, patches []surrealnet.Patch) (surrealnet.Result, error) {
	if patches == nil {
		patches = []surrealnet.Patch{}
	}
	resp, err := r.sql(ctx, surrealnet.MethodPatch, "UPDATE $thing PATCH $patches", map[string]any{
		"thing":   thing,
		"patches": patches,
	})
	if err != nil {
		return nil, err
	}
	return first(resp), nil
}

// Query substitutes session variables and vars into sql and runs it. vars
// take precedence over session variables of the same name.
func (r *REST) Query(ctx context.Context, sql string, vars map[string]any) (surrealnet.Response, error) {
	return r.sql(ctx, surrealnet.MethodQuery, sql, vars)
}

func (r *REST) sql(ctx context.Context, op, sql string, vars map[string]any) (surrealnet.Response, error) {
	snap, err := r.guard(true)
	if err != nil {
		return nil, err
	}
	for k, v := range vars {
		snap.vars[k] = v
	}
	query, err := surrealnet.Interpolate(sql, snap.vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", surrealnet.ErrConfig, err)
	}

	reply, _, err := r.do(ctx, true, op, rest.Request{
		Method:      http.MethodPost,
		Path:        "sql",
		Body:        []byte(query),
		ContentType: "text/plain",
	})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return surrealnet.Response{replyError(reply)}, nil
	}
	return surrealnet.NewResponse(reply.Body), nil
}

func first(resp surrealnet.Response) surrealnet.Result {
	if res, ok := resp.First(); ok {
		return res
	}
	return nullResult()
}

// Use switches the namespace and database sent with later requests.
func (r *REST) Use(ctx context.Context, namespace, database string) (surrealnet.Result, error) {
	if _, err := r.guard(false); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sess.namespace, r.sess.database = namespace, database
	r.mu.Unlock()
	return nullResult(), nil
}

// Signin exchanges credentials for a token used by later requests.
func (r *REST) Signin(ctx context.Context, creds surrealnet.Credentials) (surrealnet.Result, error) {
	return r.login(ctx, surrealnet.MethodSignin, creds)
}

// Signup creates a scope user and uses its token for later requests.
func (r *REST) Signup(ctx context.Context, creds surrealnet.Credentials) (surrealnet.Result, error) {
	return r.login(ctx, surrealnet.MethodSignup, creds)
}

func (r *REST) login(ctx context.Context, op string, creds surrealnet.Credentials) (surrealnet.Result, error) {
	body, err := protocol.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", surrealnet.ErrMsgFailedToEncode, err)
	}

	reply, _, err := r.do(ctx, false, op, rest.Request{Method: http.MethodPost, Path: op, Body: body})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return replyError(reply), nil
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(reply.Body, &out); err != nil || out.Token == "" {
		return nil, fmt.Errorf("%w: %s reply carries no token", surrealnet.ErrProtocol, op)
	}
	token, err := protocol.Marshal(out.Token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sess.authed, r.sess.token = true, out.Token
	r.auth = rest.Auth{Token: out.Token}
	r.mu.Unlock()
	return surrealnet.OkResult{Value: token}, nil
}

// Authenticate sends token with later requests.
func (r *REST) Authenticate(ctx context.Context, token string) (surrealnet.Result, error) {
	if _, err := r.guard(false); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sess.authed, r.sess.token = true, token
	r.auth = rest.Auth{Token: token}
	r.mu.Unlock()
	return nullResult(), nil
}

// Invalidate stops sending credentials.
func (r *REST) Invalidate(ctx context.Context) (surrealnet.Result, error) {
	if _, err := r.guard(false); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sess.authed, r.sess.token = false, ""
	r.auth = rest.Auth{}
	r.mu.Unlock()
	return nullResult(), nil
}

// Let binds a variable substituted into later queries.
func (r *REST) Let(ctx context.Context, name string, value any) (surrealnet.Result, error) {
	if _, err := r.guard(true); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.vars[name] = value
	r.mu.Unlock()
	return nullResult(), nil
}

// Unset removes a variable.
func (r *REST) Unset(ctx context.Context, name string) (surrealnet.Result, error) {
	if _, err := r.guard(true); err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.vars, name)
	r.mu.Unlock()
	return nullResult(), nil
}

// Info returns the record of the authenticated user.
func (r *REST) Info(ctx context.Context) (surrealnet.Result, error) {
	resp, err := r.sql(ctx, surrealnet.MethodInfo, "SELECT * FROM $auth", nil)
	if err != nil {
		return nil, err
	}

	res := first(resp)
	ok, found := res.TryGetResult()
	if !found {
		return res, nil
	}
	var rows []json.RawMessage
	if json.Unmarshal(ok.Value, &rows) == nil {
		if len(rows) == 0 {
			return nullResult(), nil
		}
		if len(rows) == 1 {
			return surrealnet.OkResult{Value: rows[0]}, nil
		}
	}
	return res, nil
}

// Ping checks the health route.
func (r *REST) Ping(ctx context.Context) (surrealnet.Result, error) {
	reply, _, err := r.do(ctx, false, surrealnet.MethodPing, rest.Request{Method: http.MethodGet, Path: "health"})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return replyError(reply), nil
	}
	return nullResult(), nil
}

// Version returns the server version string.
func (r *REST) Version(ctx context.Context) (surrealnet.Result, error) {
	reply, _, err := r.do(ctx, false, surrealnet.MethodVersion, rest.Request{Method: http.MethodGet, Path: "version"})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return replyError(reply), nil
	}
	value, err := protocol.Marshal(string(bytes.TrimSpace(reply.Body)))
	if err != nil {
		return nil, err
	}
	return surrealnet.OkResult{Value: value}, nil
}

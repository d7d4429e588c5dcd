// Package db provides the two database clients: RPC over a multiplexed
// WebSocket connection and REST over plain HTTP. Both implement
// surrealnet.Database.
package db

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/protocol"
	"github.com/luciancaetano/surrealnet/internal/tracer"
	ws "github.com/luciancaetano/surrealnet/internal/websocket"
)

const transportRPC = "rpc"

// RPC is a database client speaking the RPC protocol over one WebSocket
// connection. Its methods are safe for concurrent use; concurrent requests
// share the connection and are matched to their replies by id.
type RPC struct {
	cfg  surrealnet.Config
	opts options

	mu    sync.RWMutex
	state State
	conn  *ws.Conn
	tel   *telemetry
	sess  session
	live  map[string]*LiveQuery
}

var _ surrealnet.Database = (*RPC)(nil)

// NewRPC creates a closed RPC client. cfg must come from ConfigBuilder.Build.
func NewRPC(cfg surrealnet.Config, opts ...Option) (*RPC, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("%w: config was not built", surrealnet.ErrConfig)
	}
	return &RPC{
		cfg:  cfg,
		opts: newOptions(opts),
		live: make(map[string]*LiveQuery),
	}, nil
}

// State returns the lifecycle state.
func (r *RPC) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Open connects, authenticates and selects the configured namespace and
// database, in that order. Any failure closes the connection again.
func (r *RPC) Open(ctx context.Context) error {
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

	conn := ws.NewConn(r.cfg.RPCURL(), ws.Options{
		Dialer:       r.dialer(),
		PingInterval: r.cfg.PingInterval(),
		RateLimit:    r.cfg.RateLimit(),
		Logger:       tel.logger,
	})

	ctx, cancel := withTimeout(ctx, r.cfg)
	defer cancel()
	ctx, span := tel.tracer.Start(ctx, transportRPC, "open",
		tracer.StringAttr("db.namespace", r.cfg.Namespace()),
		tracer.StringAttr("db.name", r.cfg.Database()),
	)

	sess, err := r.handshake(ctx, conn)
	tracer.End(span, err)
	if err != nil {
		conn.Close(context.Background())
		tel.close(context.Background())
		r.setState(StateClosed)
		return err
	}

	r.mu.Lock()
	r.conn, r.tel, r.sess = conn, tel, sess
	r.state = StateOpen
	r.mu.Unlock()

	tel.logger.Debug("database opened", "endpoint", r.cfg.Endpoint())
	return nil
}

func (r *RPC) handshake(ctx context.Context, conn *ws.Conn) (session, error) {
	var sess session
	if err := conn.Open(ctx); err != nil {
		return sess, err
	}

	switch r.cfg.AuthMode() {
	case surrealnet.AuthToken:
		res, err := exchange(ctx, conn, surrealnet.MethodAuthenticate, r.cfg.Token())
		if err != nil {
			return sess, err
		}
		if err := res.Err(); err != nil {
			return sess, fmt.Errorf("authenticate: %w", err)
		}
		sess.token = r.cfg.Token()
	default:
		creds := surrealnet.Credentials{Username: r.cfg.Username(), Password: r.cfg.Password()}
		res, err := exchange(ctx, conn, surrealnet.MethodSignin, creds)
		if err != nil {
			return sess, err
		}
		if err := res.Err(); err != nil {
			return sess, fmt.Errorf("signin: %w", err)
		}
		sess.token = tokenOf(res)
	}
	sess.authed = true

	res, err := exchange(ctx, conn, surrealnet.MethodUse, r.cfg.Namespace(), r.cfg.Database())
	if err != nil {
		return sess, err
	}
	if err := res.Err(); err != nil {
		return sess, fmt.Errorf("use: %w", err)
	}
	sess.namespace, sess.database = r.cfg.Namespace(), r.cfg.Database()
	return sess, nil
}

func (r *RPC) dialer() *websocket.Dialer {
	if r.opts.dialer != nil {
		return r.opts.dialer
	}
	d := *websocket.DefaultDialer
	if r.cfg.Insecure() {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &d
}

// Close closes the connection. Pending requests fail with
// ErrConnectionClosed and every live query stops. Closing a client that is
// not open is a no-op.
func (r *RPC) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateOpen {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosing
	conn, tel := r.conn, r.tel
	live := r.live
	r.live = make(map[string]*LiveQuery)
	r.mu.Unlock()

	err := conn.Close(ctx)
	for _, lq := range live {
		lq.stop()
	}
	if terr := tel.close(ctx); err == nil {
		err = terr
	}

	r.mu.Lock()
	r.conn, r.tel, r.sess = nil, nil, session{}
	r.state = StateClosed
	r.mu.Unlock()

	tel.logger.Debug("database closed", "endpoint", r.cfg.Endpoint())
	return err
}

func (r *RPC) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// guard returns the connection and telemetry of an open client. With
// needSession it also requires a namespace, a database and credentials.
func (r *RPC) guard(needSession bool) (*ws.Conn, *telemetry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != StateOpen {
		return nil, nil, surrealnet.ErrNotOpen
	}
	if needSession {
		if err := r.sess.check(); err != nil {
			return nil, nil, err
		}
	}
	return r.conn, r.tel, nil
}

// send issues one request inside a span and returns the raw reply.
func (r *RPC) send(ctx context.Context, needSession bool, method string, params ...any) (*protocol.Response, error) {
	conn, tel, err := r.guard(needSession)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, r.cfg)
	defer cancel()
	ctx, span := tel.tracer.Start(ctx, transportRPC, method)

	resp, err := conn.Send(ctx, method, params...)
	switch {
	case err != nil:
		tracer.End(span, err)
	case resp.Failed():
		tracer.End(span, resp.Error)
	default:
		tracer.End(span, nil)
	}
	return resp, err
}

func (r *RPC) call(ctx context.Context, needSession bool, method string, params ...any) (surrealnet.Result, error) {
	resp, err := r.send(ctx, needSession, method, params...)
	if err != nil {
		return nil, err
	}
	return toResult(resp), nil
}

// exchange sends one request on conn and maps the reply.
func exchange(ctx context.Context, conn *ws.Conn, method string, params ...any) (surrealnet.Result, error) {
	resp, err := conn.Send(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	return toResult(resp), nil
}

func toResult(resp *protocol.Response) surrealnet.Result {
	if resp.Failed() {
		return surrealnet.NewErrorResult(resp.Error.Code, resp.Error.Message)
	}
	return surrealnet.NewResult(resp.Result)
}

// tokenOf extracts the token string returned by signin and signup.
func tokenOf(res surrealnet.Result) string {
	token, err := surrealnet.Decode[string](res)
	if err != nil {
		return ""
	}
	return token
}

// Use switches the namespace and database of the session.
func (r *RPC) Use(ctx context.Context, namespace, database string) (surrealnet.Result, error) {
	res, err := r.call(ctx, false, surrealnet.MethodUse, namespace, database)
	if err != nil || !res.OK() {
		return res, err
	}

	r.mu.Lock()
	r.sess.namespace, r.sess.database = namespace, database
	r.mu.Unlock()
	return res, nil
}

// Signin authenticates the session. The returned value is the session token.
func (r *RPC) Signin(ctx context.Context, creds surrealnet.Credentials) (surrealnet.Result, error) {
	return r.login(ctx, surrealnet.MethodSignin, creds)
}

// Signup creates a scope user and authenticates the session as that user.
func (r *RPC) Signup(ctx context.Context, creds surrealnet.Credentials) (surrealnet.Result, error) {
	return r.login(ctx, surrealnet.MethodSignup, creds)
}

func (r *RPC) login(ctx context.Context, method string, creds surrealnet.Credentials) (surrealnet.Result, error) {
	res, err := r.call(ctx, false, method, creds)
	if err != nil || !res.OK() {
		return res, err
	}

	r.mu.Lock()
	r.sess.authed, r.sess.token = true, tokenOf(res)
	r.mu.Unlock()
	return res, nil
}

// Authenticate authenticates the session with a token.
func (r *RPC) Authenticate(ctx context.Context, token string) (surrealnet.Result, error) {
	res, err := r.call(ctx, false, surrealnet.MethodAuthenticate, token)
	if err != nil || !res.OK() {
		return res, err
	}

	r.mu.Lock()
	r.sess.authed, r.sess.token = true, token
	r.mu.Unlock()
	return res, nil
}

// Invalidate drops the session's authentication.
func (r *RPC) Invalidate(ctx context.Context) (surrealnet.Result, error) {
	res, err := r.call(ctx, false, surrealnet.MethodInvalidate)
	if err != nil || !res.OK() {
		return res, err
	}

	r.mu.Lock()
	r.sess.authed, r.sess.token = false, ""
	r.mu.Unlock()
	return res, nil
}

// Let binds a session variable.
func (r *RPC) Let(ctx context.Context, name string, value any) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodLet, name, value)
}

// Unset removes a session variable.
func (r *RPC) Unset(ctx context.Context, name string) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodUnset, name)
}

// Info returns the record of the authenticated user.
func (r *RPC) Info(ctx context.Context) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodInfo)
}

func (r *RPC) Select(ctx context.Context, thing surrealnet.Thing) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodSelect, thing)
}

func (r *RPC) Create(ctx context.Context, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodCreate, thing, data)
}

func (r *RPC) Update(ctx context.Context, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodUpdate, thing, data)
}

// Change merges data into a record.
func (r *RPC) Change(ctx context.Context, thing surrealnet.Thing, data any) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodMerge, thing, data)
}

// Modify applies JSON patches to a record.
func (r *RPC) Modify(ctx context.Context, thing surrealnet.Thing, patches []surrealnet.Patch) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodPatch, thing, patches)
}

func (r *RPC) Delete(ctx context.Context, thing surrealnet.Thing) (surrealnet.Result, error) {
	return r.call(ctx, true, surrealnet.MethodDelete, thing)
}

// Query substitutes vars into sql and runs it. A remote error that fails the
// whole request is returned as a single ErrorResult.
func (r *RPC) Query(ctx context.Context, sql string, vars map[string]any) (surrealnet.Response, error) {
	query, err := surrealnet.Interpolate(sql, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", surrealnet.ErrConfig, err)
	}

	resp, err := r.send(ctx, true, surrealnet.MethodQuery, query)
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return surrealnet.Response{toResult(resp)}, nil
	}
	return surrealnet.NewResponse(resp.Result), nil
}

// Ping checks that the server answers.
func (r *RPC) Ping(ctx context.Context) (surrealnet.Result, error) {
	return r.call(ctx, false, surrealnet.MethodPing)
}

// Version returns the server version string.
func (r *RPC) Version(ctx context.Context) (surrealnet.Result, error) {
	return r.call(ctx, false, surrealnet.MethodVersion)
}

// Token returns the token of the authenticated session, if the server
// issued one.
func (r *RPC) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sess.token
}

// rawString decodes a JSON string result.
func rawString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/logger"
	"github.com/luciancaetano/surrealnet/internal/protocol"
)

const (
	writeWait          = 10 * time.Second
	sendBufferSize     = 256
	maxHeaderSize      = 4096
	initialHeaderPeek  = 256
	defaultSubBuffer   = 64
	defaultNotifBuffer = 64
)

// ErrUnsubscribed is the reason reported by a subscription closed by its owner.
var ErrUnsubscribed = errors.New("subscription closed")

// State is the lifecycle state of a Conn.
type State uint8

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Options configures a Conn. Zero values select the defaults.
type Options struct {
	Dialer *websocket.Dialer
	Header http.Header
	// PingInterval enables keepalive pings. The read deadline is extended by
	// 10/9 of the interval on every frame and pong. Zero disables both.
	PingInterval time.Duration
	RateLimit    surrealnet.RateLimitConfig
	Logger       *slog.Logger
	// SubscriptionBuffer is the channel capacity of each persistent handler.
	SubscriptionBuffer int
	// NotificationBuffer is the capacity of the unsolicited notification
	// channel. A negative value drops unsolicited notifications.
	NotificationBuffer int
}

type outbound struct {
	data []byte
	errc chan error
}

// session holds everything that lives for one successful Open.
type session struct {
	ws            *websocket.Conn
	ctx           context.Context
	cancel        context.CancelFunc
	sendCh        chan outbound
	reg           *registry
	notifications chan *protocol.Response
	reader        *bufio.Reader
	readTimeout   time.Duration
	readDone      chan struct{}
	writeDone     chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason error
}

func (s *session) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == nil {
		return surrealnet.ErrConnectionClosed
	}
	return s.reason
}

// Conn multiplexes concurrent requests and push notifications over one
// WebSocket connection. Requests are matched to replies by correlation id,
// never by order.
type Conn struct {
	url     string
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu    sync.RWMutex
	state State
	sess  *session
}

// NewConn creates a closed connection to rawURL (ws:// or wss://).
func NewConn(rawURL string, opts Options) *Conn {
	var limiter *rate.Limiter
	if opts.RateLimit.Enabled {
		limiter = rate.NewLimiter(opts.RateLimit.RequestsPerSecond, opts.RateLimit.Burst)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = defaultSubBuffer
	}
	if opts.NotificationBuffer == 0 {
		opts.NotificationBuffer = defaultNotifBuffer
	}

	return &Conn{
		url:     rawURL,
		opts:    opts,
		logger:  opts.Logger,
		limiter: limiter,
	}
}

// URL returns the endpoint the connection dials.
func (c *Conn) URL() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Open dials the endpoint and starts the receive loop and write pump.
// Opening an open connection is a no-op; a connection whose transport
// failed is dialed again.
func (c *Conn) Open(ctx context.Context) error {
	if err := validateURL(c.url); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateOpen:
		if c.sess.ctx.Err() == nil {
			c.mu.Unlock()
			return nil
		}
		c.sess = nil
	case StateOpening, StateClosing:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connection is %s", state)
	}
	c.state = StateOpening
	c.mu.Unlock()

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ws:          ws,
		ctx:         sctx,
		cancel:      cancel,
		sendCh:      make(chan outbound, sendBufferSize),
		reg:         newRegistry(),
		reader:      bufio.NewReaderSize(nil, maxHeaderSize),
		readTimeout: c.opts.PingInterval * 10 / 9,
		readDone:    make(chan struct{}),
		writeDone:   make(chan struct{}),
	}
	if c.opts.NotificationBuffer > 0 {
		s.notifications = make(chan *protocol.Response, c.opts.NotificationBuffer)
	}

	if s.readTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		})
	}

	c.mu.Lock()
	c.sess = s
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop(s)
	go c.writePump(s)

	c.logger.Debug("connection opened", "url", c.url)
	return nil
}

// Close fails every pending request with ErrConnectionClosed, closes the
// transport and waits for the background goroutines to exit. Closing a
// connection that is not open is a no-op.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	s := c.sess
	c.state = StateClosing
	c.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	c.shutdown(s, surrealnet.ErrConnectionClosed, false)

	var err error
	for _, done := range []chan struct{}{s.readDone, s.writeDone} {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.sess = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Debug("connection closed", "url", c.url)
	return err
}

// Send transmits a request and waits for its reply. Cancelling ctx
// unregisters the request; a reply arriving later is dropped.
func (c *Conn) Send(ctx context.Context, method string, params ...any) (*protocol.Response, error) {
	s, err := c.active()
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	h := newHandler(id, false, 1)
	if err := c.transmit(ctx, s, h, method, params); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-h.ch:
		if !ok {
			return nil, h.reason()
		}
		return resp, nil
	case <-ctx.Done():
		s.reg.remove(id)
		h.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// Subscribe transmits a request whose id stays registered: every frame
// carrying that id is delivered on the returned subscription until it is
// closed or the connection closes.
func (c *Conn) Subscribe(ctx context.Context, method string, params ...any) (*Subscription, error) {
	s, err := c.active()
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	h := newHandler(uuid.NewString(), true, c.opts.SubscriptionBuffer)
	if err := c.transmit(ctx, s, h, method, params); err != nil {
		return nil, err
	}
	return &Subscription{h: h, reg: s.reg}, nil
}

// Listen registers a persistent handler under id without sending anything.
// It is used for pushes keyed by a server-assigned id, such as live queries.
func (c *Conn) Listen(id string) (*Subscription, error) {
	s, err := c.active()
	if err != nil {
		return nil, err
	}

	h := newHandler(id, true, c.opts.SubscriptionBuffer)
	if err := s.reg.register(h); err != nil {
		return nil, err
	}
	return &Subscription{h: h, reg: s.reg}, nil
}

// Notifications returns the channel receiving pushes that match no
// registered handler. It is closed when the connection closes, and is nil
// when the connection is not open or unsolicited pushes are disabled.
func (c *Conn) Notifications() <-chan *protocol.Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.notifications
}

// Pending returns the number of registered handlers.
func (c *Conn) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.reg.len()
}

func (c *Conn) active() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateOpen {
		return nil, surrealnet.ErrConnectionClosed
	}
	if c.sess.ctx.Err() != nil {
		return nil, c.sess.closeReason()
	}
	return c.sess, nil
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// transmit registers h before writing so a fast reply always finds it.
func (c *Conn) transmit(ctx context.Context, s *session, h *handler, method string, params []any) error {
	data, err := protocol.Encode(&protocol.Request{ID: h.id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: %w", surrealnet.ErrMsgFailedToEncode, err)
	}
	if err := s.reg.register(h); err != nil {
		return err
	}
	if err := c.write(ctx, s, data); err != nil {
		s.reg.remove(h.id)
		h.fail(err)
		return err
	}
	return nil
}

// write queues data on the write pump and waits for the write to finish.
// The queue keeps frames in call order.
func (c *Conn) write(ctx context.Context, s *session, data []byte) error {
	out := outbound{data: data, errc: make(chan error, 1)}

	select {
	case s.sendCh <- out:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.closeReason()
	}

	select {
	case err := <-out.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.closeReason()
	}
}

// writePump is the only writer of data frames and pings.
func (c *Conn) writePump(s *session) {
	defer close(s.writeDone)

	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case out := <-s.sendCh:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.ws.WriteMessage(websocket.TextMessage, out.data)
			if err != nil {
				err = fmt.Errorf("%w: write: %v", surrealnet.ErrConnectionClosed, err)
			}
			out.errc <- err
			if err != nil {
				c.shutdown(s, err, true)
				return
			}

		case <-tick:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(s, fmt.Errorf("%w: ping: %v", surrealnet.ErrConnectionClosed, err), true)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop owns the read side for the whole session.
func (c *Conn) readLoop(s *session) {
	defer func() {
		if s.notifications != nil {
			close(s.notifications)
		}
		close(s.readDone)
	}()

	for {
		_, r, err := s.ws.NextReader()
		if err != nil {
			unexpected := s.ctx.Err() == nil &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			c.shutdown(s, fmt.Errorf("%w: read: %v", surrealnet.ErrConnectionClosed, err), unexpected)
			return
		}
		if s.readTimeout > 0 {
			s.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		c.dispatch(s, r)
	}
}

// dispatch routes one frame. Only the header is scanned before the handler
// is looked up; the body is decoded straight from the frame reader.
func (c *Conn) dispatch(s *session, r io.Reader) {
	s.reader.Reset(r)

	h, err := scanFrame(s.reader)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "err", err)
		return
	}

	hd, ok := s.reg.route(h.ID)
	if !ok {
		c.unsolicited(s, h)
		return
	}

	resp, err := protocol.DecodeBody(h, s.reader)
	if err != nil {
		err = fmt.Errorf("%w: %v", surrealnet.ErrProtocol, err)
		c.logger.Warn("dropping undecodable frame body", "id", h.ID, "method", h.Method, "err", err)
		if !hd.persistent {
			hd.fail(err)
		}
		return
	}

	if !hd.deliver(resp) && hd.persistent {
		c.logger.Warn("subscription buffer full, dropping frame", "id", h.ID, "method", h.Method, "dropped", hd.dropped.Load())
	}
}

func (c *Conn) unsolicited(s *session, h protocol.Header) {
	if h.Reply() || s.notifications == nil {
		c.logger.Debug("no pending request for frame", "id", h.ID, "method", h.Method)
		return
	}

	resp, err := protocol.DecodeBody(h, s.reader)
	if err != nil {
		c.logger.Warn("dropping undecodable notification", "id", h.ID, "err", err)
		return
	}
	select {
	case s.notifications <- resp:
	default:
		c.logger.Warn("notification buffer full, dropping", "id", h.ID, "method", h.Method)
	}
}

// shutdown runs once per session: it cancels the session, fails every
// pending handler with reason and closes the transport.
func (c *Conn) shutdown(s *session, reason error, unexpected bool) {
	s.once.Do(func() {
		if unexpected {
			c.logger.Warn("connection lost", "url", c.url, "err", reason)
		}
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()

		s.cancel()
		for _, h := range s.reg.close(reason) {
			h.fail(reason)
		}
		s.ws.Close()
	})
}

// scanFrame peeks progressively larger prefixes of the frame until the
// header scanner succeeds, then advances the reader to the body.
func scanFrame(r *bufio.Reader) (protocol.Header, error) {
	for n := initialHeaderPeek; ; n *= 2 {
		if n > r.Size() {
			n = r.Size()
		}
		buf, err := r.Peek(n)

		h, serr := protocol.ScanHeader(buf)
		if serr == nil {
			_, derr := r.Discard(h.Offset)
			return h, derr
		}
		if !errors.Is(serr, protocol.ErrIncomplete) {
			return h, serr
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return h, fmt.Errorf("%w: frame ended inside header", protocol.ErrMalformed)
		}
		if n == r.Size() {
			return h, fmt.Errorf("%w: header exceeds %d bytes", protocol.ErrMalformed, r.Size())
		}
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: %s", surrealnet.ErrConfig, surrealnet.ErrMsgMissingEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("%w: invalid endpoint %q", surrealnet.ErrConfig, raw)
	}
	return nil
}

package websocket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/protocol"
)

type wireRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// startPeer serves each upgraded connection with serve and returns the
// ws:// URL of the endpoint.
func startPeer(t *testing.T, serve func(ws *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(ws)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc"
}

func readRequest(ws *websocket.Conn) (wireRequest, error) {
	var req wireRequest
	_, data, err := ws.ReadMessage()
	if err != nil {
		return req, err
	}
	err = json.Unmarshal(data, &req)
	return req, err
}

func writeFrame(ws *websocket.Conn, frame string) error {
	return ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func reply(ws *websocket.Conn, req wireRequest, result string) error {
	return writeFrame(ws, fmt.Sprintf(`{"id":%q,"method":%q,"result":%s}`, req.ID, req.Method, result))
}

// drain reads until the client goes away.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func openConn(t *testing.T, url string) *Conn {
	t.Helper()

	conn := NewConn(url, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func waitPending(t *testing.T, conn *Conn, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for conn.Pending() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", conn.Pending(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSendRoutesReversedReplies answers a batch of concurrent requests in
// reverse order; every caller must still get its own result.
func TestSendRoutesReversedReplies(t *testing.T) {
	t.Parallel()

	const n = 16
	url := startPeer(t, func(ws *websocket.Conn) {
		reqs := make([]wireRequest, 0, n)
		for len(reqs) < n {
			req, err := readRequest(ws)
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			if err := reply(ws, reqs[i], string(reqs[i].Params[0])); err != nil {
				return
			}
		}
		drain(ws)
	})
	conn := openConn(t, url)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := conn.Send(ctx, "echo", i)
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- fmt.Errorf("request %d got result %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if conn.Pending() != 0 {
		t.Errorf("pending after replies = %d, want 0", conn.Pending())
	}
}

func TestSendRoundTrip(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		writeFrame(ws, fmt.Sprintf(`{ "id" : %q, "method" : "select", "result" : [{"a":1}] }`, req.ID))
		drain(ws)
	})
	conn := openConn(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := conn.Send(ctx, "select", "person")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Method != "select" || resp.Body != protocol.BodyResult {
		t.Errorf("header = %+v", resp.Header)
	}
	if string(resp.Result) != `[{"a":1}]` {
		t.Errorf("result = %s", resp.Result)
	}
	if conn.Pending() != 0 {
		t.Errorf("pending = %d, want 0", conn.Pending())
	}
}

// TestLateReplyAfterCancel answers a cancelled request only after a second
// request arrived; the stale reply is dropped and the second caller gets its
// own result.
func TestLateReplyAfterCancel(t *testing.T) {
	t.Parallel()

	received := make(chan struct{})
	url := startPeer(t, func(ws *websocket.Conn) {
		first, err := readRequest(ws)
		if err != nil {
			return
		}
		close(received)
		second, err := readRequest(ws)
		if err != nil {
			return
		}
		reply(ws, first, `"stale"`)
		reply(ws, second, `"fresh"`)
		drain(ws)
	})
	conn := openConn(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Send(ctx, "first")
		done <- err
	}()
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("first request not received")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Send = %v, want context.Canceled", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	resp, err := conn.Send(ctx2, "second")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Result) != `"fresh"` {
		t.Errorf("result = %s, want \"fresh\"", resp.Result)
	}
}

func TestSendErrorReply(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		writeFrame(ws, fmt.Sprintf(`{"id":%q,"method":%q,"error":{"code":-32602,"message":"bad params"}}`, req.ID, req.Method))
		drain(ws)
	})
	conn := openConn(t, url)

	resp, err := conn.Send(context.Background(), "select", "person")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Failed() {
		t.Fatal("expected failed response")
	}
	if resp.Error.Code != -32602 || resp.Error.Message != "bad params" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()

	url := startPeer(t, drain)
	conn := openConn(t, url)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := conn.Send(context.Background(), "sleep")
			errs <- err
		}()
	}
	waitPending(t, conn, n)

	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, surrealnet.ErrConnectionClosed) {
				t.Errorf("pending request error = %v, want ErrConnectionClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pending request not failed by Close")
		}
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %v, want closed", conn.State())
	}

	if _, err := conn.Send(context.Background(), "ping"); !errors.Is(err, surrealnet.ErrConnectionClosed) {
		t.Errorf("Send after Close = %v, want ErrConnectionClosed", err)
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		writeFrame(ws, `{"id": "x", "meth`)
		writeFrame(ws, `not json at all`)
		writeFrame(ws, `{"id":"y","method":"select","unknown":1}`)
		reply(ws, req, `"ok"`)
		drain(ws)
	})
	conn := openConn(t, url)

	resp, err := conn.Send(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Result) != `"ok"` {
		t.Errorf("result = %s, want \"ok\"", resp.Result)
	}
	if conn.State() != StateOpen {
		t.Errorf("state = %v, want open", conn.State())
	}
}

// TestLargeFrameRouted checks that a result larger than the header buffer
// is read in full.
func TestLargeFrameRouted(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 3*maxHeaderSize)
	url := startPeer(t, func(ws *websocket.Conn) {
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		reply(ws, req, fmt.Sprintf("%q", big))
		drain(ws)
	})
	conn := openConn(t, url)

	resp, err := conn.Send(context.Background(), "select")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got string
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != big {
		t.Errorf("result length = %d, want %d", len(got), len(big))
	}
}

func TestSendCancelUnregisters(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		first, err := readRequest(ws)
		if err != nil {
			return
		}
		second, err := readRequest(ws)
		if err != nil {
			return
		}
		// Late reply for the abandoned request goes first.
		reply(ws, first, `"late"`)
		reply(ws, second, `"second"`)
		drain(ws)
	})
	conn := openConn(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Send(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want deadline exceeded", err)
	}
	if conn.Pending() != 0 {
		t.Errorf("pending after cancel = %d, want 0", conn.Pending())
	}

	resp, err := conn.Send(context.Background(), "fast")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Result) != `"second"` {
		t.Errorf("result = %s, want \"second\"", resp.Result)
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		for i := 0; i < 3; i++ {
			reply(ws, req, fmt.Sprint(i))
		}
		drain(ws)
	})
	conn := openConn(t, url)

	sub, err := conn.Subscribe(context.Background(), "stream")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case resp := <-sub.C():
			if string(resp.Result) != fmt.Sprint(i) {
				t.Errorf("frame %d result = %s", i, resp.Result)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	if conn.Pending() != 1 {
		t.Errorf("pending = %d, want 1", conn.Pending())
	}

	conn.Close(context.Background())
	if _, ok := <-sub.C(); ok {
		t.Error("subscription channel open after Close")
	}
	if !errors.Is(sub.Err(), surrealnet.ErrConnectionClosed) {
		t.Errorf("Err = %v, want ErrConnectionClosed", sub.Err())
	}
}

func TestListenAndNotifications(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		writeFrame(ws, `{"id":"stray","method":"notify","params":[{"action":"CREATE"}]}`)
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		writeFrame(ws, `{"id":"live-1","method":"notify","params":[{"action":"UPDATE"}]}`)
		reply(ws, req, "null")
		drain(ws)
	})
	conn := openConn(t, url)

	select {
	case resp := <-conn.Notifications():
		if resp.ID != "stray" || !resp.Notification() {
			t.Errorf("notification = %+v", resp.Header)
		}
		if string(resp.Params) != `[{"action":"CREATE"}]` {
			t.Errorf("params = %s", resp.Params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unsolicited notification not delivered")
	}

	sub, err := conn.Listen("live-1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := conn.Send(context.Background(), "trigger"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-sub.C():
		if string(resp.Params) != `[{"action":"UPDATE"}]` {
			t.Errorf("params = %s", resp.Params)
		}
	default:
		t.Fatal("push routed after the reply that followed it")
	}

	sub.Close()
	if !errors.Is(sub.Err(), ErrUnsubscribed) {
		t.Errorf("Err = %v, want ErrUnsubscribed", sub.Err())
	}
	if conn.Pending() != 0 {
		t.Errorf("pending = %d, want 0", conn.Pending())
	}
}

// TestSubscriptionCountsDrops fills a small subscription buffer; pushes past
// it are discarded and counted while later replies still get through.
func TestSubscriptionCountsDrops(t *testing.T) {
	t.Parallel()

	const pushes = 10
	url := startPeer(t, func(ws *websocket.Conn) {
		req, err := readRequest(ws)
		if err != nil {
			return
		}
		for i := 0; i < pushes; i++ {
			writeFrame(ws, fmt.Sprintf(`{"id":"live-1","method":"notify","params":[%d]}`, i))
		}
		reply(ws, req, "null")
		drain(ws)
	})

	conn := NewConn(url, Options{SubscriptionBuffer: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })

	sub, err := conn.Listen("live-1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := conn.Send(ctx, "trigger"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := len(sub.C()); got != 4 {
		t.Errorf("buffered = %d, want 4", got)
	}
	if got := sub.Dropped(); got != pushes-4 {
		t.Errorf("dropped = %d, want %d", got, pushes-4)
	}
	first := <-sub.C()
	if string(first.Params) != "[0]" {
		t.Errorf("first params = %s, want [0]", first.Params)
	}
}

func TestBareNotificationSurfaced(t *testing.T) {
	t.Parallel()

	url := startPeer(t, func(ws *websocket.Conn) {
		writeFrame(ws, `{"id":"stray","method":"notify"}`)
		writeFrame(ws, `{"id":"orphan","method":"select","result":[]}`)
		drain(ws)
	})
	conn := openConn(t, url)

	select {
	case resp := <-conn.Notifications():
		if resp.ID != "stray" || resp.Method != "notify" {
			t.Errorf("notification = %+v", resp.Header)
		}
		if resp.Params != nil {
			t.Errorf("params = %s, want none", resp.Params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification without params not delivered")
	}

	select {
	case resp := <-conn.Notifications():
		t.Errorf("unmatched reply surfaced as notification: %+v", resp.Header)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerDropFailsPendingAndReopens(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	url := startPeer(t, func(ws *websocket.Conn) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()

		req, err := readRequest(ws)
		if err != nil || first {
			return
		}
		reply(ws, req, `"again"`)
		drain(ws)
	})
	conn := openConn(t, url)

	if _, err := conn.Send(context.Background(), "ping"); !errors.Is(err, surrealnet.ErrConnectionClosed) {
		t.Fatalf("Send = %v, want ErrConnectionClosed", err)
	}

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	resp, err := conn.Send(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Send after reopen: %v", err)
	}
	if string(resp.Result) != `"again"` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestOpenClose(t *testing.T) {
	t.Parallel()

	t.Run("close without open", func(t *testing.T) {
		conn := NewConn("ws://127.0.0.1:1/rpc", Options{})
		if err := conn.Close(context.Background()); err != nil {
			t.Errorf("Close = %v, want nil", err)
		}
		if _, err := conn.Send(context.Background(), "ping"); !errors.Is(err, surrealnet.ErrConnectionClosed) {
			t.Errorf("Send = %v, want ErrConnectionClosed", err)
		}
		if conn.Notifications() != nil {
			t.Error("notifications channel on closed connection")
		}
	})

	t.Run("invalid url", func(t *testing.T) {
		for _, url := range []string{"", "http://localhost/rpc", "ws://"} {
			err := NewConn(url, Options{}).Open(context.Background())
			if !errors.Is(err, surrealnet.ErrConfig) {
				t.Errorf("Open(%q) = %v, want ErrConfig", url, err)
			}
		}
	})

	t.Run("open twice", func(t *testing.T) {
		conn := openConn(t, startPeer(t, drain))
		if err := conn.Open(context.Background()); err != nil {
			t.Errorf("second Open = %v", err)
		}
		if conn.State() != StateOpen {
			t.Errorf("state = %v, want open", conn.State())
		}
	})
}

func TestScanFrame(t *testing.T) {
	t.Parallel()

	frame := `{"id":"1","method":"select","result":[1,2,3]}`
	r := bufioReader(frame)

	h, err := scanFrame(r)
	if err != nil {
		t.Fatalf("scanFrame: %v", err)
	}
	if h.Body != protocol.BodyResult {
		t.Errorf("body = %v, want result", h.Body)
	}
	resp, err := protocol.DecodeBody(h, r)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if string(resp.Result) != "[1,2,3]" {
		t.Errorf("result = %s", resp.Result)
	}
}

func bufioReader(frame string) *bufio.Reader {
	r := bufio.NewReaderSize(nil, maxHeaderSize)
	r.Reset(strings.NewReader(frame))
	return r
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/luciancaetano/surrealnet"
	ws "github.com/luciancaetano/surrealnet/internal/websocket"
)

// LiveQuery streams the changes of a table. Its channel closes when the
// query is killed or the client closes.
type LiveQuery struct {
	id     string
	sub    *ws.Subscription
	ch     chan surrealnet.Notification
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newLiveQuery(id string, sub *ws.Subscription, logger *slog.Logger) *LiveQuery {
	lq := &LiveQuery{
		id:     id,
		sub:    sub,
		ch:     make(chan surrealnet.Notification),
		done:   make(chan struct{}),
		logger: logger,
	}
	go lq.pump()
	return lq
}

// ID returns the server-assigned live query id.
func (lq *LiveQuery) ID() string {
	return lq.id
}

// Notifications returns the change stream.
func (lq *LiveQuery) Notifications() <-chan surrealnet.Notification {
	return lq.ch
}

// Dropped returns the number of change frames lost because the stream was
// not drained fast enough. A slow reader has a bounded buffer of frames
// before pushes are discarded.
func (lq *LiveQuery) Dropped() uint64 {
	return lq.sub.Dropped()
}

// Err reports why the stream ended, or nil while it is running.
func (lq *LiveQuery) Err() error {
	return lq.sub.Err()
}

func (lq *LiveQuery) stop() {
	lq.once.Do(func() {
		lq.sub.Close()
		close(lq.done)
	})
}

// pump converts push frames into notifications until the subscription ends
// or the query is stopped.
func (lq *LiveQuery) pump() {
	defer close(lq.ch)

	for {
		var frame []json.RawMessage
		select {
		case resp, ok := <-lq.sub.C():
			if !ok {
				return
			}
			if err := json.Unmarshal(resp.Params, &frame); err != nil || len(frame) == 0 {
				lq.logger.Warn("dropping malformed live notification", "id", lq.id, "err", err)
				continue
			}
		case <-lq.done:
			return
		}

		for _, raw := range frame {
			var n surrealnet.Notification
			if err := json.Unmarshal(raw, &n); err != nil {
				lq.logger.Warn("dropping malformed live notification", "id", lq.id, "err", err)
				continue
			}
			if n.QueryID == "" {
				n.QueryID = lq.id
			}
			select {
			case lq.ch <- n:
			case <-lq.done:
				return
			}
		}
	}
}

// Live starts a live query on table. With diff set the server sends JSON
// patches instead of whole records.
func (r *RPC) Live(ctx context.Context, table string, diff bool) (*LiveQuery, error) {
	params := []any{table}
	if diff {
		params = append(params, true)
	}

	resp, err := r.send(ctx, true, surrealnet.MethodLive, params...)
	if err != nil {
		return nil, err
	}
	res := toResult(resp)
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	ok, _ := res.TryGetResult()
	id, valid := rawString(ok.Value)
	if !valid || id == "" {
		return nil, fmt.Errorf("%w: live query id is not a string: %s", surrealnet.ErrProtocol, ok.Value)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOpen {
		return nil, surrealnet.ErrNotOpen
	}
	sub, err := r.conn.Listen(id)
	if err != nil {
		return nil, err
	}
	lq := newLiveQuery(id, sub, r.tel.logger)
	r.live[id] = lq
	return lq, nil
}

// Kill stops a live query on the server and closes its stream.
func (r *RPC) Kill(ctx context.Context, id string) (surrealnet.Result, error) {
	res, err := r.call(ctx, true, surrealnet.MethodKill, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	lq, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()

	if ok {
		lq.stop()
	}
	return res, nil
}

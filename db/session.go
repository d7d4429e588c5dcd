package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/logger"
	"github.com/luciancaetano/surrealnet/internal/tracer"
)

// State is the lifecycle state of a client.
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

// session is the locally cached view of the server-side session. It is only
// changed after the server accepted the change.
type session struct {
	namespace string
	database  string
	authed    bool
	token     string
}

// check fails when data operations cannot succeed on this session.
func (s session) check() error {
	switch {
	case s.namespace == "":
		return fmt.Errorf("%w: %s", surrealnet.ErrConfig, surrealnet.ErrMsgMissingNamespace)
	case s.database == "":
		return fmt.Errorf("%w: %s", surrealnet.ErrConfig, surrealnet.ErrMsgMissingDatabase)
	case !s.authed:
		return surrealnet.ErrUnauthenticated
	}
	return nil
}

// telemetry is the logger and tracer owned by one Open/Close cycle.
type telemetry struct {
	logger *slog.Logger
	tracer *tracer.Tracer
	close  func(context.Context) error
}

func newTelemetry(cfg surrealnet.Config, o options) (*telemetry, error) {
	t := &telemetry{close: func(context.Context) error { return nil }}

	closeLog := func() error { return nil }
	if o.logger != nil {
		t.logger = o.logger
	} else {
		l, closer, err := logger.New(cfg.Logger())
		if err != nil {
			return nil, fmt.Errorf("%w: logger: %v", surrealnet.ErrConfig, err)
		}
		t.logger, closeLog = l, closer
	}

	if o.tracerProvider != nil {
		t.tracer = tracer.FromProvider(o.tracerProvider)
	} else {
		tr, err := tracer.New(cfg.Tracer())
		if err != nil {
			closeLog()
			return nil, fmt.Errorf("%w: tracer: %v", surrealnet.ErrConfig, err)
		}
		t.tracer = tr
	}

	t.close = func(ctx context.Context) error {
		err := t.tracer.Shutdown(ctx)
		if cerr := closeLog(); err == nil {
			err = cerr
		}
		return err
	}
	return t, nil
}

// withTimeout bounds ctx by the configured request timeout unless it already
// has a deadline.
func withTimeout(ctx context.Context, cfg surrealnet.Config) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || cfg.RequestTimeout() <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.RequestTimeout())
}

func nullResult() surrealnet.Result {
	return surrealnet.OkResult{Value: []byte("null")}
}

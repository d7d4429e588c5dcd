package db

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/logger"
	"github.com/luciancaetano/surrealnet/internal/mockserver"
)

func startServer(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mockserver.New(mockserver.Options{
		Users: map[string]string{"root": "root"},
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t testing.TB, srv *httptest.Server) surrealnet.Config {
	t.Helper()
	cfg, err := surrealnet.NewConfigBuilder().
		Endpoint(srv.URL).
		Namespace("test").
		Database("test").
		Basic("root", "root").
		RequestTimeout(5 * time.Second).
		Build()
	require.NoError(t, err)
	return cfg
}

func openRPC(t testing.TB, srv *httptest.Server) *RPC {
	t.Helper()
	client, err := NewRPC(testConfig(t, srv), WithLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, client.Open(context.Background()))
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func openREST(t testing.TB, srv *httptest.Server) *REST {
	t.Helper()
	client, err := NewREST(testConfig(t, srv), WithLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, client.Open(context.Background()))
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

// openBoth returns an RPC and a REST client sharing one server.
func openBoth(t *testing.T) map[string]surrealnet.Database {
	t.Helper()
	srv := startServer(t)
	return map[string]surrealnet.Database{
		"rpc":  openRPC(t, srv),
		"rest": openREST(t, srv),
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

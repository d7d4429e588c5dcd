// Package surrealnet is a client for a SurrealDB-style document database.
//
// The root package holds the transport-independent parts: configuration,
// record addressing (Thing), the typed result model and the Database
// interface. The clients live in package db:
//
//   - db.RPC speaks JSON over one WebSocket connection. Requests carry a
//     unique id and replies are matched back by id, so any number of
//     goroutines can share the connection.
//   - db.REST issues one HTTP request per operation and keeps the session
//     locally.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/surrealnet"
//	    "github.com/luciancaetano/surrealnet/db"
//	)
//
//	cfg, err := surrealnet.NewConfigBuilder().
//	    Endpoint("localhost:8000").
//	    Namespace("test").
//	    Database("test").
//	    Basic("root", "root").
//	    Build()
//
//	client, err := db.NewRPC(cfg)
//	if err := client.Open(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	res, err := client.Create(ctx, surrealnet.NewThing("person", "tobie"), person)
//	p, err := surrealnet.Decode[Person](res)
//
// # Wire Format
//
// Requests are JSON objects:
//
//	{"id":"<uuid>","method":"select","params":["person:tobie"]}
//
// Replies echo the id and carry either a result or an error object:
//
//	{"id":"<uuid>","result":[{"result":{...},"status":"OK","time":"1ms"}]}
//	{"id":"<uuid>","error":{"code":-32602,"message":"Invalid params"}}
//
// Frames without a pending id (live query pushes) are routed to their live
// query, or to Conn.Notifications when no live query claims them.
//
// # Results
//
// A reply shaped as exactly one status document is unwrapped to its inner
// value. Queries return a Response with one Result per statement. Remote
// failures are ErrorResult values; Go errors are reserved for local
// failures. Errors caused by misuse (bad config, not open, not
// authenticated) match ErrConfig.
//
// # Rate Limiting
//
// Outbound RPC requests can be throttled with a token bucket:
//
//	cfg, err := builder.RateLimit(surrealnet.DefaultRateLimitConfig()).Build() // 100 req/s, burst 200
//
// # Configuration Files
//
// LoadConfig reads a YAML file and applies SURREAL_* environment overrides:
//
//	cfg, err := surrealnet.LoadConfig("surreal.yaml")
//
// # Important
//
//   - A Config is only usable when it comes from ConfigBuilder.Build
//   - Session state changes only after the server accepted them
//   - Closing a client fails every pending request with ErrConnectionClosed
package surrealnet

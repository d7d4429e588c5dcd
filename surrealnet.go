package surrealnet

import (
	"context"
	"encoding/json"
)

// Database defines the operations shared by the RPC and REST clients.
//
// Every operation returns a Result (or a Response for queries) describing
// what the server answered. Remote errors are reported as ErrorResult values,
// not as Go errors. The error return is reserved for local failures:
// configuration problems, an unopened database, transport failures and
// context cancellation.
//
// Example usage:
//
//	cfg, err := surrealnet.NewConfigBuilder().
//	    Endpoint("localhost:8000").
//	    Namespace("test").
//	    Database("test").
//	    Basic("root", "root").
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := db.NewRPC(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	res, err := client.Select(ctx, surrealnet.NewThing("person", "tobie"))
type Database interface {
	// Open connects, authenticates with the configured credentials and
	// selects the configured namespace and database.
	//
	// Returns ErrAlreadyOpen if the database is already open.
	Open(ctx context.Context) error

	// Close releases the connection. Requests still pending fail with
	// ErrConnectionClosed. Closing a database that was never opened is a no-op.
	Close(ctx context.Context) error

	// Use switches the namespace and database of the session.
	Use(ctx context.Context, namespace, database string) (Result, error)

	// Signin authenticates the session with the given credentials.
	Signin(ctx context.Context, creds Credentials) (Result, error)

	// Signup creates a scope user and authenticates the session as that user.
	Signup(ctx context.Context, creds Credentials) (Result, error)

	// Authenticate authenticates the session with a token.
	Authenticate(ctx context.Context, token string) (Result, error)

	// Invalidate drops the session's authentication. Operations that need
	// credentials fail with ErrUnauthenticated afterwards.
	Invalidate(ctx context.Context) (Result, error)

	// Let binds a session variable usable as $name in later queries.
	Let(ctx context.Context, name string, value any) (Result, error)

	// Unset removes a session variable.
	Unset(ctx context.Context, name string) (Result, error)

	// Info returns the record of the authenticated user.
	Info(ctx context.Context) (Result, error)

	// Select returns a record, or every record of a table when thing has no key.
	Select(ctx context.Context, thing Thing) (Result, error)

	// Create creates a record with the given content.
	Create(ctx context.Context, thing Thing, data any) (Result, error)

	// Update replaces the content of a record.
	Update(ctx context.Context, thing Thing, data any) (Result, error)

	// Change merges data into the content of a record.
	Change(ctx context.Context, thing Thing, data any) (Result, error)

	// Modify applies JSON patches to a record.
	Modify(ctx context.Context, thing Thing, patches []Patch) (Result, error)

	// Delete removes a record, or every record of a table when thing has no key.
	Delete(ctx context.Context, thing Thing) (Result, error)

	// Query runs one or more statements. vars are substituted for their
	// $name placeholders before the query is sent. The Response holds one
	// Result per statement.
	Query(ctx context.Context, sql string, vars map[string]any) (Response, error)
}

// Credentials are sent by Signin and Signup. Empty fields are omitted.
// Extra carries scope-specific fields and is merged into the same object.
type Credentials struct {
	Namespace string
	Database  string
	Scope     string
	Username  string
	Password  string
	Extra     map[string]any
}

// MarshalJSON implements json.Marshaler.
func (c Credentials) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+5)
	for k, v := range c.Extra {
		out[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("NS", c.Namespace)
	set("DB", c.Database)
	set("SC", c.Scope)
	set("user", c.Username)
	set("pass", c.Password)
	return json.Marshal(out)
}

// Patch is one JSON Patch operation.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Notification is one change pushed by a live query.
type Notification struct {
	QueryID string          `json:"id"`
	Action  string          `json:"action"`
	Result  json.RawMessage `json:"result"`
}

// Decode unmarshals the notification's record into v.
func (n Notification) Decode(v any) error {
	return json.Unmarshal(n.Result, v)
}

package surrealnet

import "errors"

// RPC method names.
const (
	MethodPing         = "ping"
	MethodVersion      = "version"
	MethodUse          = "use"
	MethodInfo         = "info"
	MethodSignin       = "signin"
	MethodSignup       = "signup"
	MethodAuthenticate = "authenticate"
	MethodInvalidate   = "invalidate"
	MethodLet          = "let"
	MethodUnset        = "unset"
	MethodSelect       = "select"
	MethodCreate       = "create"
	MethodUpdate       = "update"
	MethodMerge        = "merge"
	MethodPatch        = "patch"
	MethodDelete       = "delete"
	MethodQuery        = "query"
	MethodLive         = "live"
	MethodKill         = "kill"

	// MethodNotify is the method carried by live query push frames.
	MethodNotify = "notify"
)

// Standard error messages
const (
	// Configuration errors
	ErrMsgMissingEndpoint  = "endpoint is required"
	ErrMsgMissingNamespace = "namespace is required"
	ErrMsgMissingDatabase  = "database is required"
	ErrMsgMissingAuth      = "username/password or token is required"
	ErrMsgConflictingAuth  = "username/password and token are mutually exclusive"
	ErrMsgInvalidScheme    = "invalid scheme"

	// Connection errors
	ErrMsgConnectionClosed = "connection is closed"
	ErrMsgNotOpen          = "database is not open"
	ErrMsgAlreadyOpen      = "database is already open"
	ErrMsgFailedToEncode   = "failed to encode request"
	ErrMsgFailedToDecode   = "failed to decode response"
	ErrMsgUnauthenticated  = "session is not authenticated"
)

// Status values carried by status documents.
const (
	StatusOK  = "OK"
	StatusErr = "ERR"
)

// ErrorCodeStatement is the code given to an ErrorResult built from a status
// document whose status is not OK.
const ErrorCodeStatement = -32000

var (
	// ErrConfig marks configuration errors and guard-clause failures. These are
	// detected locally and never reach the network.
	ErrConfig = errors.New("configuration error")
	// ErrUnauthenticated is returned for operations that need credentials on a
	// session that has none. It matches ErrConfig with errors.Is.
	ErrUnauthenticated = &configError{msg: ErrMsgUnauthenticated}
	// ErrNotOpen is returned for operations on a database that is not open.
	ErrNotOpen = &configError{msg: ErrMsgNotOpen}
	// ErrAlreadyOpen is returned by Open on an open database.
	ErrAlreadyOpen = errors.New(ErrMsgAlreadyOpen)
	// ErrConnectionClosed fails requests pending on, or issued to, a closed connection.
	ErrConnectionClosed = errors.New(ErrMsgConnectionClosed)
	// ErrProtocol marks frames that could not be decoded.
	ErrProtocol = errors.New("protocol error")
)

type configError struct {
	msg string
}

func (e *configError) Error() string { return e.msg }

func (e *configError) Is(target error) bool { return target == ErrConfig }

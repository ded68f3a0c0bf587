package session

import "errors"

// Sentinel errors returned by session and registry operations. Callers
// match them with errors.Is; the gateway maps them to wire error codes.
var (
	ErrBusy        = errors.New("a send is already in flight")
	ErrCompleted   = errors.New("session is completed")
	ErrDeleted     = errors.New("session is deleted")
	ErrNotFound    = errors.New("session not found")
	ErrDuplicateID = errors.New("session id already exists")
	ErrDestroyed   = errors.New("registry is destroyed")
)

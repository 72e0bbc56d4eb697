package coord

import "errors"

// Structural errors. Operations that return one of these leave the store
// unchanged and fire no watches.
var (
	ErrNoNode      = errors.New("node does not exist")
	ErrNodeExists  = errors.New("node already exists")
	ErrNoParent    = errors.New("parent node does not exist")
	ErrBadVersion  = errors.New("version conflict")
	ErrInvalidPath = errors.New("invalid path")
)

// Lifecycle errors, returned before the store is touched.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionExpired   = errors.New("session expired")
)

package routing

import "errors"

var (
	// ErrDuplicateIdentity is returned when a connection registers under an
	// identity already held by a live connection.
	ErrDuplicateIdentity = errors.New("routing: connection identity already registered")

	// ErrNoRoute is returned when no registered connection can deliver to
	// the user.
	ErrNoRoute = errors.New("routing: no connection available")
)

// Package source provides use cases for managing news feed sources.
// It implements business logic for creating, updating, deleting, and querying sources,
// including validation and interaction with the source repository.
package source

import "errors"

// ErrSourceNotFound indicates that the requested source was not found.
var ErrSourceNotFound = errors.New("source not found")

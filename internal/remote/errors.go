package remote

import (
	"errors"
	"fmt"

	"github.com/njoerd114/shelfsync/internal/model"
)

var (
	// ErrNotFound is returned when the server has no record with the
	// requested id (HTTP 404).
	ErrNotFound = errors.New("remote record not found")
	// ErrUnauthorized is returned when the server rejects the bearer token.
	ErrUnauthorized = errors.New("remote rejected credentials")
)

// ConflictError is returned by [Client.Update] when the server holds a newer
// copy of the record (HTTP 409). Server is that copy.
type ConflictError struct {
	Server model.RemoteRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict on %s (server lastUpdated %s)",
		e.Server.ID, e.Server.LastUpdated.Format("2006-01-02T15:04:05.000Z07:00"))
}

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Body)
}

// retryable reports whether a failed call may succeed when repeated. Client
// errors other than 408 and 429 are final.
func retryable(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
		return false
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 408 || se.Code == 429
	}
	return true
}

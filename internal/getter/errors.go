package getter

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is wrapped by collaborators that report a missing entity
// without an HTTP status.
var ErrNotFound = errors.New("not found")

// ServerError is a failure reported by the remote end of a fetch.
type ServerError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, msg)
}

func (e *ServerError) Unwrap() error { return e.Err }

// IsNotFound reports whether err says the requested entity does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

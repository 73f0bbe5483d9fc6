package feed

import (
	"errors"
	"fmt"

	"github.com/timberline-dev/timberline/internal/wire"
)

var (
	// ErrNoEndpoint means the controller has nothing to connect to. It is
	// fatal: the controller will not retry on its own.
	ErrNoEndpoint = wire.ErrNoEndpoint

	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("feed controller closed")

	// errUnexpectedClose is the cause recorded when the server ends the
	// stream without an error.
	errUnexpectedClose = errors.New("stream closed by server")

	// errIdle is the cause recorded when nothing arrived within the idle
	// timeout.
	errIdle = errors.New("no data received within idle timeout")
)

// ConnectionError is a recoverable failure of one connection attempt.
type ConnectionError struct {
	Attempt int
	Params  Params
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed connection attempt %d (%s): %v", e.Attempt, e.Params, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

package channel

import (
	"errors"

	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// Sentinels matched by CallError through errors.Is.
var (
	ErrTrap          = errors.New("sandbox trap")
	ErrInstantiation = errors.New("sandbox instantiation failed")
	ErrChannel       = errors.New("channel failure")
	ErrUnknownType   = errors.New("unknown message type")
	ErrTimeout       = errors.New("call timed out")
)

// ErrClosed is returned for calls on a closed Channel.
var ErrClosed = errors.New("channel closed")

// genericWorkerError replaces an empty error message from the worker.
const genericWorkerError = "Worker error"

// CallError is a rejected call.
type CallError struct {
	ID      string
	Kind    protocol.ErrorKind
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// Is matches the sentinel for e.Kind.
func (e *CallError) Is(target error) bool {
	switch target {
	case ErrTrap:
		return e.Kind == protocol.ErrorKindTrap
	case ErrInstantiation:
		return e.Kind == protocol.ErrorKindInstantiation
	case ErrChannel:
		return e.Kind == protocol.ErrorKindChannel
	case ErrUnknownType:
		return e.Kind == protocol.ErrorKindUnknownType
	case ErrTimeout:
		return e.Kind == protocol.ErrorKindTimeout
	}
	return false
}

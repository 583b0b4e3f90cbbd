package flow

import (
	"errors"
	"fmt"
)

// Error kinds. Components wrap one of these so callers can classify failures
// with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrHandler           = errors.New("handler error")
	ErrProvider          = errors.New("provider error")
	ErrTurnLimit         = errors.New("conversation turn limit reached")
	ErrMissingEngineData = errors.New("missing engine data")
	ErrNotFound          = errors.New("not found")
)

// Kind names an error class for logs, metrics and API responses.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindHandler           Kind = "handler"
	KindProvider          Kind = "provider"
	KindTurnLimit         Kind = "turn_limit"
	KindMissingEngineData Kind = "missing_engine_data"
	KindNotFound          Kind = "not_found"
	KindUnknown           Kind = "unknown"
)

// KindOf classifies err. A nil error has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTurnLimit):
		return KindTurnLimit
	case errors.Is(err, ErrMissingEngineData):
		return KindMissingEngineData
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrProvider):
		return KindProvider
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrHandler):
		return KindHandler
	}
	return KindUnknown
}

// MissingEngineDataError reports an engine data key a step required but did not find.
type MissingEngineDataError struct {
	Key string
}

func (e MissingEngineDataError) Error() string {
	return fmt.Sprintf("missing %s", e.Key)
}

func (e MissingEngineDataError) Is(target error) bool {
	return target == ErrMissingEngineData
}

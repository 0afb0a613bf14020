package voice

import (
	"errors"
	"fmt"

	"github.com/ambiware-labs/timbre/internal/artifact"
	"github.com/ambiware-labs/timbre/internal/model"
)

// ErrTooLarge marks an upload above the configured size limit. It is a
// validation failure, but transports give it a dedicated status code.
var ErrTooLarge = errors.New("upload too large")

// Kind partitions pipeline failures for callers: transports map kinds to
// status codes, the orchestrator maps them to metrics labels.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindModelsNotLoaded Kind = "models_not_loaded"
	KindInference       Kind = "inference"
	KindIO              Kind = "io"
)

// Error is a pipeline failure tagged with its kind. The wrapped cause stays
// reachable through errors.Is/As.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Validationf builds a request-rejection error. Validation failures happen
// before any artifact is created.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, err: fmt.Errorf(format, args...)}
}

func iof(format string, args ...any) error {
	return &Error{Kind: KindIO, err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Errors from the model and artifact layers carry
// their own sentinels; anything unrecognized counts as an inference failure.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	switch {
	case errors.Is(err, model.ErrNotLoaded):
		return KindModelsNotLoaded
	case errors.Is(err, model.ErrUnsupportedLanguage), errors.Is(err, model.ErrNoSpeakers):
		return KindValidation
	case errors.Is(err, artifact.ErrNotFound):
		return KindNotFound
	default:
		return KindInference
	}
}

// wrapKind tags err with the kind KindOf assigns, preserving the cause.
func wrapKind(err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return &Error{Kind: KindOf(err), err: err}
}

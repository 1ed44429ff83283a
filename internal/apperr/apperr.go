// Package apperr defines the error kinds surfaced by the vibrio components.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react to it without parsing messages.
type Kind int

const (
	// Unknown is the kind of errors that did not originate in vibrio.
	Unknown Kind = iota
	IOFailure
	ParseFailure
	MissingDatasetConfig
	ModelNotFound
	ModelLoadFailure
	ImageNotFound
	TrainFailure
	PredictFailure
	EvaluateFailure
)

var kindNames = map[Kind]string{
	Unknown:              "unknown",
	IOFailure:            "io failure",
	ParseFailure:         "parse failure",
	MissingDatasetConfig: "missing dataset config",
	ModelNotFound:        "model not found",
	ModelLoadFailure:     "model load failure",
	ImageNotFound:        "image not found",
	TrainFailure:         "train failure",
	PredictFailure:       "predict failure",
	EvaluateFailure:      "evaluate failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure carrying the operation and the path involved.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf returns an *Error of the given kind with a formatted message and no cause.
func Newf(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the same Kind as e.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ExitCode maps an error to a process exit status. Zero is reserved for success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case IOFailure:
		return 3
	case ParseFailure:
		return 4
	case MissingDatasetConfig:
		return 5
	case ModelNotFound:
		return 6
	case ModelLoadFailure:
		return 7
	case ImageNotFound:
		return 8
	case TrainFailure:
		return 9
	case PredictFailure:
		return 10
	case EvaluateFailure:
		return 11
	default:
		return 1
	}
}

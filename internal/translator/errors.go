package translator

import (
	"errors"
	"fmt"

	"github.com/mcules/opus-mt-server/internal/route"
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindLoad
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindLoad:
		return "load"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrNotFound  = errors.New("model not found")
	ErrLoad      = errors.New("model load failed")
	ErrInference = errors.New("inference failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindLoad:
		return ErrLoad
	case KindInference:
		return ErrInference
	default:
		return nil
	}
}

// Error is a typed translator failure.
type Error struct {
	Kind  Kind
	Route route.Route
	// Path is the model directory that was looked up.
	Path string
	Err  error

	batch bool
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("Model directory not found: %s. Make sure you have downloaded model for %s translation", e.Path, e.Route)
	case KindLoad:
		return fmt.Sprintf("Error loading model for %s: %v", e.Route, e.Err)
	case KindInference:
		if e.batch {
			return fmt.Sprintf("Error during batch translation: %v", e.Err)
		}
		return fmt.Sprintf("Error during translation: %v", e.Err)
	default:
		return fmt.Sprintf("translator error for %s: %v", e.Route, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of err, or 0 if err is not a translator error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// Package route names translation directions and maps them to model directories.
package route

import (
	"errors"
	"fmt"
	"strings"
)

// DirPrefix is the fixed prefix of every model directory name.
const DirPrefix = "opus-mt"

var (
	ErrInvalidRoute = errors.New("invalid route")
	ErrInvalidCode  = errors.New("invalid language code")
)

// Route is a directed language pair. (en, es) and (es, en) are distinct.
type Route struct {
	Source string
	Target string
}

func New(source, target string) Route {
	return Route{Source: source, Target: target}
}

// String returns the cache key form "source-target".
func (r Route) String() string {
	return r.Source + "-" + r.Target
}

// DirName returns the on-disk directory name "opus-mt-source-target".
func (r Route) DirName() string {
	return DirPrefix + "-" + r.String()
}

// Validate reports whether both codes are usable as path segments.
func (r Route) Validate() error {
	if err := ValidateCode(r.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := ValidateCode(r.Target); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	return nil
}

// ValidateCode accepts ASCII letters, digits and underscores. Hyphens are
// rejected because they delimit directory name segments.
func ValidateCode(code string) error {
	if code == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	for _, c := range code {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	return nil
}

// Parse parses a "source-target" key.
func Parse(s string) (Route, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Route{}, fmt.Errorf("%w: %q", ErrInvalidRoute, s)
	}
	return Route{Source: parts[0], Target: parts[1]}, nil
}

// FromDirName extracts the route from a directory name. The name must have
// exactly four hyphen-delimited segments: opus, mt, source, target.
func FromDirName(name string) (Route, bool) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 || parts[0] != "opus" || parts[1] != "mt" {
		return Route{}, false
	}
	if parts[2] == "" || parts[3] == "" {
		return Route{}, false
	}
	return Route{Source: parts[2], Target: parts[3]}, true
}

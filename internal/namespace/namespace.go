// Package namespace validates tenant names and resolves the binding
// source presented at session handshake.
package namespace

import (
	"regexp"

	"github.com/taskmesh/taskmesh/internal/types"
)

// Default is the namespace used when no intent is presented.
const Default = "default"

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Valid reports whether name is a legal namespace name.
func Valid(name string) bool {
	return namePattern.MatchString(name)
}

// Check returns an ErrValidation error for an illegal namespace name.
func Check(name string) error {
	if !Valid(name) {
		return types.Validation("invalid namespace %q: must match [a-z0-9_-]{1,64}", name)
	}
	return nil
}

// Source identifies where a namespace intent came from. Lower values win.
type Source int

// Binding sources in precedence order: path > header > subprotocol > env.
const (
	SourcePath Source = iota
	SourceHeader
	SourceSubprotocol
	SourceEnv
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourcePath:
		return "path"
	case SourceHeader:
		return "header"
	case SourceSubprotocol:
		return "subprotocol"
	case SourceEnv:
		return "env"
	default:
		return "default"
	}
}

// Candidate is one namespace intent presented at handshake.
type Candidate struct {
	Source Source
	Name   string
}

// Resolve picks the highest-precedence non-empty candidate. Exactly one
// source is honored per session. An invalid winning name is an error; the
// binder never falls through to a lower-precedence source on bad input.
func Resolve(candidates []Candidate) (string, Source, error) {
	best := Candidate{Source: SourceDefault, Name: Default}
	for _, c := range candidates {
		if c.Name == "" {
			continue
		}
		if c.Source < best.Source {
			best = c
		}
	}
	if err := Check(best.Name); err != nil {
		return "", best.Source, err
	}
	return best.Name, best.Source, nil
}

// Package ident provides validated identifiers used as map keys and as
// fragments of generated SQL. Every identifier that can end up inside a
// generated statement goes through Validate first; data values never do,
// they are always bound parameters.
package ident

import (
	"regexp"

	"github.com/nestgraph/nestgraph/internal/errdefs"
)

// pattern is the allow-list for graph ids, table names and column names.
var pattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// GraphID identifies one logical graph database.
type GraphID string

// ParseGraphID validates raw and returns it as a GraphID.
func ParseGraphID(raw string) (GraphID, error) {
	if err := Validate("graph_id", raw); err != nil {
		return "", err
	}
	return GraphID(raw), nil
}

func (g GraphID) String() string { return string(g) }

// Validate checks value against the identifier allow-list. field names the
// identifier in the resulting ValidationError.
func Validate(field, value string) error {
	if !pattern.MatchString(value) {
		return &errdefs.ValidationError{
			Field:  field,
			Value:  value,
			Reason: "must match ^[A-Za-z_][A-Za-z0-9_]{0,63}$",
		}
	}
	return nil
}

// Package model parses and validates model references of the form "name:version".
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidReference indicates a malformed "name:version" string.
var ErrInvalidReference = errors.New("invalid model reference")

// ErrUnknownModel indicates a name outside the configured servable set.
var ErrUnknownModel = errors.New("unknown model")

// Reference identifies a servable model at an exact version. Immutable once
// parsed.
type Reference struct {
	Name    string
	Version int
}

// String renders the reference back to its "name:version" form.
func (r Reference) String() string {
	return fmt.Sprintf("%s:%d", r.Name, r.Version)
}

// Catalog is the configured set of servable model names.
type Catalog struct {
	names map[string]struct{}
}

// NewCatalog builds a Catalog from the configured model names.
func NewCatalog(names []string) *Catalog {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &Catalog{names: set}
}

// Contains reports whether the name is servable.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Parse validates raw against the catalog and returns a Reference. The
// separator must be present, the version must be a positive integer, and the
// name must be servable; nothing is ever defaulted.
func Parse(raw string, catalog *Catalog) (Reference, error) {
	name, versionStr, found := strings.Cut(raw, ":")
	if !found {
		return Reference{}, fmt.Errorf("%w: %q is missing the ':' separator", ErrInvalidReference, raw)
	}
	if name == "" {
		return Reference{}, fmt.Errorf("%w: %q has an empty name", ErrInvalidReference, raw)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil || version <= 0 {
		return Reference{}, fmt.Errorf("%w: %q has a non-positive or non-numeric version", ErrInvalidReference, raw)
	}
	if !catalog.Contains(name) {
		return Reference{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return Reference{Name: name, Version: version}, nil
}

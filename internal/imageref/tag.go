// Package imageref canonicalizes Docker image references and content digests
// so the resolver can use them as map keys with structural equality.
package imageref

import (
	"errors"
	"fmt"

	"github.com/distribution/reference"
)

// TagId is the canonicalized identity of a Docker image reference
// (registry/repo:tag or registry/repo@digest). Two TagIds are equal iff
// their canonical string forms are equal.
type TagId struct {
	canonical string
}

// ParseTagId normalizes raw into a canonical reference the way the Docker
// CLI would (adding docker.io/library/ and the implicit "latest" tag where
// applicable) and rejects anything that isn't a valid image reference.
func ParseTagId(raw string) (TagId, error) {
	if raw == "" {
		return TagId{}, errors.New("imageref: empty tag")
	}
	named, err := reference.ParseNormalizedNamed(raw)
	if err != nil {
		return TagId{}, fmt.Errorf("imageref: invalid tag %q: %w", raw, err)
	}
	named = reference.TagNameOnly(named)
	return TagId{canonical: named.String()}, nil
}

// String returns the canonical reference string.
func (t TagId) String() string {
	return t.canonical
}

// IsZero reports whether t is the zero value (never a valid parsed tag).
func (t TagId) IsZero() bool {
	return t.canonical == ""
}

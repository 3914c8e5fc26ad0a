package imageref

import (
	_ "crypto/sha256" // registers sha256 so go-digest accepts sha256 digests
	"errors"
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// HashValue is an immutable content identifier (algorithm + digest) naming
// a concrete image manifest, e.g. "sha256:2b7312...".
type HashValue struct {
	d digest.Digest
}

// ParseHashValue validates that raw is a well-formed digest: a registered
// algorithm and the correct encoded length for that algorithm. A malformed
// value here is what makes a corrupt Store row detectable on restart.
func ParseHashValue(raw string) (HashValue, error) {
	if raw == "" {
		return HashValue{}, errors.New("imageref: empty hash")
	}
	d, err := digest.Parse(raw)
	if err != nil {
		return HashValue{}, fmt.Errorf("imageref: invalid hash %q: %w", raw, err)
	}
	return HashValue{d: d}, nil
}

// String returns the canonical "algorithm:hex" form.
func (h HashValue) String() string {
	return h.d.String()
}

// IsZero reports whether h is the zero value (never a valid parsed hash).
func (h HashValue) IsZero() bool {
	return h.d == ""
}

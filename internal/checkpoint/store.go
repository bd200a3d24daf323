// Package checkpoint persists the canonical vgtid a stream can resume from,
// keyed by flow id. The streaming core never touches a store directly; the
// host loop persists on transaction boundaries.
package checkpoint

import (
	"errors"

	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

// ErrNotFound is returned when no checkpoint exists for a flow.
var ErrNotFound = errors.New("checkpoint not found")

// validateVgtid rejects offsets that would not parse back into a position.
// A corrupt stored offset is better caught at the store boundary than as a
// failed VStream request.
func validateVgtid(raw string) error {
	_, err := vgtid.Parse(raw)
	return err
}

// Package uuid mints run identifiers. Runs are keyed by UUID v7 so that ids sort by the
// time the run started.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Runs mints run ids.
type Runs struct {
	source func() (uuid.UUID, error)
}

// New returns a Runs backed by uuid.NewV7.
func New() *Runs {
	return &Runs{source: uuid.NewV7}
}

// NextRun returns a fresh run id.
func (r *Runs) NextRun() (uuid.UUID, error) {
	id, err := r.source()
	if err != nil {
		return uuid.Nil, fmt.Errorf("mint run id: %w", err)
	}
	return id, nil
}

// StartedAt reports the creation time embedded in a v7 run id. ok is false for other
// versions.
func StartedAt(id uuid.UUID) (time.Time, bool) {
	if id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}

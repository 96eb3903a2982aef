package enrich

import "github.com/google/uuid"

// NewEventID mints a fresh time-ordered UUID for an event row. Redirect-mode
// dispatch reuses one ID for the conjoined impression+click row; everything
// else gets its own.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the randomness source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

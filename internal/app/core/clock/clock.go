// Package clock provides the monotonic wall-clock and time-sortable ID
// service injected into every other core component.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can inject deterministic values.
// Components must never call time.Now() directly; they take a Clock.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now(), always in UTC.
type System struct{}

// Now returns the current time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Frozen is a test Clock that always returns the same instant until
// advanced explicitly.
type Frozen struct {
	at time.Time
}

// NewFrozen returns a Frozen clock set to at (converted to UTC).
func NewFrozen(at time.Time) *Frozen {
	return &Frozen{at: at.UTC()}
}

// Now returns the frozen instant.
func (f *Frozen) Now() time.Time { return f.at }

// Advance moves the frozen clock forward by d and returns the new instant.
func (f *Frozen) Advance(d time.Duration) time.Time {
	f.at = f.at.Add(d)
	return f.at
}

// Set pins the frozen clock to an explicit instant.
func (f *Frozen) Set(at time.Time) {
	f.at = at.UTC()
}

// IDs generates time-sortable identifiers. UUIDv7 embeds a 48-bit
// millisecond timestamp in its high bits, giving the same "roughly
// monotonic, lexically sortable" property of ULIDs without a dedicated
// ULID dependency.
type IDs struct{}

// NewIDs returns an IDs generator.
func NewIDs() IDs { return IDs{} }

// New returns a new time-sortable identifier.
func (IDs) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system entropy source errors; fall
		// back to a random v4 rather than propagating an error through
		// every ID call site.
		return uuid.NewString()
	}
	return id.String()
}

// Package system provides the wall clock.
package system

import "time"

// Clock reads the wall clock in UTC. Calendar days are taken in the
// crawler timezone by crawler.DayOf, never from this value directly.
type Clock struct{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

func (Clock) Now() time.Time {
	return time.Now().UTC()
}

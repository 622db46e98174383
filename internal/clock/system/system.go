// Package system provides the wall clock used for artifact paths and shot
// records.
package system

import "time"

// Clock implements service.Clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

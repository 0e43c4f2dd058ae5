package model

import "github.com/oklog/ulid/v2"

// NewRunID returns a ULID identifying one execution attempt of a job. Run ids
// sort by start time, so log lines for successive resumptions of the same job
// order naturally.
func NewRunID() string {
	return ulid.Make().String()
}

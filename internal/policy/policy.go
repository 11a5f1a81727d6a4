// Package policy declares how admission checks treat failures of the
// storage or cache they depend on.
package policy

import "fmt"

type Failure int

const (
	// FailClosed denies the request when the check cannot complete.
	FailClosed Failure = iota
	// FailOpen admits the request when the check cannot complete.
	FailOpen
)

// Admit reports whether a check that errored should let the request through.
func (f Failure) Admit() bool { return f == FailOpen }

func (f Failure) String() string {
	switch f {
	case FailClosed:
		return "fail-closed"
	case FailOpen:
		return "fail-open"
	}
	return fmt.Sprintf("failure(%d)", int(f))
}

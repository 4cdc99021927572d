// Package clock abstracts wall time so scheduling logic stays testable.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

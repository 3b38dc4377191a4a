// Package presence implements the broker core: session admission and
// lifecycle, multi-window aggregation, visibility filtering, and fan-out of
// presence changes to entitled viewers.
package presence

// Activity is the coarse classification reported by the editor-side
// detector. The fixed priority order is part of the public contract: a user
// idling in one window while debugging in another appears debugging.
type Activity string

const (
	ActivityDebugging Activity = "Debugging"
	ActivityCoding    Activity = "Coding"
	ActivityReading   Activity = "Reading"
	ActivityIdle      Activity = "Idle"
	ActivityHidden    Activity = "Hidden"
)

// Priority returns the activity's rank in the aggregation order. Unknown
// strings rank with Hidden so a bad client cannot outrank real activity.
func (a Activity) Priority() int {
	switch a {
	case ActivityDebugging:
		return 4
	case ActivityCoding:
		return 3
	case ActivityReading:
		return 2
	case ActivityIdle:
		return 1
	default:
		return 0
	}
}

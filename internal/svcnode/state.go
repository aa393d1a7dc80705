package svcnode

// ActiveState is the lifecycle state of a service-node record.
type ActiveState uint8

const (
	StatePreEnabled ActiveState = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateUpdateRequired
	StateWatchdogExpired
	StateNewStartRequired
	StatePoSeBan
)

// String returns the wire/log name of the state.
func (s ActiveState) String() string {
	switch s {
	case StatePreEnabled:
		return "PRE_ENABLED"
	case StateEnabled:
		return "ENABLED"
	case StateExpired:
		return "EXPIRED"
	case StateOutpointSpent:
		return "OUTPOINT_SPENT"
	case StateUpdateRequired:
		return "UPDATE_REQUIRED"
	case StateWatchdogExpired:
		return "WATCHDOG_EXPIRED"
	case StateNewStartRequired:
		return "NEW_START_REQUIRED"
	case StatePoSeBan:
		return "POSE_BAN"
	default:
		return "UNKNOWN"
	}
}

// Qualified returns true if a record in this state may be paid or
// counted toward ranking/voting.
func (s ActiveState) Qualified() bool {
	return s == StateEnabled
}

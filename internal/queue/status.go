package queue

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
	StatusVoided  Status = "voided"
)

var validNext = map[Status]map[Status]bool{
	StatusPending: {StatusSyncing: true},
	StatusSyncing: {StatusSynced: true, StatusFailed: true, StatusPending: true},
	StatusFailed:  {StatusSyncing: true, StatusVoided: true},
	StatusSynced:  {},
	StatusVoided:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Final reports whether a record in s can never change again.
func (s Status) Final() bool {
	return s == StatusSynced || s == StatusVoided
}

package types

import "fmt"

// MemoryStatus is the delivery state of a MemorySyncRecord.
type MemoryStatus string

const (
	StatusPending    MemoryStatus = "pending"
	StatusInProgress MemoryStatus = "in_progress"
	StatusCompleted  MemoryStatus = "completed"
	StatusFailed     MemoryStatus = "failed"
	StatusDeadLetter MemoryStatus = "dead_letter"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []MemoryStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusDeadLetter,
}

// transitions is the delivery state machine. Terminal states have no edges.
var transitions = map[MemoryStatus][]MemoryStatus{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusDeadLetter},
	StatusFailed:     {StatusInProgress, StatusDeadLetter},
}

// Valid reports whether s is a known status.
func (s MemoryStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s MemoryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// CanTransition reports whether from -> to is an edge of the state machine.
//
// in_progress -> dead_letter is the collapsed form of a failed attempt that
// exhausts the retry budget.
func CanTransition(from, to MemoryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseMemoryStatus converts a string into a MemoryStatus.
func ParseMemoryStatus(s string) (MemoryStatus, error) {
	status := MemoryStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown memory status %q", s)
	}
	return status, nil
}

// OutcomeAfterFailure returns the status and retry count a record reaches when an
// attempt fails. Reaching the budget always dead-letters.
func OutcomeAfterFailure(retryCount, maxRetries int) (MemoryStatus, int) {
	next := retryCount + 1
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if next >= maxRetries {
		return StatusDeadLetter, maxRetries
	}
	return StatusFailed, next
}

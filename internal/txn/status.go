package txn

import (
	"fmt"
	"strings"
)

// Status is the lifecycle position of a transaction at a participant.
type Status string

const (
	StatusNew              Status = "NEW"
	StatusBeginStarted     Status = "BEGIN_STARTED"
	StatusBeginFinished    Status = "BEGIN_FINISHED"
	StatusPrepareStarted   Status = "PREPARE_STARTED"
	StatusPrepareFinished  Status = "PREPARE_FINISHED"
	StatusCommitStarted    Status = "COMMIT_STARTED"
	StatusCommitFinished   Status = "COMMIT_FINISHED"
	StatusRollbackStarted  Status = "ROLLBACK_STARTED"
	StatusRollbackFinished Status = "ROLLBACK_FINISHED"
)

var allStatuses = []Status{
	StatusNew,
	StatusBeginStarted,
	StatusBeginFinished,
	StatusPrepareStarted,
	StatusPrepareFinished,
	StatusCommitStarted,
	StatusCommitFinished,
	StatusRollbackStarted,
	StatusRollbackFinished,
}

// ParseStatus parses a status name, ignoring case and surrounding space.
func ParseStatus(s string) (Status, error) {
	want := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("txn: unknown status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCommitFinished || s == StatusRollbackFinished
}

// Prepared reports whether the resource manager holds a prepared (in-doubt)
// transaction in this status.
func (s Status) Prepared() bool {
	switch s {
	case StatusPrepareFinished, StatusCommitStarted:
		return true
	}
	return false
}

func (s Status) String() string {
	if s == "" {
		return string(StatusNew)
	}
	return string(s)
}

// Credentials carries the secrets presented on every call. SessionToken
// identifies the interactive caller; the two keys authenticate cooperating
// processes.
type Credentials struct {
	SessionToken          string
	InteractiveSessionKey string
	CoordinatorKey        string
}

// RecoverySet is the coordinator's answer to a recovering participant.
// Committed transactions must be committed; Pending ones are still being
// decided and must be left alone. Anything else is rolled back.
type RecoverySet struct {
	Committed []ID
	Pending   []ID
}

// Contains reports whether id is listed in ids.
func Contains(ids []ID, id ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

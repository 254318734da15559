package txn

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes shared by the coordinator, participants and the HTTP surface.
const (
	CodeUnexpectedStatus    = "unexpected_status"
	CodeNotActive           = "transaction_not_active"
	CodeDecided             = "transaction_decided"
	CodeBusy                = "transaction_busy"
	CodeUnknownParticipant  = "unknown_participant"
	CodeTwoPhaseUnsupported = "two_phase_unsupported"
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeDuplicate           = "duplicate_transaction"
	CodeUnauthorized        = "unauthorized"
	CodeOperationFailed     = "operation_failed"
	CodeUnknownOperation    = "unknown_operation"
	CodeResourceManager     = "rm_failure"
	CodeCommitIncomplete    = "commit_incomplete"
	CodeInvalidRequest      = "invalid_request"
)

// Failure captures transport-neutral error details that adapters map to
// HTTP status codes and back.
type Failure struct {
	Code       string
	Detail     string
	TxnID      ID
	Actual     Status
	Expected   []Status
	HTTPStatus int
	Err        error
}

func (f Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Code)
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if f.Actual != "" || len(f.Expected) > 0 {
		fmt.Fprintf(&b, " (status %s, expected %s)", f.Actual, joinStatuses(f.Expected))
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Status returns the HTTP status implied by the failure class.
func (f Failure) Status() int {
	if f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	switch f.Code {
	case CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeOperationFailed, CodeUnknownOperation:
		return http.StatusUnprocessableEntity
	case CodeResourceManager, CodeCommitIncomplete:
		return http.StatusBadGateway
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeBusy:
		return http.StatusLocked
	}
	return http.StatusConflict
}

func joinStatuses(statuses []Status) string {
	if len(statuses) == 0 {
		return "-"
	}
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = s.String()
	}
	return strings.Join(parts, "|")
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}

// IsCode reports whether err carries a Failure with the supplied code.
func IsCode(err error, code string) bool {
	f, ok := AsFailure(err)
	return ok && f.Code == code
}

// UnexpectedStatus reports a protocol violation at a participant.
func UnexpectedStatus(id ID, actual Status, expected ...Status) error {
	return Failure{
		Code:     CodeUnexpectedStatus,
		Detail:   fmt.Sprintf("transaction %s", id),
		TxnID:    id,
		Actual:   actual,
		Expected: expected,
	}
}

// NotActive reports an operation against a transaction that is not in flight.
func NotActive(id ID) error {
	return Failure{Code: CodeNotActive, Detail: fmt.Sprintf("transaction %s is not active", id), TxnID: id}
}

// CapacityExceeded reports that the in-flight limit has been reached.
func CapacityExceeded(limit int) error {
	return Failure{Code: CodeCapacityExceeded, Detail: fmt.Sprintf("maximum of %d concurrent transactions reached", limit)}
}

// Duplicate reports reuse of a transaction identifier.
func Duplicate(id ID) error {
	return Failure{Code: CodeDuplicate, Detail: fmt.Sprintf("transaction %s already exists", id), TxnID: id}
}

// Unauthorized reports a key or session token mismatch.
func Unauthorized(detail string) error {
	return Failure{Code: CodeUnauthorized, Detail: detail}
}

// Busy reports that another call currently holds the transaction.
func Busy(id ID, owner string) error {
	detail := fmt.Sprintf("transaction %s is busy", id)
	if owner != "" {
		detail += " (held by " + owner + ")"
	}
	return Failure{Code: CodeBusy, Detail: detail, TxnID: id}
}

// ResourceManager wraps a failure reported by the underlying resource manager.
func ResourceManager(id ID, phase string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsFailure(err); ok {
		return err
	}
	return Failure{Code: CodeResourceManager, Detail: fmt.Sprintf("%s %s", phase, id), TxnID: id, Err: err}
}

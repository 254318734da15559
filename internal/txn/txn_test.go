package txn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestIDRoundTripJSON(t *testing.T) {
	id := NewID()
	payload, err := json.Marshal(map[string]ID{"txn_id": id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]ID
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["txn_id"] != id {
		t.Fatalf("expected %s, got %s", id, decoded["txn_id"])
	}
}

func TestParseIDRejectsGarbage(t *testing.T) {
	if _, err := ParseID("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
	if !(ID{}).IsZero() {
		t.Fatal("zero id should report IsZero")
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" prepare_finished ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st != StatusPrepareFinished || !st.Prepared() || st.Terminal() {
		t.Fatalf("unexpected status traits for %s", st)
	}
	if _, err := ParseStatus("DONE"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !StatusRollbackFinished.Terminal() || !StatusCommitFinished.Terminal() {
		t.Fatal("finished statuses must be terminal")
	}
}

func TestUnexpectedStatusNamesBothStatuses(t *testing.T) {
	id := NewID()
	err := fmt.Errorf("wrapped: %w", UnexpectedStatus(id, StatusCommitFinished, StatusBeginFinished))
	if !IsCode(err, CodeUnexpectedStatus) {
		t.Fatalf("expected unexpected_status, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "COMMIT_FINISHED") || !strings.Contains(msg, "BEGIN_FINISHED") {
		t.Fatalf("message should name actual and expected statuses: %q", msg)
	}
	f, _ := AsFailure(err)
	if f.Status() != http.StatusConflict {
		t.Fatalf("expected 409, got %d", f.Status())
	}
}

func TestFailureStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{CapacityExceeded(3), http.StatusTooManyRequests},
		{Duplicate(NewID()), http.StatusConflict},
		{Unauthorized("bad key"), http.StatusForbidden},
		{NotActive(NewID()), http.StatusConflict},
		{Busy(NewID(), "execute"), http.StatusLocked},
		{ResourceManager(NewID(), "prepare", errors.New("boom")), http.StatusBadGateway},
	}
	for _, tc := range cases {
		f, ok := AsFailure(tc.err)
		if !ok {
			t.Fatalf("%v is not a Failure", tc.err)
		}
		if got := f.Status(); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", f.Code, tc.want, got)
		}
	}
}

func TestResourceManagerKeepsUnderlyingError(t *testing.T) {
	cause := errors.New("connection reset")
	err := ResourceManager(NewID(), "commit", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable, got %v", err)
	}
	if ResourceManager(NewID(), "commit", nil) != nil {
		t.Fatal("nil cause should produce nil error")
	}
	inner := NotActive(NewID())
	if got := ResourceManager(NewID(), "commit", inner); !IsCode(got, CodeNotActive) {
		t.Fatalf("existing failures should pass through, got %v", got)
	}
}

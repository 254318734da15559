package api

import (
	"encoding/json"
	"time"
)

// ExecuteRequest drives POST /v1/txn/execute and POST /v1/rm/execute.
// Participant is only read by the coordinator.
type ExecuteRequest struct {
	TxnID       string          `json:"txn_id"`
	Participant string          `json:"participant,omitempty"`
	Operation   string          `json:"operation"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// ExecuteResponse carries the operation result verbatim.
type ExecuteResponse struct {
	TxnID  string          `json:"txn_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RecoverResponse is returned by POST /v1/txn/recover.
type RecoverResponse struct {
	// Committed lists transactions whose commit decision is durable.
	Committed []string `json:"committed"`
	// Pending lists transactions that are still being prepared.
	Pending []string `json:"pending"`
}

// ActiveTransaction describes one entry of GET /v1/txn/active.
type ActiveTransaction struct {
	TxnID        string    `json:"txn_id"`
	State        string    `json:"state"`
	Participants []string  `json:"participants,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`
	// Busy names the call holding the transaction when it could not be inspected.
	Busy string `json:"busy,omitempty"`
}

// ActiveResponse is returned by GET /v1/txn/active.
type ActiveResponse struct {
	Participants []string            `json:"participants"`
	Transactions []ActiveTransaction `json:"transactions"`
}

package api

import "time"

// CommitRequest drives POST /v1/rm/commit.
type CommitRequest struct {
	TxnID string `json:"txn_id"`
	// TwoPhase requires a prepared transaction. Without it the one-phase
	// optimization commits an open transaction directly.
	TwoPhase bool `json:"two_phase"`
}

// RMTransaction describes one entry of GET /v1/rm/transactions.
type RMTransaction struct {
	TxnID        string    `json:"txn_id"`
	Status       string    `json:"status,omitempty"`
	Prepared     bool      `json:"prepared,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`
	Busy         string    `json:"busy,omitempty"`
}

// RMTransactionsResponse is returned by GET /v1/rm/transactions.
type RMTransactionsResponse struct {
	Participant  string          `json:"participant"`
	Operations   []string        `json:"operations,omitempty"`
	Transactions []RMTransaction `json:"transactions"`
}

// Package api holds the JSON request and response types of the txd HTTP
// surfaces.
package api

const (
	// HeaderSessionToken carries the caller's opaque session token.
	HeaderSessionToken = "X-Txd-Session-Token"
	// HeaderInteractiveKey carries the interactive session key.
	HeaderInteractiveKey = "X-Txd-Interactive-Key"
	// HeaderCoordinatorKey carries the coordinator key.
	HeaderCoordinatorKey = "X-Txd-Coordinator-Key"
	// HeaderCorrelationID propagates the request correlation identifier.
	HeaderCorrelationID = "X-Correlation-Id"
)

// ErrorResponse is the JSON body returned for every failed request.
type ErrorResponse struct {
	// ErrorCode is the stable txd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// TxnID names the transaction the error refers to, when there is one.
	TxnID string `json:"txn_id,omitempty"`
	// ActualStatus is the participant status found by a rejected call.
	ActualStatus string `json:"actual_status,omitempty"`
	// ExpectedStatus lists the statuses the rejected call required.
	ExpectedStatus []string `json:"expected_status,omitempty"`
}

// TxnRequest names a transaction. It is the body of every call that needs
// nothing but the transaction id.
type TxnRequest struct {
	TxnID string `json:"txn_id"`
}

// TxnResponse acknowledges a state-changing call.
type TxnResponse struct {
	TxnID  string `json:"txn_id"`
	Status string `json:"status,omitempty"`
}

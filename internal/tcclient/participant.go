package tcclient

import (
	"context"
	"encoding/json"
	"net/http"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/txn"
)

// ParticipantClient reaches a remote participant. It satisfies
// txncoord.Participant.
type ParticipantClient struct {
	id string
	endpoint
}

// NewParticipantClient returns a client for the participant registered as id
// at baseURL. A nil client uses NewHTTPClient defaults.
func NewParticipantClient(id, baseURL string, client *http.Client) (*ParticipantClient, error) {
	ep, err := newEndpoint(baseURL, client)
	if err != nil {
		return nil, err
	}
	return &ParticipantClient{id: id, endpoint: ep}, nil
}

// ID returns the participant id the client was registered with.
func (c *ParticipantClient) ID() string { return c.id }

// URL returns the participant base URL.
func (c *ParticipantClient) URL() string { return c.base }

func (c *ParticipantClient) txnCall(ctx context.Context, path string, id txn.ID, creds txn.Credentials) error {
	return c.do(ctx, http.MethodPost, path, creds, api.TxnRequest{TxnID: id.String()}, nil)
}

func (c *ParticipantClient) BeginTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.txnCall(ctx, "/v1/rm/begin", id, creds)
}

func (c *ParticipantClient) ExecuteOperation(ctx context.Context, id txn.ID, creds txn.Credentials, operation string, args json.RawMessage) (json.RawMessage, error) {
	var resp api.ExecuteResponse
	req := api.ExecuteRequest{TxnID: id.String(), Operation: operation, Args: args}
	if err := c.do(ctx, http.MethodPost, "/v1/rm/execute", creds, req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *ParticipantClient) PrepareTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.txnCall(ctx, "/v1/rm/prepare", id, creds)
}

func (c *ParticipantClient) CommitTransaction(ctx context.Context, id txn.ID, creds txn.Credentials, twoPhase bool) error {
	req := api.CommitRequest{TxnID: id.String(), TwoPhase: twoPhase}
	return c.do(ctx, http.MethodPost, "/v1/rm/commit", creds, req, nil)
}

func (c *ParticipantClient) RollbackTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.txnCall(ctx, "/v1/rm/rollback", id, creds)
}

func (c *ParticipantClient) CloseTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.txnCall(ctx, "/v1/rm/close", id, creds)
}

func (c *ParticipantClient) CommitRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.txnCall(ctx, "/v1/rm/commit-recovered", id, creds)
}

func (c *ParticipantClient) RollbackRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.txnCall(ctx, "/v1/rm/rollback-recovered", id, creds)
}

// Transactions lists the participant's live transactions.
func (c *ParticipantClient) Transactions(ctx context.Context, creds txn.Credentials) (api.RMTransactionsResponse, error) {
	var resp api.RMTransactionsResponse
	err := c.do(ctx, http.MethodGet, "/v1/rm/transactions", creds, nil, &resp)
	return resp, err
}

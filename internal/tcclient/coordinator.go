package tcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/txn"
)

// CoordinatorClient reaches a remote coordinator. It satisfies
// participant.Coordinator and carries the caller-facing calls.
type CoordinatorClient struct {
	endpoint
}

// NewCoordinatorClient returns a client for the coordinator at baseURL.
func NewCoordinatorClient(baseURL string, client *http.Client) (*CoordinatorClient, error) {
	ep, err := newEndpoint(baseURL, client)
	if err != nil {
		return nil, err
	}
	return &CoordinatorClient{endpoint: ep}, nil
}

func (c *CoordinatorClient) BeginTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.do(ctx, http.MethodPost, "/v1/txn/begin", creds, api.TxnRequest{TxnID: id.String()}, nil)
}

func (c *CoordinatorClient) ExecuteOperation(ctx context.Context, id txn.ID, creds txn.Credentials, participantID, operation string, args json.RawMessage) (json.RawMessage, error) {
	var resp api.ExecuteResponse
	req := api.ExecuteRequest{TxnID: id.String(), Participant: participantID, Operation: operation, Args: args}
	if err := c.do(ctx, http.MethodPost, "/v1/txn/execute", creds, req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *CoordinatorClient) CommitTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.do(ctx, http.MethodPost, "/v1/txn/commit", creds, api.TxnRequest{TxnID: id.String()}, nil)
}

func (c *CoordinatorClient) RollbackTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	return c.do(ctx, http.MethodPost, "/v1/txn/rollback", creds, api.TxnRequest{TxnID: id.String()}, nil)
}

// RecoverTransactions asks the coordinator which transactions committed and
// which are still pending.
func (c *CoordinatorClient) RecoverTransactions(ctx context.Context, creds txn.Credentials) (txn.RecoverySet, error) {
	var resp api.RecoverResponse
	if err := c.do(ctx, http.MethodPost, "/v1/txn/recover", creds, nil, &resp); err != nil {
		return txn.RecoverySet{}, err
	}
	committed, err := parseIDs(resp.Committed)
	if err != nil {
		return txn.RecoverySet{}, err
	}
	pending, err := parseIDs(resp.Pending)
	if err != nil {
		return txn.RecoverySet{}, err
	}
	return txn.RecoverySet{Committed: committed, Pending: pending}, nil
}

// Active lists the coordinator's active set.
func (c *CoordinatorClient) Active(ctx context.Context, creds txn.Credentials) (api.ActiveResponse, error) {
	var resp api.ActiveResponse
	err := c.do(ctx, http.MethodGet, "/v1/txn/active", creds, nil, &resp)
	return resp, err
}

func parseIDs(raw []string) ([]txn.ID, error) {
	out := make([]txn.ID, 0, len(raw))
	for _, s := range raw {
		id, err := txn.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("tcclient: invalid txn id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

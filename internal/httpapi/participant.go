package httpapi

import (
	"context"
	"net/http"
	"sort"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/txn"
)

func (h *Handler) handleRMBegin(w http.ResponseWriter, r *http.Request) error {
	return h.rmCall(w, r, txn.StatusBeginFinished, h.rm.BeginTransaction)
}

func (h *Handler) handleRMPrepare(w http.ResponseWriter, r *http.Request) error {
	return h.rmCall(w, r, txn.StatusPrepareFinished, h.rm.PrepareTransaction)
}

func (h *Handler) handleRMRollback(w http.ResponseWriter, r *http.Request) error {
	return h.rmCall(w, r, txn.StatusRollbackFinished, h.rm.RollbackTransaction)
}

func (h *Handler) handleRMClose(w http.ResponseWriter, r *http.Request) error {
	return h.rmCall(w, r, txn.StatusRollbackFinished, h.rm.CloseTransaction)
}

func (h *Handler) handleRMCommitRecovered(w http.ResponseWriter, r *http.Request) error {
	return h.rmCall(w, r, txn.StatusCommitFinished, h.rm.CommitRecovered)
}

func (h *Handler) handleRMRollbackRecovered(w http.ResponseWriter, r *http.Request) error {
	return h.rmCall(w, r, txn.StatusRollbackFinished, h.rm.RollbackRecovered)
}

// rmCall serves the participant endpoints that take only a transaction id.
func (h *Handler) rmCall(w http.ResponseWriter, r *http.Request, status txn.Status, fn func(context.Context, txn.ID, txn.Credentials) error) error {
	id, err := h.decodeTxn(r)
	if err != nil {
		return err
	}
	if err := fn(r.Context(), id, credentialsFromRequest(r)); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.TxnResponse{TxnID: id.String(), Status: status.String()})
	return nil
}

func (h *Handler) handleRMExecute(w http.ResponseWriter, r *http.Request) error {
	var req api.ExecuteRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	if req.Operation == "" {
		return invalidRequest("operation required")
	}
	result, err := h.rm.ExecuteOperation(r.Context(), id, credentialsFromRequest(r), req.Operation, req.Args)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ExecuteResponse{TxnID: id.String(), Result: result})
	return nil
}

func (h *Handler) handleRMCommit(w http.ResponseWriter, r *http.Request) error {
	var req api.CommitRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	if err := h.rm.CommitTransaction(r.Context(), id, credentialsFromRequest(r), req.TwoPhase); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.TxnResponse{TxnID: id.String(), Status: txn.StatusCommitFinished.String()})
	return nil
}

func (h *Handler) handleRMTransactions(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	if err := h.keys.VerifyCoordinator(credentialsFromRequest(r)); err != nil {
		return err
	}
	infos := h.rm.Transactions()
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	resp := api.RMTransactionsResponse{
		Participant:  h.rm.ID(),
		Operations:   h.rm.Operations().Names(),
		Transactions: make([]api.RMTransaction, 0, len(infos)),
	}
	for _, info := range infos {
		status := ""
		if info.Busy == "" {
			status = info.Status.String()
		}
		resp.Transactions = append(resp.Transactions, api.RMTransaction{
			TxnID:        info.ID.String(),
			Status:       status,
			Prepared:     info.Prepared,
			StartedAt:    info.StartedAt,
			LastAccessed: info.LastAccessed,
			Busy:         info.Busy,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

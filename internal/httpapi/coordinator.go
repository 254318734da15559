package httpapi

import (
	"net/http"
	"sort"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/txn"
)

func (h *Handler) handleTxnBegin(w http.ResponseWriter, r *http.Request) error {
	id, err := h.decodeTxn(r)
	if err != nil {
		return err
	}
	if err := h.coord.BeginTransaction(r.Context(), id, credentialsFromRequest(r)); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.TxnResponse{TxnID: id.String(), Status: "active"})
	return nil
}

func (h *Handler) handleTxnExecute(w http.ResponseWriter, r *http.Request) error {
	var req api.ExecuteRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return err
	}
	id, err := parseTxnID(req.TxnID)
	if err != nil {
		return err
	}
	if req.Participant == "" {
		return invalidRequest("participant required")
	}
	if req.Operation == "" {
		return invalidRequest("operation required")
	}
	result, err := h.coord.ExecuteOperation(r.Context(), id, credentialsFromRequest(r), req.Participant, req.Operation, req.Args)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.ExecuteResponse{TxnID: id.String(), Result: result})
	return nil
}

func (h *Handler) handleTxnCommit(w http.ResponseWriter, r *http.Request) error {
	id, err := h.decodeTxn(r)
	if err != nil {
		return err
	}
	if err := h.coord.CommitTransaction(r.Context(), id, credentialsFromRequest(r)); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.TxnResponse{TxnID: id.String(), Status: "committed"})
	return nil
}

func (h *Handler) handleTxnRollback(w http.ResponseWriter, r *http.Request) error {
	id, err := h.decodeTxn(r)
	if err != nil {
		return err
	}
	if err := h.coord.RollbackTransaction(r.Context(), id, credentialsFromRequest(r)); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.TxnResponse{TxnID: id.String(), Status: "rolled_back"})
	return nil
}

func (h *Handler) handleTxnRecover(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	set, err := h.coord.RecoverTransactions(r.Context(), credentialsFromRequest(r))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RecoverResponse{
		Committed: idStrings(set.Committed),
		Pending:   idStrings(set.Pending),
	})
	return nil
}

func (h *Handler) handleTxnActive(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	if err := h.keys.VerifyInteractive(credentialsFromRequest(r)); err != nil {
		return err
	}
	infos := h.coord.Active()
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	resp := api.ActiveResponse{
		Participants: h.coord.Participants(),
		Transactions: make([]api.ActiveTransaction, 0, len(infos)),
	}
	for _, info := range infos {
		resp.Transactions = append(resp.Transactions, api.ActiveTransaction{
			TxnID:        info.ID.String(),
			State:        string(info.State),
			Participants: info.Participants,
			StartedAt:    info.StartedAt,
			LastAccessed: info.LastAccessed,
			Busy:         info.Busy,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func idStrings(ids []txn.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

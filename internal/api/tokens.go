package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ApproveToken sets how much of the caller's token a spender may move. The
// spender defaults to the market contract, which is what order placement and
// acceptance pull from.
func (h *Handler) ApproveToken(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	tok, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid token address")
		return
	}

	var req struct {
		Spender string `json:"spender"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	spender := h.Contract
	if req.Spender != "" {
		if spender, err = parseAddress(req.Spender); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid spender address")
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal integer")
		return
	}

	if err := h.Ledger.Approve(tok, addr, spender, amount); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     tok.Hex(),
		"owner":     addr.Hex(),
		"spender":   spender.Hex(),
		"allowance": amount.Dec(),
	})
}

// GetTokenBalance returns the caller's balance of a token and its allowance
// to the market contract.
func (h *Handler) GetTokenBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	tok, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid token address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     tok.Hex(),
		"owner":     addr.Hex(),
		"balance":   h.Ledger.BalanceOf(tok, addr).Dec(),
		"allowance": h.Ledger.Allowance(tok, addr, h.Contract).Dec(),
	})
}

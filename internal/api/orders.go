package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"

	"github.com/xtrntr/spvswap/internal/market"
	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/spv"
)

type sellOrderView struct {
	ID           uint64 `json:"id"`
	AmountBtc    int64  `json:"amount_btc"`
	AskingToken  string `json:"asking_token"`
	AskingAmount string `json:"asking_amount"`
	Requester    string `json:"requester"`
}

type buyOrderView struct {
	ID             uint64 `json:"id"`
	AmountBtc      int64  `json:"amount_btc"`
	BitcoinAddress string `json:"bitcoin_address"`
	OfferingToken  string `json:"offering_token"`
	OfferingAmount string `json:"offering_amount"`
	Requester      string `json:"requester"`
}

type acceptedView struct {
	ID             uint64    `json:"id"`
	OrderID        uint64    `json:"order_id"`
	BitcoinAddress string    `json:"bitcoin_address"`
	AmountBtc      int64     `json:"amount_btc"`
	ErcToken       string    `json:"erc_token"`
	ErcAmount      string    `json:"erc_amount"`
	Requester      string    `json:"requester"`
	Accepter       string    `json:"accepter"`
	AcceptTime     time.Time `json:"accept_time"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func newSellOrderView(o *models.SellOrder) sellOrderView {
	return sellOrderView{
		ID:           o.ID,
		AmountBtc:    int64(o.AmountBtc),
		AskingToken:  o.AskingToken.Hex(),
		AskingAmount: o.AskingAmount.Dec(),
		Requester:    o.Requester.Hex(),
	}
}

func newBuyOrderView(o *models.BuyOrder) buyOrderView {
	return buyOrderView{
		ID:             o.ID,
		AmountBtc:      int64(o.AmountBtc),
		BitcoinAddress: o.BitcoinAddress,
		OfferingToken:  o.OfferingToken.Hex(),
		OfferingAmount: o.OfferingAmount.Dec(),
		Requester:      o.Requester.Hex(),
	}
}

func sellOrderViews(orders []*models.SellOrder) []sellOrderView {
	out := make([]sellOrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newSellOrderView(o))
	}
	return out
}

func buyOrderViews(orders []*models.BuyOrder) []buyOrderView {
	out := make([]buyOrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newBuyOrderView(o))
	}
	return out
}

// ListSellOrders returns open sell orders in placement order.
func (h *Handler) ListSellOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sellOrderViews(h.Market.OpenSellOrders()))
}

// ListBuyOrders returns open buy orders in placement order.
func (h *Handler) ListBuyOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buyOrderViews(h.Market.OpenBuyOrders()))
}

// ListAcceptedSellOrders returns pending accepted sell orders.
func (h *Handler) ListAcceptedSellOrders(w http.ResponseWriter, r *http.Request) {
	accepted := h.Market.OpenAcceptedSellOrders()
	out := make([]acceptedView, 0, len(accepted))
	for _, a := range accepted {
		out = append(out, acceptedView{
			ID: a.ID, OrderID: a.OrderID, BitcoinAddress: a.BitcoinAddress, AmountBtc: int64(a.AmountBtc),
			ErcToken: a.ErcToken.Hex(), ErcAmount: a.ErcAmount.Dec(),
			Requester: a.Requester.Hex(), Accepter: a.Accepter.Hex(),
			AcceptTime: a.AcceptTime, ExpiresAt: a.AcceptTime.Add(h.Market.Expiration()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListAcceptedBuyOrders returns pending accepted buy orders.
func (h *Handler) ListAcceptedBuyOrders(w http.ResponseWriter, r *http.Request) {
	accepted := h.Market.OpenAcceptedBuyOrders()
	out := make([]acceptedView, 0, len(accepted))
	for _, a := range accepted {
		out = append(out, acceptedView{
			ID: a.ID, OrderID: a.OrderID, BitcoinAddress: a.BitcoinAddress, AmountBtc: int64(a.AmountBtc),
			ErcToken: a.ErcToken.Hex(), ErcAmount: a.ErcAmount.Dec(),
			Requester: a.Requester.Hex(), Accepter: a.Accepter.Hex(),
			AcceptTime: a.AcceptTime, ExpiresAt: a.AcceptTime.Add(h.Market.Expiration()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRecordStatus reports the lifecycle state of any identifier.
func (h *Handler) GetRecordStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ID")
		return
	}
	kind, status := h.Market.Status(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"kind":   string(kind),
		"status": status.String(),
	})
}

// PlaceSellOrder lists bitcoin for sale on behalf of the caller
func (h *Handler) PlaceSellOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		AmountBtc    int64  `json:"amount_btc"`
		AskingToken  string `json:"asking_token"`
		AskingAmount string `json:"asking_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tok, err := parseAddress(req.AskingToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, "asking_token must be a hex address")
		return
	}
	amount, err := parseAmount(req.AskingAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "asking_amount must be a decimal integer")
		return
	}

	id, err := h.Market.PlaceSellOrder(r.Context(), addr, btcutil.Amount(req.AmountBtc), tok, amount)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order_id": id,
		"digest":   market.SellOrderDigest(addr, btcutil.Amount(req.AmountBtc), tok, amount).Hex(),
	})
}

// PlaceBuyOrder escrows the caller's tokens against a bitcoin payment
func (h *Handler) PlaceBuyOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		AmountBtc      int64  `json:"amount_btc"`
		BitcoinAddress string `json:"bitcoin_address"`
		OfferingToken  string `json:"offering_token"`
		OfferingAmount string `json:"offering_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tok, err := parseAddress(req.OfferingToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offering_token must be a hex address")
		return
	}
	amount, err := parseAmount(req.OfferingAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offering_amount must be a decimal integer")
		return
	}

	id, err := h.Market.PlaceBuyOrder(r.Context(), addr, btcutil.Amount(req.AmountBtc), req.BitcoinAddress, tok, amount)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order_id": id,
		"digest":   market.BuyOrderDigest(addr, btcutil.Amount(req.AmountBtc), req.BitcoinAddress, tok, amount).Hex(),
	})
}

// WithdrawSellOrder removes the caller's sell order
func (h *Handler) WithdrawSellOrder(w http.ResponseWriter, r *http.Request) {
	h.withdraw(w, r, h.Market.WithdrawSellOrder)
}

// WithdrawBuyOrder removes the caller's buy order and refunds its escrow
func (h *Handler) WithdrawBuyOrder(w http.ResponseWriter, r *http.Request) {
	h.withdraw(w, r, h.Market.WithdrawBuyOrder)
}

// AcceptSellOrder matches part of a sell order, escrowing the caller's tokens
func (h *Handler) AcceptSellOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}
	var req struct {
		AmountBtc      int64  `json:"amount_btc"`
		BitcoinAddress string `json:"bitcoin_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	acceptID, err := h.Market.AcceptSellOrder(r.Context(), addr, id, req.BitcoinAddress, btcutil.Amount(req.AmountBtc))
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"accept_id": acceptID})
}

// AcceptBuyOrder matches part of a buy order; the caller then owes bitcoin
func (h *Handler) AcceptBuyOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}
	var req struct {
		AmountBtc int64 `json:"amount_btc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	acceptID, err := h.Market.AcceptBuyOrder(r.Context(), addr, id, btcutil.Amount(req.AmountBtc))
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"accept_id": acceptID})
}

// SettleSellAccept releases escrow to the seller on a payment proof
func (h *Handler) SettleSellAccept(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Market.SettleSellAccept)
}

// SettleBuyAccept releases escrow to the accepter on a payment proof
func (h *Handler) SettleBuyAccept(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Market.SettleBuyAccept)
}

// CancelSellAccept refunds an expired accepted sell order
func (h *Handler) CancelSellAccept(w http.ResponseWriter, r *http.Request) {
	h.withdraw(w, r, h.Market.CancelSellAccept)
}

// CancelBuyAccept refunds an expired accepted buy order
func (h *Handler) CancelBuyAccept(w http.ResponseWriter, r *http.Request) {
	h.withdraw(w, r, h.Market.CancelBuyAccept)
}

type closeFunc func(ctx context.Context, caller common.Address, id uint64) error

// withdraw serves every endpoint that closes a record by id on behalf of the
// caller with no further input.
func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request, op closeFunc) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ID")
		return
	}
	if err := op(r.Context(), addr, id); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	kind, status := h.Market.Status(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"kind":   string(kind),
		"status": status.String(),
	})
}

type proofRequest struct {
	BlockHash string   `json:"block_hash"`
	Branch    []string `json:"branch"`
	Index     uint32   `json:"index"`
}

// parse decodes hashes given in the usual reversed display order.
func (p proofRequest) parse() (*spv.Proof, error) {
	blockHash, err := chainhash.NewHashFromStr(p.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("block_hash: %w", err)
	}
	proof := &spv.Proof{BlockHash: *blockHash, Index: p.Index}
	for i, s := range p.Branch {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, fmt.Errorf("branch[%d]: %w", i, err)
		}
		proof.Branch = append(proof.Branch, *h)
	}
	return proof, nil
}

type settleFunc func(ctx context.Context, caller common.Address, id uint64, rawTx []byte, proof *spv.Proof) error

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, op settleFunc) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ID")
		return
	}
	var req struct {
		RawTx string       `json:"raw_tx"`
		Proof proofRequest `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rawTx, err := hex.DecodeString(req.RawTx)
	if err != nil || len(rawTx) == 0 {
		writeError(w, http.StatusBadRequest, "raw_tx must be hex encoded")
		return
	}
	proof, err := req.Proof.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid proof: "+err.Error())
		return
	}

	if err := op(r.Context(), addr, id, rawTx, proof); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": "settled",
	})
}
